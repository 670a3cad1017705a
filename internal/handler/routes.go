package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pdf2zh-proxy/internal/config"
	"pdf2zh-proxy/internal/metrics"
)

// ProxyMethods are the methods relayed to the backend. Anything else is
// answered by the router with 405 before reaching the proxy.
var ProxyMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodPatch,
	http.MethodHead,
}

// RegisterRoutes sends every path, including the bare root, to the proxy.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Match(ProxyMethods, "/", proxy.Handle)
	e.Match(ProxyMethods, "/*", proxy.Handle)
}

// RegisterAdminRoutes wires health, status and (when enabled) metrics onto
// the admin Echo instance. m may be nil when metrics are disabled.
func RegisterAdminRoutes(e *echo.Echo, cfg *config.Config, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
