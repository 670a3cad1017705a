package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"pdf2zh-proxy/internal/client"
	"pdf2zh-proxy/internal/config"
	"pdf2zh-proxy/internal/handler"
	"pdf2zh-proxy/internal/logging"
	"pdf2zh-proxy/internal/metrics"
	"pdf2zh-proxy/internal/middleware"
	"pdf2zh-proxy/internal/service"
)

// NewProxyBuilder returns a BuildFunc that gives each worker its own Echo
// instance, middleware chain, backend client, service and handler. Only the
// read-only config, the loggers and the metrics registry are shared.
// m may be nil when metrics are disabled.
func NewProxyBuilder(cfg *config.Config, logger *slog.Logger, access *logging.AccessLog, m *metrics.Metrics) BuildFunc {
	return func(id int) (http.Handler, error) {
		wlog := logger.With("worker", id)
		e := newWorkerEcho(cfg, wlog, access, m, id)

		bc := client.NewBackendClient(cfg, wlog, m)
		svc := service.NewProxyService(bc, cfg, wlog)
		handler.RegisterRoutes(e, handler.NewProxyHandler(svc, wlog, m))

		return e, nil
	}
}

// newWorkerEcho creates an Echo instance with the worker middleware chain
// and no routes.
func newWorkerEcho(cfg *config.Config, wlog *slog.Logger, access *logging.AccessLog, m *metrics.Metrics, id int) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e, wlog)

	e.Use(middleware.RequestID())
	e.Use(middleware.AccessLogger(access, id))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.RecoverWithConfig(echomw.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			wlog.Error("panic recovered",
				"err", err,
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"stack", string(stack),
			)
			return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
		},
	}))
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit))
	}
	e.Use(middleware.ProxyHeaders(cfg.Server))

	return e
}

// errorHandler wraps Echo's default error handler so that unexpected errors
// reaching the worker boundary are logged before the 500 is written.
// *echo.HTTPError values are deliberate responses and are not logged.
func errorHandler(e *echo.Echo, logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			logger.Error("request failed",
				"err", err,
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
			)
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
}
