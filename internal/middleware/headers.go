package middleware

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/labstack/echo/v4"

	"pdf2zh-proxy/internal/config"
)

// hopByHopHeaders are headers that apply to a single connection.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyHeaders returns an Echo middleware that adjusts inbound request headers
// before they are mirrored to the backend. With both options off the request
// passes through untouched.
func ProxyHeaders(cfg config.ServerConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			if cfg.StripHopByHop {
				stripHopByHop(req.Header)
			}

			if cfg.ForwardedHeaders {
				if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
					if prior := req.Header.Get(echo.HeaderXForwardedFor); prior != "" {
						ip = prior + ", " + ip
					}
					req.Header.Set(echo.HeaderXForwardedFor, ip)
				}
				if req.Header.Get("X-Forwarded-Host") == "" {
					req.Header.Set("X-Forwarded-Host", req.Host)
				}
				if req.Header.Get(echo.HeaderXForwardedProto) == "" {
					req.Header.Set(echo.HeaderXForwardedProto, c.Scheme())
				}
			}

			return next(c)
		}
	}
}

// stripHopByHop removes the fixed hop-by-hop set plus any header named in
// the Connection header.
func stripHopByHop(h http.Header) {
	for _, v := range h["Connection"] {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				delete(h, textproto.CanonicalMIMEHeaderKey(name))
			}
		}
	}
	for _, name := range hopByHopHeaders {
		delete(h, textproto.CanonicalMIMEHeaderKey(name))
	}
}
