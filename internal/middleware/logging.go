// Package middleware provides Echo middleware for logging, metrics and headers.
package middleware

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"pdf2zh-proxy/internal/logging"
	"pdf2zh-proxy/internal/model"
)

// AccessLogger returns an Echo middleware that writes one access log line per
// request after the handler has returned.
func AccessLogger(access *logging.AccessLog, worker int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			status := res.Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}

			relay, _ := c.Get(model.ContextKeyRelay).(string)
			requestID, _ := c.Get(model.ContextKeyRequestID).(string)

			access.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"query", req.URL.RawQuery,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"bytes_out", res.Size,
				"remote_ip", c.RealIP(),
				"request_id", requestID,
				"worker", worker,
				"relay", relay,
			)

			return err
		}
	}
}
