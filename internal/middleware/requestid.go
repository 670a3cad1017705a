package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"pdf2zh-proxy/internal/model"
)

// RequestID tags each request with the inbound X-Request-Id or a fresh UUID.
// The id lives on the echo context only; neither the backend request nor the
// client response gains a header.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			c.Set(model.ContextKeyRequestID, id)
			return next(c)
		}
	}
}
