package middleware

import (
	"math"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"pdf2zh-proxy/internal/config"
)

// RateLimiter returns a per-IP limiter backed by an in-memory store.
// Each worker builds its own, so the effective limit scales with the pool.
// Burst is the per-second rate rounded up, and never below one request.
func RateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:  rate.Limit(cfg.RequestsPerSecond),
		Burst: int(math.Max(1, math.Ceil(cfg.RequestsPerSecond))),
	})
	return echomw.RateLimiter(store)
}
