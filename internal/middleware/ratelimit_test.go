package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"pdf2zh-proxy/internal/config"
)

func TestRateLimiter_Enabled(t *testing.T) {
	e := echo.New()

	// 1 request per second, burst of 1; the second request is rejected.
	e.Use(RateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1}))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	got429 := false
	for range 10 {
		req = httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("expected at least one 429 response after burst, got none")
	}
}

func TestRateLimiter_PerClientIP(t *testing.T) {
	e := echo.New()
	e.Use(RateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1}))
	e.POST("/upload", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/upload", http.NoBody)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("192.0.2.10:5000"); code != http.StatusOK {
		t.Fatalf("first client: status = %d, want %d", code, http.StatusOK)
	}
	if code := send("192.0.2.10:5001"); code != http.StatusTooManyRequests {
		t.Errorf("first client again: status = %d, want %d", code, http.StatusTooManyRequests)
	}
	if code := send("198.51.100.7:5000"); code != http.StatusOK {
		t.Errorf("second client: status = %d, want %d", code, http.StatusOK)
	}
}
