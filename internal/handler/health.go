package handler

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"pdf2zh-proxy/internal/config"
)

// backendProbeTimeout bounds the TCP dial made by the status endpoint.
const backendProbeTimeout = time.Second

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints on the admin listener.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the body of the status endpoint.
type statusResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	BackendURL       string `json:"backend_url"`
	BackendReachable bool   `json:"backend_reachable"`
	Workers          int    `json:"workers"`
}

// Status returns proxy status information, including whether the backend
// currently accepts TCP connections. An unreachable backend degrades the
// status but still answers 200 so the probe itself never looks broken.
func (h *HealthHandler) Status(c echo.Context) error {
	addr := net.JoinHostPort(h.cfg.Backend.Host, strconv.Itoa(h.cfg.Backend.Port))
	reachable := false
	if conn, err := net.DialTimeout("tcp", addr, backendProbeTimeout); err == nil {
		reachable = true
		_ = conn.Close()
	}

	status := "ok"
	if !reachable {
		status = "degraded"
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:           status,
		Version:          string(h.version),
		BackendURL:       h.cfg.Backend.BaseURL(),
		BackendReachable: reachable,
		Workers:          h.cfg.Server.Workers,
	})
}
