package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"pdf2zh-proxy/internal/client"
	"pdf2zh-proxy/internal/config"
	"pdf2zh-proxy/internal/model"
)

func newTestService(t *testing.T, backendURL string, preserveHost bool) *ProxyService {
	t.Helper()
	u, err := url.Parse(backendURL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Backend: config.BackendConfig{
			Host:            u.Hostname(),
			Port:            port,
			IdleConnections: 10,
			PreserveHost:    &preserveHost,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxyService(client.NewBackendClient(cfg, logger, nil), cfg, logger)
}

func TestBuildTargetURL(t *testing.T) {
	s := &ProxyService{baseURL: "http://127.0.0.1:7860"}

	tests := []struct {
		name  string
		path  string
		query string
		want  string
	}{
		{"root", "/", "", "http://127.0.0.1:7860/"},
		{"empty path", "", "", "http://127.0.0.1:7860/"},
		{"path without slash", "queue/join", "", "http://127.0.0.1:7860/queue/join"},
		{"path with query", "/queue/data", "session_hash=abc", "http://127.0.0.1:7860/queue/data?session_hash=abc"},
		{"query kept verbatim", "/x", "a=1&a=2&b=%20c", "http://127.0.0.1:7860/x?a=1&a=2&b=%20c"},
		{"encoded path verbatim", "/file=%2Ftmp%2Fout.pdf", "", "http://127.0.0.1:7860/file=%2Ftmp%2Fout.pdf"},
		{"dot segments kept", "/a/../b//c", "", "http://127.0.0.1:7860/a/../b//c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.BuildTargetURL(tt.path, tt.query); got != tt.want {
				t.Errorf("BuildTargetURL(%q, %q) = %q, want %q", tt.path, tt.query, got, tt.want)
			}
		})
	}
}

func TestRawPath(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"plain", "/queue/join", "/queue/join"},
		{"with query", "/queue/data?session_hash=abc", "/queue/data"},
		{"escaped", "/file=%2Ftmp%2Fa%20b.pdf?download=1", "/file=%2Ftmp%2Fa%20b.pdf"},
		{"root", "/", "/"},
		{"absolute form", "http://proxy.local/a%2Fb?x=1", "/a%2Fb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			if got := RawPath(req); got != tt.want {
				t.Errorf("RawPath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestHeaders_Verbatim(t *testing.T) {
	keep := true
	s := &ProxyService{cfg: &config.Config{Backend: config.BackendConfig{PreserveHost: &keep}}}
	src := http.Header{
		"Accept":          {"text/event-stream"},
		"Connection":      {"keep-alive"},
		"Cookie":          {"a=1; b=2"},
		"X-Forwarded-For": {"1.2.3.4, 5.6.7.8"},
		"X-Multi":         {"one", "two"},
	}

	dst := s.requestHeaders(&model.ProxyRequest{Header: src, Host: "gui.local:8080"})

	for key, vals := range src {
		got := dst.Values(key)
		if strings.Join(got, "|") != strings.Join(vals, "|") {
			t.Errorf("header %q = %v, want %v", key, got, vals)
		}
	}
	if dst.Get("Host") != "gui.local:8080" {
		t.Errorf("Host = %q, want inbound host", dst.Get("Host"))
	}

	dst.Set("Accept", "changed")
	if src.Get("Accept") != "text/event-stream" {
		t.Error("requestHeaders must not alias the inbound header map")
	}
}

func TestRequestHeaders_NoPreserveHost(t *testing.T) {
	keep := false
	s := &ProxyService{cfg: &config.Config{Backend: config.BackendConfig{PreserveHost: &keep}}}

	dst := s.requestHeaders(&model.ProxyRequest{Host: "gui.local:8080"})
	if dst.Get("Host") != "" {
		t.Errorf("Host = %q, want empty", dst.Get("Host"))
	}
}

func TestForward_MirrorsRequest(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %q, want PATCH", r.Method)
		}
		if r.URL.RawPath != "" && r.URL.RawPath != "/file=%2Fa" {
			t.Errorf("raw path = %q", r.URL.RawPath)
		}
		if r.URL.RawQuery != "x=1&y=%20" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "x=1&y=%20")
		}
		if r.Header.Get("X-Trace") != "t-1" {
			t.Errorf("X-Trace = %q, want %q", r.Header.Get("X-Trace"), "t-1")
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Echo", string(body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer backend.Close()

	s := newTestService(t, backend.URL, true)
	resp, err := s.Forward(context.Background(), &model.ProxyRequest{
		Method:   http.MethodPatch,
		Path:     "/file=%2Fa",
		RawQuery: "x=1&y=%20",
		Header:   http.Header{"X-Trace": {"t-1"}},
		Body:     []byte("patch-body"),
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if resp.Header.Get("X-Echo") != "patch-body" {
		t.Errorf("X-Echo = %q, want body echoed", resp.Header.Get("X-Echo"))
	}
}

func TestForward_BackendDown(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	backendURL := backend.URL
	backend.Close()

	s := newTestService(t, backendURL, true)
	_, err := s.Forward(context.Background(), &model.ProxyRequest{Method: http.MethodGet, Path: "/"})
	if err == nil {
		t.Fatal("Forward() expected error for closed backend, got nil")
	}
	if !errors.Is(err, client.ErrBackendUnavailable) {
		t.Errorf("error = %v, want ErrBackendUnavailable", err)
	}
}

func TestForward_NoCaching(t *testing.T) {
	var calls atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Cache-Control", "max-age=3600")
		_, _ = w.Write([]byte("cacheable"))
	}))
	defer backend.Close()

	s := newTestService(t, backend.URL, true)
	for range 2 {
		resp, err := s.Forward(context.Background(), &model.ProxyRequest{Method: http.MethodGet, Path: "/config"})
		if err != nil {
			t.Fatalf("Forward() error = %v", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}

	if n := calls.Load(); n != 2 {
		t.Errorf("backend calls = %d, want 2", n)
	}
}
