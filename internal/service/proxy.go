// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"pdf2zh-proxy/internal/client"
	"pdf2zh-proxy/internal/config"
	"pdf2zh-proxy/internal/model"
)

// ProxyService turns captured inbound requests into backend requests.
type ProxyService struct {
	client  *client.BackendClient
	cfg     *config.Config
	logger  *slog.Logger
	baseURL string
}

// NewProxyService creates a ProxyService targeting cfg.Backend.
func NewProxyService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		baseURL: cfg.Backend.BaseURL(),
	}
}

// Forward sends a ProxyRequest to the backend and returns the response as
// soon as its headers arrive. The caller is responsible for closing the
// response body.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target := s.BuildTargetURL(pr.Path, pr.RawQuery)
	header := s.requestHeaders(pr)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target", target,
	)

	resp, err := s.client.DoStream(ctx, pr.Method, target, header, pr.Body, pr.Cookies)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}
	return resp, nil
}

// BuildTargetURL appends the raw path to the backend base URL and adds
// "?query" only when the query is non-empty. Neither part is decoded or
// normalized.
func (s *ProxyService) BuildTargetURL(rawPath, rawQuery string) string {
	var b strings.Builder
	b.Grow(len(s.baseURL) + len(rawPath) + len(rawQuery) + 2)
	b.WriteString(s.baseURL)
	if !strings.HasPrefix(rawPath, "/") {
		b.WriteByte('/')
	}
	b.WriteString(rawPath)
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
	}
	return b.String()
}

// requestHeaders copies every inbound header value as is. With
// backend.preserve_host the inbound Host travels along too.
func (s *ProxyService) requestHeaders(pr *model.ProxyRequest) http.Header {
	dst := pr.Header.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	if s.cfg.Backend.KeepHost() && pr.Host != "" {
		dst.Set("Host", pr.Host)
	}
	return dst
}

// RawPath returns the request path exactly as it appeared on the request
// line, without the query string. Requests in absolute form fall back to the
// escaped form of the parsed path.
func RawPath(r *http.Request) string {
	uri := r.RequestURI
	if strings.HasPrefix(uri, "/") {
		if i := strings.IndexByte(uri, '?'); i >= 0 {
			return uri[:i]
		}
		return uri
	}
	return r.URL.EscapedPath()
}
