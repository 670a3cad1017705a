package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/labstack/echo/v4"

	"pdf2zh-proxy/internal/metrics"
	"pdf2zh-proxy/internal/model"
	"pdf2zh-proxy/internal/service"
)

// streamChunkSize bounds a single read from an event-stream body. Each read
// is written and flushed immediately, whatever its size.
const streamChunkSize = 32 * 1024

// ProxyHandler relays every inbound request to the backend.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter may be nil.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle reads the inbound body, forwards the request, and relays the
// backend response either live (event streams) or fully buffered.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		h.logger.Warn("reading request body",
			"err", err,
			"path", req.URL.Path,
		)
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	pr := &model.ProxyRequest{
		Method:   req.Method,
		Path:     service.RawPath(req),
		RawQuery: req.URL.RawQuery,
		Host:     req.Host,
		Header:   req.Header,
		Cookies:  req.Cookies(),
		Body:     body,
	}

	resp, err := h.service.Forward(req.Context(), pr)
	if err != nil {
		c.Set(model.ContextKeyRelay, metrics.RelayError)
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Streaming() {
		c.Set(model.ContextKeyRelay, metrics.RelayStream)
		h.relayStream(c, resp)
		return nil
	}

	c.Set(model.ContextKeyRelay, metrics.RelayBuffered)
	return h.relayBuffered(c, resp)
}

// relayBuffered reads the whole backend body before writing anything, so a
// backend failure mid-body still yields a clean 502.
func (h *ProxyHandler) relayBuffered(c echo.Context, resp *model.ProxyResponse) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return h.mapError(c, err)
	}

	copyHeader(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)

	if _, err := c.Response().Write(data); err != nil && !errors.Is(err, http.ErrBodyNotAllowed) {
		h.logger.Debug("writing response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

// relayStream forwards each chunk as soon as the backend produces it and
// runs until the backend closes the stream or the client goes away. Once
// the status line is out there is nothing left to report to the client, so
// failures are only logged.
func (h *ProxyHandler) relayStream(c echo.Context, resp *model.ProxyResponse) {
	if h.metrics != nil {
		h.metrics.ActiveStreams.Inc()
		defer h.metrics.ActiveStreams.Dec()
	}

	w := c.Response()
	header := w.Header()
	copyHeader(header, resp.Header)
	header.Del(echo.HeaderContentLength)
	header.Set(echo.HeaderContentType, model.EventStreamType)
	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	path := c.Request().URL.Path
	if err := rc.Flush(); err != nil {
		h.logger.Debug("flushing stream headers", "err", err, "path", path)
	}

	buf := make([]byte, streamChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				h.logger.Debug("client left event stream", "err", err, "path", path)
				return
			}
			if err := rc.Flush(); err != nil {
				h.logger.Debug("flushing event stream", "err", err, "path", path)
				return
			}
		}
		if readErr != nil {
			if readErr != io.EOF && c.Request().Context().Err() == nil {
				h.logger.Warn("backend event stream ended with error",
					"err", readErr,
					"path", path,
				)
			}
			return
		}
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "backend request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "backend request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "backend host unreachable",
		})
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "backend connection refused",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "backend connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "backend request failed",
	})
}

// copyHeader adds every value of src to dst, keeping repeated headers
// such as Set-Cookie intact.
func copyHeader(dst, src http.Header) {
	for key, vals := range src {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}
