// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
	"strings"
)

// EventStreamType is the content type whose responses are relayed live.
const EventStreamType = "text/event-stream"

// ProxyRequest is an inbound request captured for forwarding to the backend.
// Body holds the fully read inbound body; the inbound side is never streamed.
type ProxyRequest struct {
	Method   string
	Path     string // raw path as sent on the request line, not decoded
	RawQuery string // raw query string without the leading '?'
	Host     string
	Header   http.Header
	Cookies  []*http.Cookie
	Body     []byte
}

// ProxyResponse is the backend response. Body has not been read yet.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Streaming reports whether the response must be relayed chunk by chunk.
func (r *ProxyResponse) Streaming() bool {
	return IsEventStream(r.Header.Get("Content-Type"))
}

// IsEventStream reports whether a Content-Type value names an event stream.
// Matching is a case-insensitive substring test, so parameters and odd
// casing still stream; an empty value never does.
func IsEventStream(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), EventStreamType)
}

// Keys for values handlers and middleware share through the echo context.
const (
	ContextKeyRequestID = "request_id"
	ContextKeyRelay     = "relay"
)
