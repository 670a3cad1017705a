package model

import (
	"net/http"
	"testing"
)

func TestIsEventStream(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"text/event-stream", true},
		{"text/event-stream; charset=utf-8", true},
		{"Text/Event-Stream", true},
		{"application/json", false},
		{"text/html; charset=utf-8", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsEventStream(tt.contentType); got != tt.want {
			t.Errorf("IsEventStream(%q) = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}

func TestProxyResponse_Streaming_NoContentType(t *testing.T) {
	resp := &ProxyResponse{StatusCode: http.StatusNoContent, Header: http.Header{}}
	if resp.Streaming() {
		t.Error("Streaming() = true for response without Content-Type")
	}
}
