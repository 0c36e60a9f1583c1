package httputil

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		got      time.Duration
		expected time.Duration
	}{
		{"Timeout", cfg.Timeout, 30 * time.Second},
		{"DialTimeout", cfg.DialTimeout, 10 * time.Second},
		{"TLSHandshakeTimeout", cfg.TLSHandshakeTimeout, 10 * time.Second},
		{"ResponseHeaderTimeout", cfg.ResponseHeaderTimeout, 30 * time.Second},
		{"IdleConnTimeout", cfg.IdleConnTimeout, 90 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.expected)
			}
		})
	}

	if cfg.MaxIdleConns != 100 {
		t.Errorf("MaxIdleConns = %d, want 100", cfg.MaxIdleConns)
	}
}

func TestStreamingClient_HasNoTimeout(t *testing.T) {
	client := StreamingClient()

	if client.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0", client.Timeout)
	}

	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if transport.ResponseHeaderTimeout != 0 {
		t.Errorf("ResponseHeaderTimeout = %v, want 0", transport.ResponseHeaderTimeout)
	}
}

func TestNewClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second

	client := NewClient(cfg)
	if client.Timeout != 5*time.Second {
		t.Errorf("client.Timeout = %v, want 5s", client.Timeout)
	}
	if client.Transport == nil {
		t.Error("client.Transport should not be nil")
	}
}

func TestBearer(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", http.NoBody)
	SetBearer(req, "tok-123")

	if got := req.Header.Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("Authorization = %q", got)
	}
	if got := BearerToken(req.Header.Get("Authorization")); got != "tok-123" {
		t.Errorf("BearerToken = %q", got)
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Errorf("BearerToken(Basic) = %q, want empty", got)
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"nested message", `{"error":{"message":"model not supported","type":"invalid_request"}}`, "model not supported"},
		{"string error", `{"error":"quota exhausted"}`, "quota exhausted"},
		{"top-level message", `{"message":"bad credentials"}`, "bad credentials"},
		{"plain text", "gateway timeout", "gateway timeout"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorMessage(strings.NewReader(tt.body)); got != tt.want {
				t.Errorf("ErrorMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}
