package websocket

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsWebSocketUpgrade(t *testing.T) {
	cases := []struct {
		name       string
		upgrade    string
		connection string
		want       bool
	}{
		{"valid", "websocket", "Upgrade", true},
		{"valid mixed case", "WebSocket", "keep-alive, Upgrade", true},
		{"missing upgrade header", "", "Upgrade", false},
		{"missing connection header", "websocket", "keep-alive", false},
		{"wrong upgrade value", "h2c", "Upgrade", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.upgrade != "" {
				r.Header.Set("Upgrade", tc.upgrade)
			}
			if tc.connection != "" {
				r.Header.Set("Connection", tc.connection)
			}
			if got := isWebSocketUpgrade(r); got != tc.want {
				t.Errorf("isWebSocketUpgrade() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestComputeAcceptKey(t *testing.T) {
	// Canonical example from RFC 6455 §1.3.
	got := computeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("computeAcceptKey() = %q, want %q", got, want)
	}
}

func TestServeHTTPRejectsNonUpgrade(t *testing.T) {
	bc := NewBroadcaster(nil, 0)
	defer bc.Close()
	h := NewHandler(bc, nil, 0)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUpgradeRequired)
	}
}

func TestServeHTTPRejectsMissingKey(t *testing.T) {
	bc := NewBroadcaster(nil, 0)
	defer bc.Close()
	h := NewHandler(bc, nil, 0)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
