package httpapi

import (
	"net/http/httptest"
	"testing"
)

func TestRequestIDEchoedToClient(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "trace-42" {
		t.Fatalf("caller-supplied id must round-trip, got %q", got)
	}

	req = httptest.NewRequest("GET", "/healthz", nil)
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("generated request id must be echoed")
	}
}
