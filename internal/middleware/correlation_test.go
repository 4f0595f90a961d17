package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCorrelationID(t *testing.T) {
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := r.Context().Value(CorrelationKey).(string)
		if !ok || id == "" {
			t.Error("correlation id missing from context")
		}
	}))

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("header missing")
	}
}

func TestFileID_RoundTrip(t *testing.T) {
	ctx := WithFileID(httptest.NewRequest("GET", "/", nil).Context(), "report-abc123")
	if got := GetFileID(ctx); got != "report-abc123" {
		t.Errorf("expected report-abc123, got %q", got)
	}
	if got := GetCorrelationID(ctx); got != "unknown" {
		t.Errorf("expected unknown correlation id, got %q", got)
	}
}
