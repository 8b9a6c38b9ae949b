package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/askbase/askbase/internal/api/middleware"
)

// The SSE query endpoint type-asserts http.Flusher on the writer it
// receives, so the logging and telemetry wrappers must preserve it.
func TestLogger_PreservesFlusher(t *testing.T) {
	var flushable bool
	h := middleware.Logger(middleware.Telemetry(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/query/stream", nil))

	if !flushable {
		t.Error("wrapped writer does not implement http.Flusher")
	}
}
