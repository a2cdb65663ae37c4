package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestClientLimiter(t *testing.T) {
	l := NewClientLimiter(1, 2)
	clock := time.Now()
	l.now = func() time.Time { return clock }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))

	clock = clock.Add(time.Second)
	assert.True(t, l.Allow("a"))
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1, Logger: zap.NewNop()})(ok)

	req := httptest.NewRequest(http.MethodGet, "/feeds/outdated", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRequestValidation(t *testing.T) {
	h := RequestValidation(ValidationConfig{MaxBodySize: 16, Logger: zap.NewNop()})(ok)

	cases := []struct {
		name        string
		body        string
		contentType string
		want        int
	}{
		{"no body", "", "", http.StatusNoContent},
		{"valid", `{"a":1}`, "application/json", http.StatusNoContent},
		{"wrong type", `{"a":1}`, "text/plain", http.StatusBadRequest},
		{"invalid json", `{"a":`, "application/json", http.StatusBadRequest},
		{"too large", `{"a":"0123456789abcdef"}`, "application/json", http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/feeds/seed", strings.NewReader(tc.body))
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRecoverAndLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := RequestID()(RequestLogging(LoggingConfig{Logger: logger})(Recover(logger)(panicky)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/x/logs", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
	assert.Equal(t, 1, logs.FilterMessage("HTTP handler panic").Len())
	entries := logs.FilterMessage("HTTP response").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, zap.ErrorLevel, entries[0].Level)
		assert.Equal(t, rec.Header().Get("X-Request-ID"), entries[0].ContextMap()["request_id"])
	}
}

func TestRouteOf(t *testing.T) {
	assert.Equal(t, "/runs/:id/logs", routeOf("/runs/6f1c8a8e-4d3b-4b7e-9f0a-2d4c5b6a7e8f/logs"))
	assert.Equal(t, "/feeds/outdated", routeOf("/feeds/outdated"))
}
