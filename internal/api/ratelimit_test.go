// ABOUTME: Unit tests for the per-client limiter and the mutationRateLimit middleware.
// ABOUTME: Package api (internal) so the limiter clock and buckets can be driven directly.
package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestIPRateLimiter_BurstThenDeny(t *testing.T) {
	t.Parallel()
	rl := newIPRateLimiter(rate.Limit(0.001), 3, 0)
	for i := range 3 {
		assert.True(t, rl.Allow("10.0.0.1"), "request %d is within burst", i+1)
	}
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "other clients have their own bucket")
}

func TestIPRateLimiter_EvictsIdleClients(t *testing.T) {
	t.Parallel()
	rl := newIPRateLimiter(rate.Limit(1), 1, 0)
	rl.evictTTL = time.Minute

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(45 * time.Second)
	rl.Allow("recent")
	now = now.Add(30 * time.Second)

	assert.Equal(t, 1, rl.evict())
	assert.Equal(t, 1, rl.size())
}

func TestIPRateLimiter_RetryAfter(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 30, newIPRateLimiter(rate.Limit(2.0/60), 2, 0).retryAfter())
	assert.Equal(t, 1, newIPRateLimiter(rate.Limit(10), 2, 0).retryAfter())
}

func TestMutationRateLimit_PerForwardedClient(t *testing.T) {
	t.Parallel()
	srv := &Server{rateLimiter: newIPRateLimiter(rate.Limit(2.0/60), 1, 0)} //nolint:exhaustruct
	h := middleware.RealIP(srv.mutationRateLimit()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	send := func(forwardedFor string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusNoContent, send("203.0.113.7").Code)

	rec := send("203.0.113.7")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, send("198.51.100.4").Code)
}
