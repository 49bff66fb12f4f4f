// ABOUTME: Per-client token buckets for mutating queue endpoints (enqueue, retry, config).
// ABOUTME: Built on golang.org/x/time/rate; idle buckets are evicted in the background.
package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*clientBucket
	r        rate.Limit
	burst    int
	evictTTL time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// newIPRateLimiter allows burst requests per client, refilled at r per
// second. Buckets unused for evictTTL are dropped.
func newIPRateLimiter(r rate.Limit, burst int, evictTTL time.Duration) *ipRateLimiter {
	rl := &ipRateLimiter{
		buckets:  make(map[string]*clientBucket),
		r:        r,
		burst:    burst,
		evictTTL: evictTTL,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	if evictTTL > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

// Allow consumes one token from the client's bucket.
func (rl *ipRateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.r, rl.burst)}
		rl.buckets[client] = b
	}
	b.lastSeen = rl.now()
	return b.limiter.Allow()
}

// retryAfter is the whole number of seconds until one token is available.
func (rl *ipRateLimiter) retryAfter() int {
	if rl.r <= 0 {
		return 60
	}
	secs := int(1/float64(rl.r) + 0.999)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (rl *ipRateLimiter) evict() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.evictTTL)
	n := 0
	for client, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, client)
			n++
		}
	}
	return n
}

func (rl *ipRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *ipRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.evictTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evict()
		}
	}
}

// stop ends the cleanup goroutine.
func (rl *ipRateLimiter) stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// mutationRateLimit limits requests per client IP taken from r.RemoteAddr.
// chi's RealIP middleware must run first so proxied clients are told apart.
func (srv *Server) mutationRateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := r.RemoteAddr
			if host, _, err := net.SplitHostPort(client); err == nil {
				client = host
			}
			if !srv.rateLimiter.Allow(client) {
				w.Header().Set("Retry-After", strconv.Itoa(srv.rateLimiter.retryAfter()))
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
