package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleAfter is how long an idle limiter is kept before cleanup drops it.
const staleAfter = 5 * time.Minute

// RateLimiter keeps one token bucket per key. A limit of n allows bursts of n
// and refills at n per minute.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	limit    int
	lastSeen time.Time
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*limiterEntry), now: time.Now}
}

// Allow reports whether key may make another request under limit per minute.
func (rl *RateLimiter) Allow(key string, limit int) bool {
	if limit <= 0 {
		return true
	}

	rl.mu.Lock()
	now := rl.now()
	e, ok := rl.limiters[key]
	if !ok || e.limit != limit {
		e = &limiterEntry{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit)), limit),
			limit:   limit,
		}
		rl.limiters[key] = e
	}
	e.lastSeen = now
	rl.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// cleanup drops limiters idle for longer than staleAfter.
func (rl *RateLimiter) cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-staleAfter)
	n := 0
	for k, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, k)
			n++
		}
	}
	return n
}

// allowDevice applies the per-device limit for an endpoint class, writing a
// 429 and recording the event when it is exceeded.
func (s *Server) allowDevice(w http.ResponseWriter, r *http.Request, deviceID, endpointClass string, limit int) bool {
	if s.rateLimiter.Allow(endpointClass+":"+deviceID, limit) {
		return true
	}
	s.metrics.RecordRateLimited()
	if err := s.store.InsertRateLimitEvent(keyID(r.Context()), clientIP(r), endpointClass); err != nil {
		slog.Error("log rate limit event", "err", err)
	}
	writeError(w, r, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")
	return false
}

// clientIP extracts the client IP from the request, checking X-Forwarded-For first.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the chain is the original client
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
