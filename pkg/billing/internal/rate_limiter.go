package internal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window, per-IP limiter for webhook endpoints
type RateLimiter struct {
	mu            sync.Mutex
	requests      map[string]*bucket
	limit         int           // max requests per window
	window        time.Duration // time window
	requestCount  int           // counter for deterministic cleanup
	cleanupEvery  int           // cleanup every N requests
	cleanupAtSize int           // cleanup when map size exceeds this
	now           func() time.Time
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a new rate limiter with the specified limit and window.
// A non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests:      make(map[string]*bucket),
		limit:         limit,
		window:        window,
		cleanupEvery:  100,
		cleanupAtSize: 200,
		now:           time.Now,
	}
}

// Allow reports whether another request from key fits in the current window
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	rl.requestCount++
	if rl.requestCount%rl.cleanupEvery == 0 || len(rl.requests) > rl.cleanupAtSize {
		rl.cleanupExpired(now)
		if rl.requestCount >= rl.cleanupEvery*10 {
			rl.requestCount = 0
		}
	}

	b, exists := rl.requests[key]
	if !exists || !now.Before(b.resetAt) {
		rl.requests[key] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		return true
	}

	if b.count >= rl.limit {
		return false
	}
	b.count++
	return true
}

func (rl *RateLimiter) cleanupExpired(now time.Time) {
	for key, b := range rl.requests {
		if !now.Before(b.resetAt) {
			delete(rl.requests, key)
		}
	}
}

// Cleanup removes all expired entries from the rate limiter.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupExpired(rl.now())
}

// Middleware wraps an HTTP handler with per-IP rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(GetClientIP(r)) {
			w.Header().Set("Retry-After", retryAfter(rl.window))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfter(window time.Duration) string {
	secs := int(window / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// GetClientIP returns the first X-Forwarded-For address, or RemoteAddr
// without its port.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
