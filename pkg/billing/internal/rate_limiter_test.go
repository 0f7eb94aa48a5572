package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(limit int, window time.Duration) (*RateLimiter, *manualClock) {
	clock := &manualClock{now: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, window)
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_AllowsUpToLimitPerWindow(t *testing.T) {
	rl, clock := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("10.0.0.1"), "request %d", i+1)
	}
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "other keys have their own bucket")

	clock.Advance(time.Minute)
	assert.True(t, rl.Allow("10.0.0.1"), "window reset")
}

func TestRateLimiter_DisabledWhenLimitNotPositive(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	for i := 0; i < 1000; i++ {
		require.True(t, rl.Allow("10.0.0.1"))
	}

	var nilLimiter *RateLimiter
	assert.True(t, nilLimiter.Allow("10.0.0.1"))
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Minute)

	rl.requests["expired"] = &bucket{count: 5, resetAt: clock.Now().Add(-time.Second)}
	rl.requests["active"] = &bucket{count: 3, resetAt: clock.Now().Add(time.Minute)}

	rl.Cleanup()

	assert.NotContains(t, rl.requests, "expired")
	assert.Contains(t, rl.requests, "active")
}

func TestRateLimiter_CleanupBoundsMemory(t *testing.T) {
	rl, clock := newTestLimiter(10, time.Minute)

	for i := 0; i < 150; i++ {
		rl.Allow(fmt.Sprintf("192.168.1.%d", i))
	}
	require.Len(t, rl.requests, 150)

	clock.Advance(2 * time.Minute)
	for i := 0; i < rl.cleanupEvery; i++ {
		rl.Allow("10.0.0.1")
	}

	assert.LessOrEqual(t, len(rl.requests), 1)
}

func TestRateLimiter_CleanupCounterReset(t *testing.T) {
	rl, _ := newTestLimiter(10, time.Minute)

	for i := 0; i < rl.cleanupEvery*15; i++ {
		rl.Allow("192.168.1.1")
	}

	assert.LessOrEqual(t, rl.requestCount, rl.cleanupEvery*10)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(1, 30*time.Second)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks", http.NoBody)
	req.RemoteAddr = "203.0.113.7:52100"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"remote addr with port", "203.0.113.7:52100", "", "203.0.113.7"},
		{"ipv6 with port", "[2001:db8::1]:443", "", "2001:db8::1"},
		{"remote addr without port", "203.0.113.7", "", "203.0.113.7"},
		{"forwarded chain", "10.0.0.1:80", "198.51.100.4, 10.0.0.1", "198.51.100.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}
