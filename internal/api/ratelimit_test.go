package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllowDeny(t *testing.T) {
	rl := NewRateLimiter()

	// Should allow up to the burst
	for i := 0; i < 5; i++ {
		if !rl.Allow("k1", 5) {
			t.Fatalf("expected allow on request %d", i+1)
		}
	}

	if rl.Allow("k1", 5) {
		t.Fatal("expected deny after limit reached")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		rl.Allow("k1", 3)
	}
	if rl.Allow("k1", 3) {
		t.Fatal("expected deny after limit")
	}

	// 3 per minute refills one token every 20s
	now = now.Add(21 * time.Second)
	if !rl.Allow("k1", 3) {
		t.Fatal("expected allow after refill")
	}
}

func TestRateLimiterKeyIsolation(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < 2; i++ {
		rl.Allow("key1", 2)
	}
	if rl.Allow("key1", 2) {
		t.Fatal("expected key1 denied")
	}
	if !rl.Allow("key2", 2) {
		t.Fatal("expected key2 allowed")
	}
}

func TestRateLimiterZeroLimitDisables(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 100; i++ {
		if !rl.Allow("k", 0) {
			t.Fatal("expected zero limit to allow everything")
		}
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	rl.Allow("stale", 10)
	now = now.Add(4 * time.Minute)
	rl.Allow("fresh", 10)
	now = now.Add(2 * time.Minute)

	if n := rl.cleanup(); n != 1 {
		t.Fatalf("expected 1 entry removed, got %d", n)
	}
	if _, ok := rl.limiters["stale"]; ok {
		t.Fatal("expected stale entry removed")
	}
	if _, ok := rl.limiters["fresh"]; !ok {
		t.Fatal("expected fresh entry kept")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"remote addr", "", "10.0.0.1:5555", "10.0.0.1"},
		{"single forwarded", "1.2.3.4", "10.0.0.1:5555", "1.2.3.4"},
		{"forwarded chain", "1.2.3.4, 5.6.7.8", "10.0.0.1:5555", "1.2.3.4"},
		{"no port", "", "10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(r); got != tt.want {
				t.Fatalf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
