package gateway

import (
	"testing"
	"time"

	"github.com/devlink-io/devlink-core/internal/infrastructure/config"
)

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	rl := newRateLimiter(config.RateLimitConfig{Enabled: true, MaxRequests: 3, WindowMs: 1000})
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !rl.allow(now) {
			t.Fatalf("request %d rejected inside limit", i+1)
		}
	}
	if rl.allow(now) {
		t.Fatal("request 4 allowed, want rejection")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	rl := newRateLimiter(config.RateLimitConfig{Enabled: true, MaxRequests: 2, WindowMs: 1000})
	now := time.Now()

	rl.allow(now)
	rl.allow(now)
	if rl.allow(now.Add(500 * time.Millisecond)) {
		t.Fatal("over-limit request inside window allowed")
	}
	if !rl.allow(now.Add(1100 * time.Millisecond)) {
		t.Fatal("request after window expiry rejected")
	}
}

func TestRateLimiter_DisabledIsNil(t *testing.T) {
	if rl := newRateLimiter(config.RateLimitConfig{Enabled: false}); rl != nil {
		t.Fatal("disabled config produced a limiter")
	}
}

func TestDDoSGuard_BlacklistsFloodingSource(t *testing.T) {
	guard := newDDoSGuard(config.DDoSConfig{
		Enabled:      true,
		MaxAttempts:  3,
		WindowMs:     60_000,
		BlacklistMax: 16,
	})
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !guard.admit("10.0.0.1:5000", now) {
			t.Fatalf("attempt %d rejected inside limit", i+1)
		}
	}
	if guard.admit("10.0.0.1:5001", now) {
		t.Fatal("flooding source admitted past limit")
	}
	if !guard.blacklisted("10.0.0.1:5002") {
		t.Fatal("flooding source not blacklisted")
	}
	if guard.admit("10.0.0.1:5003", now.Add(time.Second)) {
		t.Fatal("blacklisted source admitted")
	}

	// Other sources are unaffected.
	if !guard.admit("10.0.0.2:5000", now) {
		t.Fatal("clean source rejected")
	}
	if guard.blacklistLen() != 1 {
		t.Fatalf("blacklistLen = %d, want 1", guard.blacklistLen())
	}
}

func TestDDoSGuard_WindowRollover(t *testing.T) {
	guard := newDDoSGuard(config.DDoSConfig{
		Enabled:      true,
		MaxAttempts:  2,
		WindowMs:     1000,
		BlacklistMax: 16,
	})
	now := time.Now()

	guard.admit("10.0.0.1:1", now)
	guard.admit("10.0.0.1:2", now)
	// New window: the counter starts over.
	if !guard.admit("10.0.0.1:3", now.Add(1100*time.Millisecond)) {
		t.Fatal("attempt in fresh window rejected")
	}
}

func TestDDoSGuard_DefaultBlacklistBound(t *testing.T) {
	guard := newDDoSGuard(config.DDoSConfig{
		Enabled:     true,
		MaxAttempts: 3,
		WindowMs:    1000,
		// blacklist_max unset: the guard falls back to its default bound.
	})
	if guard.blacklistMax != defaultBlacklistMax {
		t.Fatalf("blacklistMax = %d, want %d", guard.blacklistMax, defaultBlacklistMax)
	}
	if !guard.admit("10.0.0.1:1", time.Now()) {
		t.Fatal("first attempt rejected")
	}
}

func TestDDoSGuard_PrunesStaleWindows(t *testing.T) {
	guard := newDDoSGuard(config.DDoSConfig{
		Enabled:      true,
		MaxAttempts:  10,
		WindowMs:     1000,
		BlacklistMax: 1,
	})
	now := time.Now()

	guard.admit("10.0.0.1:1", now)
	guard.admit("10.0.0.2:1", now)
	guard.admit("10.0.0.3:1", now)

	// All three windows are stale by the next attempt, and the attempt
	// map is past the cleanup threshold, so they get pruned.
	later := now.Add(2 * time.Second)
	if !guard.admit("10.0.0.4:1", later) {
		t.Fatal("attempt rejected")
	}

	guard.mu.Lock()
	n := len(guard.attempts)
	guard.mu.Unlock()
	if n != 1 {
		t.Fatalf("attempts tracked = %d, want 1 (stale windows pruned)", n)
	}
}

func TestDDoSGuard_DisabledIsNil(t *testing.T) {
	guard := newDDoSGuard(config.DDoSConfig{Enabled: false})
	if guard != nil {
		t.Fatal("disabled config produced a guard")
	}
	if !guard.admit("10.0.0.1:1", time.Now()) {
		t.Fatal("nil guard rejected an attempt")
	}
	if guard.blacklisted("10.0.0.1:1") {
		t.Fatal("nil guard reports a blacklisted source")
	}
}

func TestSourceIP(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"10.0.0.1:5000", "10.0.0.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		if got := sourceIP(tt.addr); got != tt.want {
			t.Errorf("sourceIP(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
