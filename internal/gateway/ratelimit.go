package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/devlink-io/devlink-core/internal/infrastructure/config"
)

// defaultBlacklistMax bounds the blacklist when the config leaves
// blacklist_max unset.
const defaultBlacklistMax = 4096

// rateLimiter is a per-connection sliding window: the counter resets when
// the window elapses. One instance per client connection, used only from
// that connection's read goroutine.
type rateLimiter struct {
	max         int
	window      time.Duration
	count       int
	windowStart time.Time
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	if !cfg.Enabled {
		return nil
	}
	return &rateLimiter{max: cfg.MaxRequests, window: cfg.RateWindow()}
}

// allow counts one message and reports whether it is within the window
// budget. A nil limiter allows everything.
func (rl *rateLimiter) allow(now time.Time) bool {
	if rl == nil {
		return true
	}
	if rl.windowStart.IsZero() || now.Sub(rl.windowStart) >= rl.window {
		rl.windowStart = now
		rl.count = 0
	}
	rl.count++
	return rl.count <= rl.max
}

// ddosGuard tracks connection attempts per source IP over a rolling
// window and temporarily blacklists sources that exceed the cap. The
// blacklist is a bounded expirable LRU so a flood of distinct sources
// cannot grow it without limit.
type ddosGuard struct {
	max          int
	window       time.Duration
	blacklistMax int

	mu        sync.Mutex
	attempts  map[string]*attemptWindow
	blacklist *expirable.LRU[string, struct{}]
}

type attemptWindow struct {
	start time.Time
	count int
}

func newDDoSGuard(cfg config.DDoSConfig) *ddosGuard {
	if !cfg.Enabled {
		return nil
	}
	window := cfg.Window()
	blacklistMax := cfg.BlacklistMax
	if blacklistMax <= 0 {
		blacklistMax = defaultBlacklistMax
	}
	return &ddosGuard{
		max:          cfg.MaxAttempts,
		window:       window,
		blacklistMax: blacklistMax,
		attempts:     make(map[string]*attemptWindow),
		blacklist:    expirable.NewLRU[string, struct{}](blacklistMax, nil, window),
	}
}

// admit records one connection attempt from addr and reports whether it
// may proceed. Exceeding the cap blacklists the source for one window.
// A nil guard admits everything.
func (g *ddosGuard) admit(addr string, now time.Time) bool {
	if g == nil {
		return true
	}
	ip := sourceIP(addr)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, banned := g.blacklist.Get(ip); banned {
		return false
	}

	w := g.attempts[ip]
	if w == nil || now.Sub(w.start) >= g.window {
		w = &attemptWindow{start: now}
		g.attempts[ip] = w
	}
	w.count++
	if w.count > g.max {
		g.blacklist.Add(ip, struct{}{})
		delete(g.attempts, ip)
		return false
	}

	// Opportunistic cleanup of stale windows.
	if len(g.attempts) > g.blacklistMax*2 {
		for k, v := range g.attempts {
			if now.Sub(v.start) >= g.window {
				delete(g.attempts, k)
			}
		}
	}
	return true
}

// blacklisted reports whether a source is currently banned.
func (g *ddosGuard) blacklisted(addr string) bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, banned := g.blacklist.Get(sourceIP(addr))
	return banned
}

// blacklistLen returns the number of currently banned sources.
func (g *ddosGuard) blacklistLen() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blacklist.Len()
}

// sourceIP strips the port from a remote address.
func sourceIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
