package router

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// SynLimiter caps the number of sessions a single source address may open
// per window. Counts live in one fixed window that is replaced when it
// expires.
type SynLimiter struct {
	mu           sync.Mutex
	current      map[netip.Addr]*atomic.Int64
	windowStart  time.Time
	windowSize   time.Duration
	maxPerWindow int64

	rejected atomic.Int64
}

// SynLimiterConfig configures per-source session rate limiting.
type SynLimiterConfig struct {
	MaxPerSource int           // 0 = disabled
	Window       time.Duration // default 1s
}

// NewSynLimiter creates a limiter. Returns nil if disabled.
func NewSynLimiter(cfg SynLimiterConfig) *SynLimiter {
	if cfg.MaxPerSource <= 0 {
		return nil
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &SynLimiter{
		current:      make(map[netip.Addr]*atomic.Int64),
		windowStart:  time.Now(),
		windowSize:   cfg.Window,
		maxPerWindow: int64(cfg.MaxPerSource),
	}
}

// Allow records a session attempt from src and reports whether it is within
// the limit. A nil limiter allows everything.
func (l *SynLimiter) Allow(src netip.Addr, now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	if now.Sub(l.windowStart) >= l.windowSize {
		l.current = make(map[netip.Addr]*atomic.Int64)
		l.windowStart = now
	}
	counter, ok := l.current[src]
	if !ok {
		counter = &atomic.Int64{}
		l.current[src] = counter
	}
	l.mu.Unlock()

	if counter.Add(1) > l.maxPerWindow {
		l.rejected.Add(1)
		return false
	}
	return true
}

// Rejected returns the total number of rejected attempts.
func (l *SynLimiter) Rejected() int64 {
	if l == nil {
		return 0
	}
	return l.rejected.Load()
}

// ActiveSources returns the number of sources seen in the current window.
func (l *SynLimiter) ActiveSources() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current)
}
