package auth

import (
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoginLimiter throttles login attempts per client key (the resolved client IP).
type LoginLimiter struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	idle    time.Duration
	max     int
	entries map[string]*limiterEntry
	now     func() time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

const maxLimiterEntries = 4096

// NewLoginLimiter allows burst attempts, refilled at one per interval.
func NewLoginLimiter(interval time.Duration, burst int) *LoginLimiter {
	return &LoginLimiter{
		every:   rate.Every(interval),
		burst:   burst,
		idle:    10 * time.Minute,
		max:     maxLimiterEntries,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Allow reports whether key may attempt a login now.
func (l *LoginLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= l.max {
			l.evict(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(l.every, l.burst)}
		l.entries[key] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

// evict drops idle entries, then the least recently seen ones until a
// quarter of the capacity is free. Recently throttled keys keep their state.
func (l *LoginLimiter) evict(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.seen) > l.idle {
			delete(l.entries, k)
		}
	}
	if len(l.entries) < l.max {
		return
	}
	keys := make([]string, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return l.entries[a].seen.Compare(l.entries[b].seen)
	})
	target := l.max - l.max/4
	for _, k := range keys[:len(keys)-target] {
		delete(l.entries, k)
	}
}
