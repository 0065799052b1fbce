package ui

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdle  = time.Hour
	limiterSweep = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// loginLimiter throttles login attempts per client IP.
type loginLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	entries   map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

func newLoginLimiter(perSecond float64, burst int) *loginLimiter {
	return &loginLimiter{
		limit:     rate.Limit(perSecond),
		burst:     burst,
		entries:   make(map[string]*limiterEntry),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (l *loginLimiter) allow(ip string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) > limiterSweep {
		for key, entry := range l.entries {
			if now.Sub(entry.lastSeen) > limiterIdle {
				delete(l.entries, key)
			}
		}
		l.lastSweep = now
	}

	entry, ok := l.entries[ip]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}
