// Package ratelimit implements a token bucket limiter keyed by subscriber for
// admission control on stream opens.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

const defaultPruneThreshold = 4096

// Limiter manages per-key rate limits.
type Limiter struct {
	mu             sync.Mutex
	limiters       map[string]*rate.Limiter
	defaultRate    rate.Limit
	defaultBurst   int
	pruneThreshold int
}

// Config holds rate limiter configuration.
//   - DefaultRPS: sustained opens per second per key; <= 0 disables limiting.
//   - DefaultBurst: opens allowed back to back (default 1).
//   - PruneThreshold: tracked keys before idle ones are forgotten (default 4096).
type Config struct {
	DefaultRPS     float64
	DefaultBurst   int
	PruneThreshold int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	threshold := cfg.PruneThreshold
	if threshold <= 0 {
		threshold = defaultPruneThreshold
	}
	return &Limiter{
		limiters:       make(map[string]*rate.Limiter),
		defaultRate:    r,
		defaultBurst:   burst,
		pruneThreshold: threshold,
	}
}

// Allow reports whether key may proceed now, consuming a token if so.
func (l *Limiter) Allow(key string) bool {
	if key == "" {
		key = "unknown"
	}
	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		if len(l.limiters) >= l.pruneThreshold {
			l.pruneLocked()
		}
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// pruneLocked drops keys whose bucket has refilled; they behave exactly like
// a fresh limiter. Must be called with l.mu held.
func (l *Limiter) pruneLocked() {
	burst := float64(l.defaultBurst)
	for key, limiter := range l.limiters {
		if limiter.Tokens() >= burst {
			delete(l.limiters, key)
		}
	}
}
