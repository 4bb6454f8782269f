// Package ratelimit wraps golang.org/x/time/rate into a per-credential
// limiter registry. This is an optional throttle (RATE_LIMIT_RPS=0 disables
// it); it is the teacher's own go.mod dependency, given its job here since
// the teacher's read source never constructs a rate.Limiter directly.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Registry hands out one token-bucket limiter per credential index, created
// lazily on first use.
type Registry struct {
	mu       sync.Mutex
	limiters map[int]*rate.Limiter
	rps      float64
	burst    int
}

// New returns a registry. rps <= 0 disables throttling entirely; Wait then
// always returns nil immediately.
func New(rps float64, burst int) *Registry {
	if burst <= 0 {
		burst = 1
	}
	return &Registry{
		limiters: make(map[int]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// Enabled reports whether throttling is configured at all.
func (r *Registry) Enabled() bool {
	return r.rps > 0
}

// Wait blocks until a token for credentialIndex is available, or ctx is
// cancelled. A disabled registry returns immediately.
func (r *Registry) Wait(ctx context.Context, credentialIndex int) error {
	if !r.Enabled() {
		return nil
	}
	return r.limiterFor(credentialIndex).Wait(ctx)
}

func (r *Registry) limiterFor(credentialIndex int) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[credentialIndex]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.rps), r.burst)
		r.limiters[credentialIndex] = l
	}
	return l
}
