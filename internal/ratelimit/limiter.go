// Package ratelimit throttles check requests per target host.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per key. A limiter with rps <= 0 never
// throttles.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLimiter(rps float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{rps: rate.Limit(rps), burst: burst, buckets: make(map[string]*rate.Limiter)}
}

func (l *Limiter) enabled() bool {
	return l != nil && l.rps > 0
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Allow reports whether a request for key may go out at now.
func (l *Limiter) Allow(key string, now time.Time) bool {
	if !l.enabled() || key == "" {
		return true
	}
	return l.bucket(key).AllowN(now, 1)
}

// Wait blocks until a request for key may go out or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if !l.enabled() || key == "" {
		return nil
	}
	return l.bucket(key).Wait(ctx)
}
