// Package ratelimit provides a keyed token bucket limiter used to pace
// outbound calls to mail and calendar provider APIs per account.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a per-key token bucket rate limiter. It tracks each key (an
// account or provider id) separately and automatically cleans up stale
// entries.
type Limiter struct {
	buckets map[string]*bucket
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a keyed limiter that allows rps requests per second with
// the given burst size per key. It starts a background goroutine that removes
// keys not seen for 5 or more minutes, running every 3 minutes.
func NewLimiter(rps float64, burst int) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, exists := l.buckets[key]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// Allow reports whether a call for the given key should be permitted right
// now, consuming a token if so.
func (l *Limiter) Allow(key string) bool {
	return l.bucketFor(key).Allow()
}

// Wait blocks until a token is available for the key or the context is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	return l.bucketFor(key).Wait(ctx)
}

// cleanup periodically removes keys that have not been seen for 5 or more
// minutes. It runs in a loop every 3 minutes.
func (l *Limiter) cleanup() {
	for {
		time.Sleep(3 * time.Minute)

		l.mu.Lock()
		for key, b := range l.buckets {
			if time.Since(b.lastSeen) >= 5*time.Minute {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}
