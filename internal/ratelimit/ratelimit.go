// Package ratelimit implements a continuous-refill token bucket keyed by
// client or user, adapted from the platform's rate limiter wrapper around
// golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures the bucket shape shared by every key.
type Config struct {
	// RequestsPerSecond is the steady-state refill rate.
	RequestsPerSecond float64
	// Burst is the maximum number of tokens a bucket can hold (maxTokens).
	Burst int
}

// bucket wraps the rate.Limiter for one key; the limiter itself is safe for
// concurrent use. Idle buckets are not expired; only Reset discards one.
type bucket struct {
	limiter *rate.Limiter
}

// Limiter is a keyed set of independent token buckets. Each key (typically
// a client id or user id) gets its own bucket created lazily on first use.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	cfg     Config

	onAcquire func(key string, wait time.Duration)
}

// New creates a Limiter with the given shared bucket configuration.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
		if cfg.Burst == 0 {
			cfg.Burst = 1
		}
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
	}
}

// OnAcquire registers a callback invoked after every Acquire with the
// computed wait duration, used to feed the acquire-wait histogram.
func (l *Limiter) OnAcquire(fn func(key string, wait time.Duration)) {
	l.onAcquire = fn
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
	l.buckets[key] = b
	return b
}

// Acquire reserves one token from the bucket identified by key. It returns
// zero if a token was immediately available, or the duration the caller
// should cooperatively sleep before proceeding. The reservation is made
// regardless of the wait, mirroring the continuous-refill semantics of
// acquire() in §4.1: the caller is expected to honor the returned wait.
func (l *Limiter) Acquire(key string) time.Duration {
	b := l.bucketFor(key)
	reservation := b.limiter.ReserveN(time.Now(), 1)
	if !reservation.OK() {
		// Burst is too small to ever grant one token; treat as a very long wait
		// rather than lying about availability.
		return time.Hour
	}
	wait := reservation.Delay()
	if l.onAcquire != nil {
		l.onAcquire(key, wait)
	}
	return wait
}

// Wait blocks until a token is available for key or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	b := l.bucketFor(key)
	return b.limiter.Wait(ctx)
}

// Allow reports whether a token is immediately available, consuming it if
// so, without ever returning a wait duration.
func (l *Limiter) Allow(key string) bool {
	return l.bucketFor(key).limiter.Allow()
}

// AvailableTokens returns the number of whole tokens currently available in
// the bucket for key, after applying refill up to now.
func (l *Limiter) AvailableTokens(key string) int {
	b := l.bucketFor(key)
	return int(b.limiter.TokensAt(time.Now()))
}

// Reset discards the bucket for key so its next use starts fresh (full
// burst capacity).
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// KeyCount reports how many distinct keys currently have a bucket, mostly
// useful for tests and diagnostics.
func (l *Limiter) KeyCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
