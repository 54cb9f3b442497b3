// Package ratelimit implements the cooperative token-bucket limiter shared
// by every connector. Each venue registers one bucket per endpoint class
// (order, cancel, book, ...); a class with no registered bucket falls back
// to the limiter's default bucket rather than failing the caller.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token-bucket rate limiter with continuous (non-bursty) refill.
// Callers block in Wait until a token is available or the context is done.
type Bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewBucket creates a bucket starting full, refilling at ratePerSecond.
func NewBucket(capacity, ratePerSecond float64) *Bucket {
	return &Bucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until weight tokens are available or ctx is cancelled.
func (b *Bucket) Wait(ctx context.Context, weight float64) error {
	if weight <= 0 {
		weight = 1
	}
	for {
		b.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(b.lastTime).Seconds()
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastTime = now

		if b.tokens >= weight {
			b.tokens -= weight
			b.mu.Unlock()
			return nil
		}

		wait := time.Duration((weight - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Limiter groups buckets by endpoint class. A class with no registered
// bucket is routed to the default bucket — a configuration miss never
// blocks callers from acquiring, per the "fails closed to a sane default"
// rule rather than failing open with no limiting at all.
type Limiter struct {
	mu      sync.RWMutex
	classes map[string]*Bucket
	def     *Bucket
}

// NewLimiter creates a limiter whose default bucket has the given capacity
// and refill rate, used for any endpoint class that was never registered.
func NewLimiter(defaultCapacity, defaultRate float64) *Limiter {
	return &Limiter{
		classes: make(map[string]*Bucket),
		def:     NewBucket(defaultCapacity, defaultRate),
	}
}

// Register installs a dedicated bucket for an endpoint class.
func (l *Limiter) Register(class string, capacity, rate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.classes[class] = NewBucket(capacity, rate)
}

// Acquire blocks until weight tokens are available in the named class's
// bucket, or the default bucket if class was never registered.
func (l *Limiter) Acquire(ctx context.Context, class string, weight float64) error {
	l.mu.RLock()
	b, ok := l.classes[class]
	if !ok {
		b = l.def
	}
	l.mu.RUnlock()
	return b.Wait(ctx, weight)
}
