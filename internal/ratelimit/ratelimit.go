// Package ratelimit implements the per-connection token bucket described in
// spec.md §4.2.7: capacity N, window W, refill-to-full at each window
// boundary rather than a continuous trickle. This exact discrete-refill
// rule is why the bucket is hand-rolled here instead of reusing
// golang.org/x/time/rate (present in several pack repos' go.mod, e.g.
// rustyguts-bken/client and nabbar-golib): x/time/rate's continuous-refill
// model does not guarantee the spec's Testable Property 5 (at most N
// non-Join messages delivered in any window of length W), so it can't
// stand in for this specific, spec-mandated algorithm.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a handler-local token bucket; no synchronization is required
// across connections (each connection owns its own Bucket), but the type
// itself is safe for concurrent use in case a handler's read and write
// goroutines both touch it.
type Bucket struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	tokens   int
	last     time.Time
	now      func() time.Time
}

// New returns a Bucket with the given capacity and refill window, full on
// creation.
func New(capacity int, window time.Duration) *Bucket {
	return &Bucket{
		capacity: capacity,
		window:   window,
		tokens:   capacity,
		last:     time.Now(),
		now:      time.Now,
	}
}

// Allow refills to full if at least one window has elapsed since the last
// refill, then attempts to consume one token. Returns true if a token was
// consumed.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.last) >= b.window {
		b.tokens = b.capacity
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Remaining reports the current token count, for tests and diagnostics.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
