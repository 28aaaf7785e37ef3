// ABOUTME: Per-client token-bucket rate limiter guarding the write path
// ABOUTME: Buckets refill continuously and live only in process memory

package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks one client's remaining tokens and last refill instant.
type bucket struct {
	tokens  float64
	updated time.Time
}

// Limiter is a thread-safe token-bucket limiter keyed by an opaque client
// string. Buckets are created on first use with a full burst, refill at
// rate tokens per second capped at burst, and are never persisted: a process
// restart resets all limits. A background janitor drops buckets that have
// been idle long enough to be full again, bounding memory on churny keys.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	idleFor  time.Duration
	done     chan struct{}
	closed   bool
	now      func() time.Time
}

// New creates a limiter whose janitor drops buckets idle for idleFor.
func New(idleFor time.Duration) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		idleFor: idleFor,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go l.janitor()
	return l
}

// Allow reports whether the caller identified by key may proceed, consuming
// one token if so. A denied call consumes nothing.
func (l *Limiter) Allow(key string, rate float64, burst int) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(burst), updated: now}
		l.buckets[key] = b
	}

	if rate < 0 {
		rate = 0
	}
	elapsed := now.Sub(b.updated).Seconds()
	b.tokens = min(float64(burst), b.tokens+elapsed*rate)
	b.updated = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// janitor periodically drops idle buckets.
func (l *Limiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.updated) > l.idleFor {
			delete(l.buckets, key)
		}
	}
}

// Close stops the janitor goroutine. Safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
