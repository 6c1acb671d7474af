// Package ratelimit implements a per-resource token-bucket limiter for
// hosting-API budgets. Each resource (e.g. "core", "search") gets its own
// golang.org/x/time/rate limiter; a small priority admission queue on top
// lets callers of equal priority wait FIFO while higher-priority waiters
// preempt queued lower-priority ones.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/prmonitor/core/internal/metrics"
)

// Priority orders waiters within a resource's admission queue.
type Priority int

// Priority values, highest first.
const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Config configures one resource's bucket.
type Config struct {
	RefillPerSecond float64
	Burst           int
}

type waiter struct {
	priority Priority
	seq      int64
	ready    chan struct{}
	demoted  chan struct{}
}

type bucket struct {
	limiter *rate.Limiter

	mu      sync.Mutex
	waiters []*waiter
	nextSeq int64
}

// Limiter is a multi-resource, priority-aware token-bucket rate limiter.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	configs  map[string]Config
	fallback Config
}

// New creates a Limiter. perResource configures named resources; any
// resource not named there uses fallback.
func New(fallback Config, perResource map[string]Config) *Limiter {
	cfgs := make(map[string]Config, len(perResource))
	for k, v := range perResource {
		cfgs[k] = v
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		configs:  cfgs,
		fallback: fallback,
	}
}

func (l *Limiter) bucketFor(resource string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[resource]; ok {
		return b
	}

	cfg, ok := l.configs[resource]
	if !ok {
		cfg = l.fallback
	}

	b := &bucket{
		limiter: rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Burst),
	}
	l.buckets[resource] = b
	return b
}

// TryAcquire returns true immediately if n tokens are available for resource,
// without blocking. Callers MUST reserve tokens before issuing a request.
func (l *Limiter) TryAcquire(resource string, n int) bool {
	return l.bucketFor(resource).limiter.AllowN(time.Now(), n)
}

// Acquire blocks the caller until n tokens are available for resource, the
// deadline on ctx elapses, or a higher-priority waiter no longer blocks this
// one. Equal-priority callers are served FIFO; a higher-priority waiter that
// arrives later is still served before lower-priority waiters already queued.
func (l *Limiter) Acquire(ctx context.Context, resource string, n int, priority Priority) error {
	b := l.bucketFor(resource)
	waitStart := time.Now()
	defer func() { metrics.RecordRateLimitWait(resource, time.Since(waitStart)) }()

	if l.TryAcquire(resource, n) {
		return nil
	}

	w := b.enqueue(priority)
	defer b.dequeue(w)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.ready:
		}

		if !b.isHead(w) {
			// Preempted by a higher-priority arrival; wait again.
			continue
		}

		reservation := b.limiter.ReserveN(time.Now(), n)
		if !reservation.OK() {
			return ctx.Err()
		}
		delay := reservation.Delay()
		if delay <= 0 {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			reservation.Cancel()
			return ctx.Err()
		case <-w.demoted:
			// A higher-priority waiter took the head slot mid-wait; give the
			// reserved tokens back and requeue behind it.
			timer.Stop()
			reservation.Cancel()
			continue
		case <-timer.C:
			return nil
		}
	}
}

// Refund returns n tokens to resource's bucket, used after a 304
// conditional-not-modified response that cost no upstream budget.
func (l *Limiter) Refund(resource string, n int) {
	b := l.bucketFor(resource)
	reservation := b.limiter.ReserveN(time.Now(), -n)
	_ = reservation
}

func (b *bucket) enqueue(priority Priority) *waiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	var prevHead *waiter
	if len(b.waiters) > 0 {
		prevHead = b.waiters[0]
	}

	b.nextSeq++
	w := &waiter{priority: priority, seq: b.nextSeq, ready: make(chan struct{}, 1), demoted: make(chan struct{}, 1)}
	b.waiters = append(b.waiters, w)
	b.sortLocked()

	if prevHead != nil && b.waiters[0] != prevHead {
		select {
		case prevHead.demoted <- struct{}{}:
		default:
		}
	}
	b.wakeHeadLocked()
	return w
}

func (b *bucket) dequeue(w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, cur := range b.waiters {
		if cur == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
	b.wakeHeadLocked()
}

func (b *bucket) isHead(w *waiter) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters) > 0 && b.waiters[0] == w
}

func (b *bucket) sortLocked() {
	// Small N in practice (bounded by max_concurrent_repositories); a plain
	// insertion-style stable sort keeps FIFO order within equal priority.
	for i := 1; i < len(b.waiters); i++ {
		j := i
		for j > 0 && b.waiters[j].priority < b.waiters[j-1].priority {
			b.waiters[j], b.waiters[j-1] = b.waiters[j-1], b.waiters[j]
			j--
		}
	}
}

func (b *bucket) wakeHeadLocked() {
	if len(b.waiters) == 0 {
		return
	}
	select {
	case b.waiters[0].ready <- struct{}{}:
	default:
	}
}
