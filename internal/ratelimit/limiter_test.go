package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquire_RespectsBurst(t *testing.T) {
	l := New(Config{RefillPerSecond: 1, Burst: 2}, nil)

	assert.True(t, l.TryAcquire("core", 1))
	assert.True(t, l.TryAcquire("core", 1))
	assert.False(t, l.TryAcquire("core", 1))
}

func TestTryAcquire_PerResourceBuckets(t *testing.T) {
	l := New(Config{RefillPerSecond: 1, Burst: 1}, map[string]Config{
		"search": {RefillPerSecond: 1, Burst: 5},
	})

	assert.True(t, l.TryAcquire("core", 1))
	assert.False(t, l.TryAcquire("core", 1))

	for i := 0; i < 5; i++ {
		assert.True(t, l.TryAcquire("search", 1))
	}
}

func TestAcquire_HigherPriorityGoesFirst(t *testing.T) {
	l := New(Config{RefillPerSecond: 10, Burst: 1}, nil)
	require.True(t, l.TryAcquire("core", 1)) // drain the burst

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	record := func(n int) {
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
	}

	// Enqueue a low-priority waiter first, then a critical one; critical
	// must be admitted first despite arriving second.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Acquire(ctx, "core", 1, PriorityLow); err == nil {
			record(1)
		}
	}()
	time.Sleep(20 * time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Acquire(ctx, "core", 1, PriorityCritical); err == nil {
			record(2)
		}
	}()

	wg.Wait()
	require.Len(t, order, 2)
	assert.Equal(t, 2, order[0], "critical priority waiter should be admitted before the low priority one")
}

func TestAcquire_ContextCancellation(t *testing.T) {
	l := New(Config{RefillPerSecond: 0.001, Burst: 1}, nil)
	require.True(t, l.TryAcquire("core", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, "core", 1, PriorityNormal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_ConcurrentWaitersAllEventuallyAdmitted(t *testing.T) {
	l := New(Config{RefillPerSecond: 200, Burst: 1}, nil)

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := l.Acquire(ctx, "core", 1, PriorityNormal); err == nil {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), admitted)
}
