// ABOUTME: Tests for the dedupe cache of recently finished keys
// ABOUTME: Validates TTL expiration, size limits, eviction order, and concurrency safety

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestCache_MarkThenCheck(t *testing.T) {
	cache := New(time.Minute, 100, nil)

	assert.False(t, cache.Check("job-1"))
	cache.Mark("job-1")
	assert.True(t, cache.Check("job-1"))
	assert.False(t, cache.Check("job-2"))
}

func TestCache_Expiry(t *testing.T) {
	clk := newClock()
	cache := New(10*time.Second, 100, clk.Now)

	cache.Mark("job-1")
	clk.Advance(9 * time.Second)
	assert.True(t, cache.Check("job-1"))

	clk.Advance(time.Second)
	assert.False(t, cache.Check("job-1"), "a key is forgotten once its ttl has passed")
	cache.Mark("job-1")
	assert.True(t, cache.Check("job-1"), "marking an expired key starts a new window")
}

func TestCache_PrunesExpiredOnMark(t *testing.T) {
	clk := newClock()
	cache := New(10*time.Second, 100, clk.Now)

	cache.Mark("a")
	cache.Mark("b")
	clk.Advance(5 * time.Second)
	cache.Mark("c")
	assert.Equal(t, 3, cache.Len())

	clk.Advance(6 * time.Second)
	cache.Mark("d")
	assert.Equal(t, 2, cache.Len(), "a and b expired and were pruned")
	assert.True(t, cache.Check("c"))
	assert.True(t, cache.Check("d"))
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache := New(time.Hour, 3, nil)

	cache.Mark("a")
	cache.Mark("b")
	cache.Mark("c")
	cache.Mark("a") // refresh moves a to the back
	cache.Mark("d")

	assert.Equal(t, 3, cache.Len())
	assert.False(t, cache.Check("b"), "b was the oldest")
	assert.True(t, cache.Check("a"))
	assert.True(t, cache.Check("c"))
	assert.True(t, cache.Check("d"))
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(time.Hour, 10_000, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 500 {
				// every goroutine races on the same keys
				key := fmt.Sprintf("job-%d", i)
				cache.Mark(key)
				assert.True(t, cache.Check(key))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, cache.Len())
}
