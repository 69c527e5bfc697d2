// ABOUTME: Tests for the in-process bus driver
// ABOUTME: Covers competing job delivery, result fan-out, cancellation and close

package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/broxy/internal/protocol"
)

func testJob(id string) protocol.Job {
	return protocol.Job{
		RequestID: id,
		Method:    "GET",
		URL:       "http://example.com/",
		Headers:   map[string]string{"Accept": "text/html"},
	}
}

// consumeAll collects jobs from every channel until total jobs have arrived.
func consumeAll(t *testing.T, total int, chans ...<-chan protocol.Job) map[string]int {
	t.Helper()
	var mu sync.Mutex
	seen := make(map[string]int)
	got := make(chan struct{}, total*2)

	for _, ch := range chans {
		go func(ch <-chan protocol.Job) {
			for job := range ch {
				mu.Lock()
				seen[job.RequestID]++
				mu.Unlock()
				got <- struct{}{}
			}
		}(ch)
	}

	for i := range total {
		select {
		case <-got:
		case <-time.After(3 * time.Second):
			t.Fatalf("received %d of %d jobs", i, total)
		}
	}
	// Give a duplicate delivery a chance to show up.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]int, len(seen))
	for k, v := range seen {
		out[k] = v
	}
	return out
}

func TestMemory_EachJobReachesOneConsumer(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()
	ctx := t.Context()

	c1, err := b.ConsumeJobs(ctx, "plane-1")
	require.NoError(t, err)
	c2, err := b.ConsumeJobs(ctx, "plane-2")
	require.NoError(t, err)

	const n = 50
	for i := range n {
		require.NoError(t, b.PublishJob(ctx, testJob(fmt.Sprintf("job-%d", i))))
	}

	seen := consumeAll(t, n, c1, c2)
	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %s delivered %d times", id, count)
	}
}

func TestMemory_ResultsFanOut(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()
	ctx := t.Context()

	s1, err := b.SubscribeResults(ctx)
	require.NoError(t, err)
	s2, err := b.SubscribeResults(ctx)
	require.NoError(t, err)

	require.NoError(t, b.PublishResult(ctx, protocol.Result{RequestID: "r-1", Status: 200}))

	for i, ch := range []<-chan protocol.Result{s1, s2} {
		select {
		case res := <-ch:
			assert.Equal(t, "r-1", res.RequestID, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestMemory_SubscriptionEndsWithContext(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.SubscribeResults(ctx)
	require.NoError(t, err)
	jobs, err := b.ConsumeJobs(ctx, "plane-1")
	require.NoError(t, err)

	cancel()

	for _, done := range []func() bool{
		func() bool { _, ok := <-ch; return !ok },
		func() bool { _, ok := <-jobs; return !ok },
	} {
		closed := make(chan bool, 1)
		go func() { closed <- done() }()
		select {
		case ok := <-closed:
			assert.True(t, ok)
		case <-time.After(time.Second):
			t.Fatal("channel not closed after cancel")
		}
	}

	// Publishing with no subscribers is fine.
	require.NoError(t, b.PublishResult(context.Background(), protocol.Result{RequestID: "r-2"}))
}

func TestMemory_Close(t *testing.T) {
	b := NewMemory(nil)
	ctx := t.Context()

	ch, err := b.SubscribeResults(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "close is idempotent")

	_, ok := <-ch
	assert.False(t, ok, "subscriber channel closed")

	assert.ErrorIs(t, b.PublishJob(ctx, testJob("late")), ErrClosed)
	assert.ErrorIs(t, b.PublishResult(ctx, protocol.Result{RequestID: "late"}), ErrClosed)
	_, err = b.ConsumeJobs(ctx, "plane-1")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.SubscribeResults(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(t.Context(), Options{Driver: "carrier-pigeon"}, nil)
	assert.Error(t, err)

	b, err := Open(t.Context(), Options{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)
	require.NoError(t, b.Close())
}
