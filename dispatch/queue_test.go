package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFullAndClosed(t *testing.T) {
	t.Parallel()

	q := newQueue(2)
	require.NoError(t, q.TryPublish(TickEvent{}))
	require.NoError(t, q.TryPublish(TickEvent{}))
	assert.ErrorIs(t, q.TryPublish(TickEvent{}), ErrQueueFull)

	q.Close()
	assert.ErrorIs(t, q.TryPublish(TickEvent{}), ErrQueueClosed)
}

// Events posted by one producer are consumed in posting order.
func TestQueuePreservesOrder(t *testing.T) {
	t.Parallel()

	q := newQueue(64)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.TryPublish(TickEvent{At: time.Unix(int64(i), 0)}))
	}
	q.Close()

	var got []int64
	q.Run(context.Background(), func(e Event) {
		got = append(got, e.(TickEvent).At.Unix())
	})

	require.Len(t, got, 10)
	for i, v := range got {
		assert.Equal(t, int64(i), v)
	}
}

// Multiple producers may post concurrently; the single consumer sees every
// event exactly once.
func TestQueueConcurrentProducers(t *testing.T) {
	t.Parallel()

	const producers, perProducer = 8, 50

	q := newQueue(producers * perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				require.NoError(t, q.TryPublish(TickEvent{}))
			}
		}()
	}
	wg.Wait()
	q.Close()

	count := 0
	q.Run(context.Background(), func(Event) { count++ })
	assert.Equal(t, producers*perProducer, count)
}

// Close may race publishes still in flight on producer goroutines; the send
// must never hit a closed channel, and post-close publishes report the queue
// closed instead of panicking.
func TestQueueCloseDuringPublish(t *testing.T) {
	t.Parallel()

	q := newQueue(4)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 200; i++ {
				if err := q.TryPublish(TickEvent{}); errors.Is(err, ErrQueueClosed) {
					return
				}
			}
		}()
	}
	close(start)
	q.Close()
	wg.Wait()

	assert.ErrorIs(t, q.TryPublish(TickEvent{}), ErrQueueClosed)
}

func TestQueueRunStopsOnContext(t *testing.T) {
	t.Parallel()

	q := newQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		q.Run(ctx, func(Event) {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancelled context")
	}
}
