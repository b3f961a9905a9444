package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_BasicSendReceive(t *testing.T) {
	q := NewQueue[int](10)

	for i := 0; i < 5; i++ {
		require.True(t, q.Send(i))
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		v, ok := q.TryReceive()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := q.TryReceive()
	assert.False(t, ok)
}

func TestQueue_GrowsPreservingOrder(t *testing.T) {
	q := NewQueue[int](4)

	// Interleave reads so the ring wraps before it grows.
	for i := 0; i < 3; i++ {
		q.Send(i)
	}
	v, _ := q.TryReceive()
	assert.Equal(t, 0, v)

	for i := 3; i < 100; i++ {
		require.True(t, q.Send(i))
	}

	stats := q.Stats()
	assert.Equal(t, 99, stats.Count)
	assert.GreaterOrEqual(t, stats.ResizeCount, 3)

	got := q.Drain(0)
	require.Len(t, got, 99)
	for i, v := range got {
		assert.Equal(t, i+1, v)
	}
}

func TestQueue_DrainRespectsMax(t *testing.T) {
	q := NewQueue[string](2)
	q.Send("a")
	q.Send("b")
	q.Send("c")

	assert.Equal(t, []string{"a", "b"}, q.Drain(2))
	assert.Equal(t, []string{"c"}, q.Drain(2))
	assert.Nil(t, q.Drain(2))
}

func TestQueue_ReadySignalsAfterSend(t *testing.T) {
	q := NewQueue[int](4)

	select {
	case <-q.Ready():
		t.Fatal("ready signalled on empty queue")
	default:
	}

	q.Send(1)
	q.Send(2)

	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("ready not signalled")
	}
	assert.Equal(t, []int{1, 2}, q.Drain(0))
}

func TestQueue_CloseRejectsSends(t *testing.T) {
	q := NewQueue[int](4)
	q.Send(1)
	q.Close()
	q.Close()

	assert.False(t, q.Send(2))
	assert.Equal(t, int64(1), q.Stats().TotalReceived)

	// Items queued before Close are still readable.
	v, ok := q.TryReceive()
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue[int](8)

	const producers, perProducer = 8, 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Send(p*perProducer + i)
			}
		}(p)
	}
	wg.Wait()

	got := q.Drain(0)
	require.Len(t, got, producers*perProducer)

	// Per-producer FIFO order holds.
	last := make(map[int]int)
	for _, v := range got {
		p := v / perProducer
		if prev, seen := last[p]; seen {
			assert.Greater(t, v, prev)
		}
		last[p] = v
	}
}
