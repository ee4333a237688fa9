package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type command struct {
	ID string
}

func queues() map[string]func() Queue[*command] {
	return map[string]func() Queue[*command]{
		"slice":     func() Queue[*command] { return NewSliceQueue[*command](2) },
		"lock-free": NewLockFreeQueue[*command],
	}
}

func TestQueueFIFO(t *testing.T) {
	for name, newQueue := range queues() {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			q := newQueue()

			assert.True(q.IsEmpty())
			_, ok := q.Dequeue()
			assert.False(ok)
			_, ok = q.Peek()
			assert.False(ok)

			c1, c2, c3 := &command{"c1"}, &command{"c2"}, &command{"c3"}
			q.Enqueue(c1)
			q.Enqueue(c2)
			assert.Equal(2, q.Length())

			item, ok := q.Peek()
			assert.True(ok)
			assert.Same(c1, item)
			assert.Equal(2, q.Length())

			item, _ = q.Dequeue()
			assert.Same(c1, item)

			// wraps around the consumed prefix
			q.Enqueue(c3)
			item, _ = q.Dequeue()
			assert.Same(c2, item)
			item, _ = q.Dequeue()
			assert.Same(c3, item)
			assert.True(q.IsEmpty())
			assert.Zero(q.Length())

			q.Enqueue(c1)
			q.Reset()
			assert.True(q.IsEmpty())
			_, ok = q.Dequeue()
			assert.False(ok)
		})
	}
}

func TestSliceQueueGrowth(t *testing.T) {
	require := require.New(t)

	q := NewSliceQueue[int](4)
	for round := 0; round < 3; round++ {
		for i := 0; i < 10; i++ {
			q.Enqueue(i)
		}
		for i := 0; i < 5; i++ {
			v, ok := q.Dequeue()
			require.True(ok)
			require.Equal(i, v)
		}
		for i := 10; i < 13; i++ {
			q.Enqueue(i)
		}
		for i := 5; i < 13; i++ {
			v, ok := q.Dequeue()
			require.True(ok)
			require.Equal(i, v)
		}
		require.True(q.IsEmpty())
	}
}

func TestLockFreeQueueConcurrency(t *testing.T) {
	q := NewLockFreeQueue[int]()

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(i)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1000, q.Length())

	var mu sync.Mutex
	seen := make(map[int]bool, 1000)
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, ok := q.Dequeue(); ok {
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.True(t, q.IsEmpty())
	assert.Len(t, seen, 1000)
}

func BenchmarkLockFreeQueue(b *testing.B) {
	q := NewLockFreeQueue[int]()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			q.Enqueue(1)
			q.Dequeue()
		}
	})
}

func BenchmarkSliceQueue(b *testing.B) {
	var mu sync.Mutex
	q := NewSliceQueue[int](128)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			mu.Lock()
			q.Enqueue(1)
			q.Dequeue()
			mu.Unlock()
		}
	})
}
