package queue

import (
	"sync/atomic"
)

type itemNode[T any] struct {
	value T
	next  atomic.Pointer[itemNode[T]]
}

// lockFreeQueue is a Michael-Scott lock-free queue, safe for concurrent producers and consumers.
type lockFreeQueue[T any] struct {
	head   atomic.Pointer[itemNode[T]]
	tail   atomic.Pointer[itemNode[T]]
	length atomic.Int32
}

var _ Queue[int] = (*lockFreeQueue[int])(nil)

// NewLockFreeQueue creates a lock-free queue.
func NewLockFreeQueue[T any]() Queue[T] {
	q := &lockFreeQueue[T]{}
	q.Reset()

	return q
}

// Reset empties the queue. It must not run concurrently with other operations.
func (q *lockFreeQueue[T]) Reset() {
	n := &itemNode[T]{}
	q.head.Store(n)
	q.tail.Store(n)
	q.length.Store(0)
}

func (q *lockFreeQueue[T]) Enqueue(item T) {
	n := &itemNode[T]{value: item}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}

		if next != nil {
			// tail is lagging, help advance it
			q.tail.CompareAndSwap(tail, next)
			continue
		}

		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.length.Add(1)

			return
		}
	}
}

func (q *lockFreeQueue[T]) Dequeue() (T, bool) {
	var zero T
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}

		if head == tail {
			if next == nil {
				return zero, false
			}
			q.tail.CompareAndSwap(tail, next)

			continue
		}

		// read the value before the CAS, another dequeue may recycle next afterwards
		value := next.value
		if q.head.CompareAndSwap(head, next) {
			q.length.Add(-1)
			return value, true
		}
	}
}

func (q *lockFreeQueue[T]) Peek() (T, bool) {
	var zero T
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}

		if head != tail {
			return next.value, true
		}
		if next == nil {
			return zero, false
		}
		q.tail.CompareAndSwap(tail, next)
	}
}

func (q *lockFreeQueue[T]) IsEmpty() bool {
	return q.length.Load() == 0
}

func (q *lockFreeQueue[T]) Length() int {
	return int(q.length.Load())
}
