// Package eventq provides the bounded queue delivering decoded device events to the
// application.
//
// Events are delivered in push order. Consumers either pull with Poll and PollContext or
// register a handler with Subscribe.
package eventq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-robolink/internal/queue"
	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/robot"
)

// ErrQueueClosed is returned after Close once the buffered events are consumed.
var ErrQueueClosed = errors.New("event queue closed")

// Handler consumes one event delivered by Subscribe.
type Handler func(ev robot.Event)

// Queue is a bounded multi-producer, multi-consumer event queue.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    queue.Queue[robot.Event]
	closed   bool

	capacity int
	overflow OverflowPolicy
	logger   logger.Logger

	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// New creates a queue with the given options.
func New(opts ...Option) (*Queue, error) {
	q := &Queue{
		capacity: DefaultCapacity,
		overflow: DropOldest,
		logger:   logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(q); err != nil {
			return nil, err
		}
	}

	q.items = queue.NewSliceQueue[robot.Event](min(q.capacity, 64))
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)

	return q, nil
}

// Push appends ev to the queue.
//
// When the queue is full it drops the oldest event or waits for room, depending on the
// overflow policy. It returns ErrQueueClosed after Close, or the context error when ctx is
// done while waiting.
func (q *Queue) Push(ctx context.Context, ev robot.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if q.items.Length() >= q.capacity {
		if q.overflow == DropOldest {
			old, _ := q.items.Dequeue()
			q.dropped.Add(1)
			q.logger.Debug("event queue full, drop oldest event",
				"device_id", old.DeviceID, "kind", old.Kind.String(), "capacity", q.capacity)
		} else {
			stop := q.wakeOnDone(ctx)
			defer stop()

			for q.items.Length() >= q.capacity {
				if err := ctx.Err(); err != nil {
					return err
				}
				q.notFull.Wait()
				if q.closed {
					return ErrQueueClosed
				}
			}
		}
	}

	q.items.Enqueue(ev)
	q.pushed.Add(1)
	q.notEmpty.Signal()

	return nil
}

// Poll waits up to timeout for the next event. It returns false on expiry or when the
// queue is closed and empty. A non-positive timeout does not wait.
func (q *Queue) Poll(timeout time.Duration) (robot.Event, bool) {
	if timeout <= 0 {
		return q.TryPoll()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ev, err := q.PollContext(ctx)

	return ev, err == nil
}

// TryPoll returns the next event without waiting.
func (q *Queue) TryPoll() (robot.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ev, ok := q.items.Dequeue()
	if ok {
		q.notFull.Signal()
	}

	return ev, ok
}

// PollContext waits for the next event until ctx is done.
//
// Buffered events stay available after Close; once they are consumed PollContext returns
// ErrQueueClosed.
func (q *Queue) PollContext(ctx context.Context) (robot.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.IsEmpty() {
		stop := q.wakeOnDone(ctx)
		defer stop()

		for q.items.IsEmpty() {
			if q.closed {
				return robot.Event{}, ErrQueueClosed
			}
			if err := ctx.Err(); err != nil {
				return robot.Event{}, err
			}
			q.notEmpty.Wait()
		}
	}

	ev, _ := q.items.Dequeue()
	q.notFull.Signal()

	return ev, nil
}

// Subscribe consumes the queue on a new goroutine and calls handler for each event until
// ctx is done or the queue is closed and drained. The returned channel is closed when the
// goroutine exits.
//
// Several subscribers share the events; each event reaches exactly one of them.
func (q *Queue) Subscribe(ctx context.Context, handler Handler) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		for {
			ev, err := q.PollContext(ctx)
			if err != nil {
				return
			}
			q.deliver(handler, ev)
		}
	}()

	return done
}

func (q *Queue) deliver(handler Handler, ev robot.Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("event handler panic", "device_id", ev.DeviceID, "kind", ev.Kind.String(), "panic", r)
		}
	}()

	handler(ev)
}

// Close wakes all waiters. Pushes fail afterwards; buffered events remain pollable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.closed
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.items.Length()
}

// Cap returns the capacity of the queue.
func (q *Queue) Cap() int {
	return q.capacity
}

// Overflow returns the overflow policy.
func (q *Queue) Overflow() OverflowPolicy {
	return q.overflow
}

// Pushed returns the number of events accepted by Push.
func (q *Queue) Pushed() uint64 {
	return q.pushed.Load()
}

// Dropped returns the number of events discarded by the DropOldest policy.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// wakeOnDone broadcasts both conditions when ctx is done. q.mu must be held by the caller,
// which calls the returned stop function before returning.
func (q *Queue) wakeOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		q.notEmpty.Broadcast()
		q.notFull.Broadcast()
	})
}
