package robot

import (
	"context"
	"sync"
	"time"
)

// Future is the completion handle of one command.
//
// A Future completes exactly once; later completions are ignored.
type Future struct {
	correlationID string
	done          chan struct{}

	mu        sync.Mutex
	completed bool
	outcome   Outcome
	callbacks []func(Outcome)
}

// NewFuture creates an incomplete future for the correlation ID.
func NewFuture(correlationID string) *Future {
	return &Future{
		correlationID: correlationID,
		done:          make(chan struct{}),
	}
}

// CorrelationID returns the correlation ID of the command this future belongs to.
func (f *Future) CorrelationID() string { return f.correlationID }

// Done returns a channel that is closed when the future completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Complete resolves the future and runs the registered callbacks.
//
// It returns false if the future was already completed.
func (f *Future) Complete(o Outcome) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}

	o.CorrelationID = f.correlationID
	if o.CompletedAt.IsZero() {
		o.CompletedAt = time.Now()
	}
	f.outcome = o
	f.completed = true
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(o)
	}

	return true
}

// Fail resolves the future with err.
func (f *Future) Fail(err error) bool {
	return f.Complete(Outcome{Err: err})
}

// Outcome returns the outcome and true if the future completed.
func (f *Future) Outcome() (Outcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.outcome, f.completed
}

// OnComplete registers fn to be called with the outcome.
// fn runs immediately on the calling goroutine if the future already completed.
func (f *Future) OnComplete(fn func(Outcome)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()

		return
	}
	o := f.outcome
	f.mu.Unlock()

	fn(o)
}

// Wait blocks until the future completes or ctx is done.
//
// Giving up on ctx only stops waiting; the command itself is not affected.
func (f *Future) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-f.done:
		o, _ := f.Outcome()
		return o, nil
	case <-ctx.Done():
		return Outcome{CorrelationID: f.correlationID}, ctx.Err()
	}
}
