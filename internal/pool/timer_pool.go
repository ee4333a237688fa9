// Package pool recycles the timers that guard command acknowledgements.
package pool

import (
	"sync"
	"time"
)

var timers = sync.Pool{
	New: func() any {
		t := time.NewTimer(time.Hour)
		t.Stop()

		return t
	},
}

// AcquireTimer returns a timer that fires once after d.
//
// Release it with ReleaseTimer when done. Since Go 1.23 a stopped timer never delivers a
// stale tick, so a recycled timer needs no draining.
func AcquireTimer(d time.Duration) *time.Timer {
	t, _ := timers.Get().(*time.Timer)
	t.Reset(d)

	return t
}

// ReleaseTimer stops t and returns it to the pool. t must not be used afterwards.
func ReleaseTimer(t *time.Timer) {
	if t == nil {
		return
	}
	t.Stop()
	timers.Put(t)
}
