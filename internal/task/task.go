// Package task manages the goroutines of a device connection.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-robolink/logger"
)

// ErrStopped is returned when a task is started on a stopped manager.
var ErrStopped = errors.New("task manager already stopped")

// LoopFunc is run repeatedly by Start. It returns true to continue, false to stop.
type LoopFunc func() bool

// Func is run once by Go with the manager context.
type Func func(ctx context.Context)

// Manager manages the lifecycle of goroutines (tasks).
//
// All tasks share a context derived from the parent context. Stop cancels it, and Wait blocks
// until every task returned and then prepares a fresh context, so the manager can be reused for
// the next connection session.
//
//	taskMgr := task.NewManager(ctx, logger)
//	_ = taskMgr.Start("reader", func() bool {
//	    // ... read once ...
//	    return true
//	})
//	taskMgr.Stop()
//	taskMgr.Wait()
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protect ctx and cancel
	taskMu sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a Manager using ctx as the parent context.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}

	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by the current tasks.
func (mgr *Manager) Context() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start runs loopFunc in a new goroutine until it returns false or the manager stops.
func (mgr *Manager) Start(name string, loopFunc LoopFunc) error {
	return mgr.spawn(name, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if !loopFunc() {
					return
				}
			}
		}
	})
}

// Go runs fn once in a new goroutine. fn should return when ctx is done.
func (mgr *Manager) Go(name string, fn Func) error {
	return mgr.spawn(name, fn)
}

// Stop signals all running tasks.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait waits for all tasks to terminate, then renews the shared context.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// WaitTimeout is Wait bounded by timeout. It returns false if tasks were still running when
// the timeout elapsed; they keep running and the context is renewed once they finish.
func (mgr *Manager) WaitTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		mgr.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// TaskCount returns the number of running tasks.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) spawn(name string, fn Func) error {
	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	ctx := mgr.Context()
	if ctx.Err() != nil {
		return fmt.Errorf("start %s: %w", name, ErrStopped)
	}

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				mgr.logger.Error("panic in task", "name", name, "panic", r)
			}
			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
			mgr.wg.Done()
		}()

		fn(ctx)
	}()

	return nil
}
