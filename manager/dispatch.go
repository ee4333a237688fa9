package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/arloliu/go-robolink/robot"
)

// dispatchLoop submits the backlog of e to its connection in issue order until ctx is done.
func (m *Manager) dispatchLoop(ctx context.Context, e *entry) {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("dispatcher panic", "device_id", e.device.ID, "panic", r)
		}
	}()

	for {
		j, ok := e.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
				continue
			}
		}

		m.dispatch(ctx, e, j)
	}
}

// dispatch hands j to the connection, waiting while all command slots are taken.
// The outcome of the connection's future is forwarded to the future returned by Send.
func (m *Manager) dispatch(ctx context.Context, e *entry, j *job) {
	for {
		if err := j.ctx.Err(); err != nil {
			j.future.Fail(err)
			return
		}

		conn := e.connection()
		if conn == nil {
			j.future.Fail(e.notConnectedErr(nil))
			return
		}

		inner, err := conn.Send(j.ctx, j.cmd)
		if err == nil {
			inner.OnComplete(func(o robot.Outcome) { j.future.Complete(o) })
			return
		}

		if errors.Is(err, robot.ErrNotConnected) {
			j.future.Fail(e.notConnectedErr(err))
			return
		}
		if !errors.Is(err, robot.ErrConnectionBusy) {
			j.future.Fail(err)
			return
		}

		select {
		case <-conn.Sendable():
		case <-j.ctx.Done():
		case <-ctx.Done():
			j.future.Fail(fmt.Errorf("%w: %s", robot.ErrConnectionClosing, e.device.ID))
			return
		}
	}
}

// notConnectedErr reports a command that found no open connection. While the device is
// being disconnected on purpose the command fails with robot.ErrConnectionClosing.
func (e *entry) notConnectedErr(cause error) error {
	if e.closing.Load() {
		return fmt.Errorf("%w: %s", robot.ErrConnectionClosing, e.device.ID)
	}
	if cause != nil {
		return cause
	}

	return fmt.Errorf("%w: %s", robot.ErrNotConnected, e.device.ID)
}
