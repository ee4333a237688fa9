package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-robolink/codec"
	"github.com/arloliu/go-robolink/internal/pool"
	"github.com/arloliu/go-robolink/robot"
	"github.com/arloliu/go-robolink/transport"
)

// readOnce reads one chunk from tr and dispatches every complete event in it.
// It returns false when the reader task should stop.
func (c *Connection) readOnce(ctx context.Context, tr transport.Transport, dec *codec.Decoder) bool {
	p, err := tr.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.fault(tr, err)

		return false
	}

	c.touch()
	dec.Feed(p)

	for {
		ev, err := dec.Next()
		if err != nil {
			c.metrics.incDecodeErrCount()
			if errors.Is(err, robot.ErrUnrecoverableStream) {
				c.logger.Error("inbound stream is unrecoverable, reset connection", "error", err)
				c.fault(tr, err)

				return false
			}

			c.logger.Warn("drop malformed frame", "error", err)

			continue
		}

		if ev == nil {
			return true
		}

		c.dispatch(ctx, ev)
	}
}

// dispatch resolves the command ev acknowledges, if any, and then publishes ev.
//
// The future completes before the publish, so a Block queue that is full delays only the
// event and never the outcome.
func (c *Connection) dispatch(ctx context.Context, ev *robot.Event) {
	ev.DeviceID = c.device.ID
	ev.ReceivedAt = time.Now()
	c.metrics.incEventRecvCount()

	if ev.Kind == robot.EventAck || ev.Kind == robot.EventError {
		c.mu.Lock()
		p := c.takePendingLocked(ev.CorrelationID)
		c.mu.Unlock()

		if p == nil {
			ev.Unmatched = true
			c.logger.Debug("unmatched acknowledgement", "kind", ev.Kind.String(), "correlation_id", ev.CorrelationID)
		} else {
			if ev.CorrelationID == "" {
				ev.CorrelationID = p.cmd.CorrelationID
			}
			c.resolve(p, ev)
		}
	}

	c.publish(ctx, *ev)
}

func (c *Connection) resolve(p *pendingCmd, ev *robot.Event) {
	if ev.Kind == robot.EventAck {
		c.metrics.incCommandAckCount()
		p.future.Complete(robot.Outcome{Payload: ev.Payload})

		return
	}

	c.metrics.incCommandRejectCount()
	p.future.Complete(robot.Outcome{
		Payload: ev.Payload,
		Err:     fmt.Errorf("%w: %s: %s", robot.ErrCommandRejected, p.cmd.CorrelationID, ev.Payload),
	})
}

// awaitAck waits for the acknowledgement of p, re-sending the frame on ack timeout while
// retries remain.
func (c *Connection) awaitAck(ctx context.Context, p *pendingCmd) {
	timer := pool.AcquireTimer(c.cfg.AckTimeout())
	defer pool.ReleaseTimer(timer)

	for {
		select {
		case <-p.future.Done():
			return

		case <-ctx.Done():
			// session ended, outstanding commands are resolved by fault or Disconnect
			return

		case <-p.ctx.Done():
			c.abandon(p, p.ctx.Err())
			return

		case <-timer.C:
			if !c.retryOrExpire(p) {
				return
			}
			timer.Reset(c.cfg.AckTimeout())
		}
	}
}

// abandon stops waiting for the acknowledgement of p and frees its slot.
func (c *Connection) abandon(p *pendingCmd, err error) {
	id := p.cmd.CorrelationID

	c.mu.Lock()
	if _, ok := c.pending.LoadAndDelete(id); !ok {
		c.mu.Unlock()
		return
	}
	c.releaseSlotLocked()
	c.mu.Unlock()

	c.logger.Debug("command abandoned by caller", "correlation_id", id, "error", err)
	p.future.Fail(err)
}

// retryOrExpire handles an ack timeout of p. It re-sends the frame and returns true while
// retries remain, otherwise it resolves p with robot.ErrCommandTimeout.
func (c *Connection) retryOrExpire(p *pendingCmd) bool {
	id := p.cmd.CorrelationID

	c.mu.Lock()
	if _, ok := c.pending.Load(id); !ok {
		c.mu.Unlock()
		return false
	}

	if p.attempts < c.cfg.CommandRetries() {
		p.attempts++
		tr := c.tr
		c.metrics.incCommandRetryCount()
		c.logger.Warn("ack timeout, re-send command", "correlation_id", id, "retry", p.attempts)

		if err := tr.Write(p.frame); err != nil {
			c.mu.Unlock()
			c.fault(tr, err)

			return false
		}
		c.touch()
		c.mu.Unlock()

		return true
	}

	c.pending.Delete(id)
	c.releaseSlotLocked()
	attempts := p.attempts + 1
	c.mu.Unlock()

	c.metrics.incCommandTimeoutCount()
	c.logger.Warn("ack timeout", "correlation_id", id, "attempts", attempts)
	p.future.Fail(fmt.Errorf("%w: %s got no acknowledgement after %d attempts", robot.ErrCommandTimeout, id, attempts))

	return false
}
