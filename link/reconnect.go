package link

import (
	"context"
	"errors"

	"github.com/arloliu/go-robolink/robot"
)

// startReconnect runs the reconnect loop once per fault.
//
// The loop is a plain goroutine rather than a task of taskMgr because it waits for the
// tasks of the faulted session to finish.
func (c *Connection) startReconnect() {
	if c.shutdown.Load() {
		return
	}
	if !c.reconnectRunning.CompareAndSwap(false, true) {
		return
	}

	gen := c.reconnectGen.Load()
	ctx, cancel := context.WithCancel(c.pctx)
	c.setReconnectCancel(cancel)

	c.loopWg.Add(1)
	go func() {
		defer c.loopWg.Done()

		c.reconnectLoop(ctx, gen)
		cancel()
		c.reconnectRunning.Store(false)

		// a fault right after reopening finds the loop still running and leaves it to us
		if c.State() == Reconnecting && c.reconnectGen.Load() == gen {
			c.startReconnect()
		}
	}()
}

func (c *Connection) reconnectLoop(ctx context.Context, gen uint64) {
	c.backoff.Reset()

	maxAttempts := c.cfg.maxReconnectAttempts
	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		delay := c.backoff.Next()
		c.logger.Debug("schedule reconnect", "attempt", attempt, "delay", delay)

		if !sleepContext(ctx, delay) {
			return
		}
		if c.reconnectGen.Load() != gen || c.shutdown.Load() {
			return
		}

		// tasks of the faulted session must be gone before the next one starts
		c.taskMgr.Wait()

		c.metrics.incConnRetryGauge()
		err := c.open(ctx)
		if err == nil {
			c.logger.Info("reconnected", "address", c.device.Address.String(), "attempt", attempt)

			return
		}

		if errors.Is(err, robot.ErrInvalidTransition) || ctx.Err() != nil {
			return
		}

		c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
	}

	c.logger.Error("reconnect attempts exhausted, close connection", "attempts", maxAttempts)
	_ = c.stateMgr.To(Closed)
}
