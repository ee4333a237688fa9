package link

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-robolink/codec"
	"github.com/arloliu/go-robolink/internal/task"
	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/robot"
	"github.com/arloliu/go-robolink/transport"
)

// ErrDuplicateCorrelation is returned by Send when a command with the same correlation id
// is still outstanding on the connection.
var ErrDuplicateCorrelation = errors.New("duplicate correlation id")

// pendingCmd is a command written to the device and waiting for its acknowledgement.
type pendingCmd struct {
	cmd      robot.Command
	frame    []byte
	future   *robot.Future
	ctx      context.Context //nolint:containedctx
	attempts int             // re-sends so far, guarded by Connection.mu
}

// Info is a snapshot of a connection.
type Info struct {
	Device       robot.Device
	State        State
	Status       string
	LastActivity time.Time
	InFlight     []string
	Metrics      MetricsSnapshot
}

// Connection manages the link to one device: the transport, the inbound decoder and the
// acknowledgement tracking of outstanding commands.
//
// Send, Connect, Disconnect and Info are safe for concurrent use.
type Connection struct {
	pctx    context.Context //nolint:containedctx
	cfg     *ConnectionConfig
	device  robot.Device
	codec   codec.Codec
	factory transport.Factory
	logger  logger.Logger

	stateMgr *StateMgr
	taskMgr  *task.Manager
	backoff  *backoff
	metrics  ConnectionMetrics

	// mu serializes frame writes and every change of pending, inFlight and tr.
	mu          sync.Mutex
	tr          transport.Transport
	pending     *xsync.MapOf[string, *pendingCmd]
	inFlight    int
	maxInFlight int

	slotCh       chan struct{}
	lastActivity atomic.Int64

	shutdown         atomic.Bool
	reconnectGen     atomic.Uint64
	reconnectRunning atomic.Bool
	loopWg           sync.WaitGroup
	cancelMu         sync.Mutex
	connectCancel    context.CancelFunc
	reconnectCancel  context.CancelFunc
}

// NewConnection creates a connection to dev using c to frame commands and events.
// The connection starts in the Idle state; call Connect to open it.
func NewConnection(ctx context.Context, dev robot.Device, c codec.Codec, cfg *ConnectionConfig) (*Connection, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}
	if c == nil {
		return nil, fmt.Errorf("%w: no codec for device %s", robot.ErrUnknownBrand, dev.ID)
	}
	if err := dev.Validate(); err != nil {
		return nil, err
	}

	l := cfg.logger
	if l == nil {
		l = logger.GetLogger()
	}
	l = l.With("device_id", dev.ID, "brand", dev.Brand.String())

	factory := cfg.transportFactory
	if factory == nil {
		var err error
		factory, err = transport.NewTCPFactory(transport.WithLogger(l))
		if err != nil {
			return nil, err
		}
	}

	conn := &Connection{
		pctx:        ctx,
		cfg:         cfg,
		device:      dev,
		codec:       c,
		factory:     factory,
		logger:      l,
		taskMgr:     task.NewManager(ctx, l),
		backoff:     newBackoff(cfg.initialRetryDelay, cfg.maxRetryDelay, cfg.retryMultiplier, cfg.retryJitter),
		pending:     xsync.NewMapOf[string, *pendingCmd](),
		maxInFlight: 1,
		slotCh:      make(chan struct{}, 1),
	}
	if dev.Pipelining {
		conn.maxInFlight = cfg.maxInFlight
	}
	conn.stateMgr = NewStateMgr(dev, l, cfg.stateHandlers...)

	return conn, nil
}

// Device returns the device of the connection.
func (c *Connection) Device() robot.Device {
	return c.device
}

// State returns the current connection state.
func (c *Connection) State() State {
	return c.stateMgr.State()
}

// WaitState waits until the connection reaches state or ctx is done.
func (c *Connection) WaitState(ctx context.Context, state State) error {
	return c.stateMgr.WaitState(ctx, state)
}

// AddStateChangeHandler adds handlers invoked on every state change.
func (c *Connection) AddStateChangeHandler(handlers ...StateChangeHandler) {
	c.stateMgr.AddHandler(handlers...)
}

// Metrics returns the live metrics of the connection.
func (c *Connection) Metrics() *ConnectionMetrics {
	return &c.metrics
}

// UpdateConfig applies runtime options such as WithAckTimeout.
func (c *Connection) UpdateConfig(opts ...ConnOption) error {
	return c.cfg.Update(opts...)
}

// Sendable returns a channel signaled each time a command slot is released.
//
// The channel has a buffer of one, so a signal is not lost when nobody waits.
func (c *Connection) Sendable() <-chan struct{} {
	return c.slotCh
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() Info {
	st := c.State()

	inFlight := make([]string, 0, c.pending.Size())
	c.pending.Range(func(id string, _ *pendingCmd) bool {
		inFlight = append(inFlight, id)
		return true
	})
	slices.Sort(inFlight)

	var last time.Time
	if ns := c.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}

	return Info{
		Device:       c.device,
		State:        st,
		Status:       st.Status(),
		LastActivity: last,
		InFlight:     inFlight,
		Metrics:      c.metrics.Snapshot(),
	}
}

// Connect opens the transport and starts decoding inbound events.
//
// It retries with exponential backoff up to the configured attempts. When all attempts fail
// the connection goes back to Idle and the returned error wraps robot.ErrConnectionFailed
// together with the cause of the last attempt. Connect on an open connection is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	st := c.State()
	if st.IsActive() {
		return nil
	}

	if err := c.stateMgr.To(Connecting); err != nil {
		return fmt.Errorf("%w: can't connect %s in %s state", robot.ErrConnectionBusy, c.device.ID, st)
	}
	c.shutdown.Store(false)

	cctx, cancel := context.WithCancel(ctx)
	c.setConnectCancel(cancel)
	defer func() {
		c.setConnectCancel(nil)
		cancel()
	}()

	// make sure no task of an earlier session is left
	c.taskMgr.Stop()
	c.taskMgr.Wait()

	c.backoff.Reset()

	var lastErr error
	attempts := 0
	for attempts < c.cfg.maxConnectAttempts {
		attempts++
		lastErr = c.open(cctx)
		if lastErr == nil {
			c.logger.Info("connected", "address", c.device.Address.String(), "attempts", attempts)

			return nil
		}

		if errors.Is(lastErr, robot.ErrInvalidTransition) || cctx.Err() != nil {
			break
		}

		c.metrics.incConnRetryGauge()
		if attempts >= c.cfg.maxConnectAttempts {
			break
		}

		delay := c.backoff.Next()
		c.logger.Debug("connect failed, retry later", "attempt", attempts, "delay", delay, "error", lastErr)
		if !sleepContext(cctx, delay) {
			lastErr = cctx.Err()
			break
		}
	}

	if c.State() == Connecting {
		_ = c.stateMgr.To(Idle)
	}

	c.logger.Warn("connect failed", "address", c.device.Address.String(), "attempts", attempts, "error", lastErr)

	return fmt.Errorf("%w: %s after %d attempts: %w", robot.ErrConnectionFailed, c.device.ID, attempts, lastErr)
}

// open makes one attempt to open the transport. On success the connection is Ready and the
// reader task runs.
func (c *Connection) open(ctx context.Context) error {
	tr := c.factory(c.device)
	if tr == nil {
		return fmt.Errorf("%w: no transport for %s", robot.ErrConnectRefused, c.device.ID)
	}

	if err := tr.Open(ctx, c.device.Address, c.cfg.connectTimeout); err != nil {
		_ = tr.Close()
		return err
	}

	c.mu.Lock()
	c.tr = tr
	c.touch()
	c.metrics.resetConnRetryGauge()
	if err := c.stateMgr.To(Ready); err != nil {
		c.tr = nil
		c.mu.Unlock()
		_ = tr.Close()

		return err
	}
	c.mu.Unlock()

	readCtx := c.taskMgr.Context()
	dec := codec.NewDecoder(c.codec, c.cfg.maxBufferedBytes)
	if err := c.taskMgr.Start("reader", func() bool { return c.readOnce(readCtx, tr, dec) }); err != nil {
		c.logger.Error("failed to start reader task", "error", err)
		c.fault(tr, err)

		return err
	}

	return nil
}

// Send writes cmd to the device and returns a future resolved by the matching acknowledgement.
//
// Send never queues: it returns robot.ErrConnectionBusy when all command slots are taken and
// robot.ErrNotConnected when the connection is not open. Cancelling ctx after Send returned
// abandons the command; the future resolves with the context error and a late
// acknowledgement is published as an unmatched event.
func (c *Connection) Send(ctx context.Context, cmd robot.Command) (*robot.Future, error) {
	if cmd.CorrelationID == "" {
		return nil, fmt.Errorf("%w: empty correlation id", robot.ErrEncode)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = c.device.ID
	}

	frame, err := c.codec.Encode(cmd)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()

	st := c.State()
	switch {
	case st == Ready:
	case st == AwaitingAck && c.inFlight < c.maxInFlight:
	case st == AwaitingAck || st == Sending:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has %d outstanding commands", robot.ErrConnectionBusy, c.device.ID, c.inFlight)
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", robot.ErrNotConnected, c.device.ID, st)
	}

	if _, ok := c.pending.Load(cmd.CorrelationID); ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, cmd.CorrelationID)
	}

	tr := c.tr
	_ = c.stateMgr.To(Sending)

	p := &pendingCmd{cmd: cmd, frame: frame, future: robot.NewFuture(cmd.CorrelationID), ctx: ctx}
	c.pending.Store(cmd.CorrelationID, p)
	c.inFlight++
	c.metrics.incCommandInflightCount()

	if err := tr.Write(frame); err != nil {
		c.pending.Delete(cmd.CorrelationID)
		c.inFlight--
		c.metrics.decCommandInflightCount()
		c.mu.Unlock()

		c.logger.Error("failed to write command", "correlation_id", cmd.CorrelationID, "error", err)
		c.fault(tr, err)

		return nil, fmt.Errorf("%w: %s: %w", robot.ErrConnectionFailed, c.device.ID, err)
	}

	c.touch()
	c.metrics.incCommandSendCount()
	_ = c.stateMgr.To(AwaitingAck)
	c.mu.Unlock()

	c.logger.Debug("command sent", "correlation_id", cmd.CorrelationID, "size", len(frame))

	if err := c.taskMgr.Go("ack-"+cmd.CorrelationID, func(tctx context.Context) { c.awaitAck(tctx, p) }); err != nil {
		// the session is ending, the fault or disconnect path resolves the command
		c.logger.Debug("ack watcher not started", "correlation_id", cmd.CorrelationID, "error", err)
	}

	return p.future, nil
}

// Disconnect closes the connection. Outstanding commands resolve with
// robot.ErrConnectionClosing. Disconnect is idempotent and also stops a reconnect in progress.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.shutdown.Store(true)
	c.reconnectGen.Add(1)
	c.cancelLoops()

	c.mu.Lock()
	st := c.State()
	switch st {
	case Closed, Disconnecting:
		c.mu.Unlock()
		return nil
	case Idle:
		_ = c.stateMgr.To(Closed)
		c.mu.Unlock()

		return nil
	}

	if err := c.stateMgr.To(Disconnecting); err != nil {
		c.mu.Unlock()
		return err
	}

	tr := c.tr
	c.tr = nil
	drained := c.drainPendingLocked()
	c.mu.Unlock()

	c.failAll(drained, fmt.Errorf("%w: %s", robot.ErrConnectionClosing, c.device.ID))

	c.taskMgr.Stop()
	if tr != nil {
		_ = tr.Close()
	}

	timeout := c.cfg.closeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < timeout {
			timeout = remain
		}
	}

	forced := !c.waitTasks(timeout)
	_ = c.stateMgr.To(Closed)

	if tr != nil {
		c.publishWithin(ctx, robot.Event{DeviceID: c.device.ID, Kind: robot.EventDisconnected, ReceivedAt: time.Now()}, timeout)
	}

	if forced {
		c.logger.Error("close timeout, connection tasks still running", "timeout", timeout, "prev_state", st.String())
		return fmt.Errorf("close %s: tasks still running after %s", c.device.ID, timeout)
	}

	c.logger.Info("disconnected", "prev_state", st.String())

	return nil
}

// waitTasks waits for the session tasks and the reconnect loop, up to timeout.
func (c *Connection) waitTasks(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = time.Millisecond
	}

	done := make(chan struct{})
	go func() {
		c.loopWg.Wait()
		c.taskMgr.Wait()
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

// fault tears down the session of tr after a transport failure. Faults of an already
// replaced transport, or while disconnecting, are ignored.
func (c *Connection) fault(tr transport.Transport, cause error) {
	c.mu.Lock()
	if c.tr != tr {
		c.mu.Unlock()
		return
	}

	prev := c.State()
	if err := c.stateMgr.To(Faulted); err != nil {
		c.mu.Unlock()
		return
	}
	c.tr = nil
	drained := c.drainPendingLocked()
	c.mu.Unlock()

	c.logger.Warn("connection faulted", "prev_state", prev.String(), "pending", len(drained), "error", cause)

	c.taskMgr.Stop()
	_ = tr.Close()

	c.failAll(drained, fmt.Errorf("%w: %s: %w", robot.ErrConnectionFailed, c.device.ID, cause))
	c.publishWithin(c.pctx, robot.Event{
		DeviceID:   c.device.ID,
		Kind:       robot.EventDisconnected,
		Payload:    []byte(cause.Error()),
		ReceivedAt: time.Now(),
	}, c.cfg.closeTimeout)

	if c.cfg.AutoReconnect() && !c.shutdown.Load() {
		if err := c.stateMgr.To(Reconnecting); err == nil {
			c.startReconnect()
		}

		return
	}

	_ = c.stateMgr.To(Closed)
}

// drainPendingLocked removes every outstanding command. c.mu must be held.
func (c *Connection) drainPendingLocked() []*pendingCmd {
	drained := make([]*pendingCmd, 0, c.pending.Size())
	c.pending.Range(func(id string, p *pendingCmd) bool {
		drained = append(drained, p)
		c.pending.Delete(id)

		return true
	})
	c.inFlight = 0
	c.metrics.resetCommandInflightCount()
	c.signalSlot()

	return drained
}

func (c *Connection) failAll(drained []*pendingCmd, err error) {
	if len(drained) == 0 {
		return
	}

	c.metrics.addCommandErrCount(len(drained))
	for _, p := range drained {
		p.future.Fail(err)
	}
}

// releaseSlotLocked frees one command slot. c.mu must be held.
func (c *Connection) releaseSlotLocked() {
	if c.inFlight > 0 {
		c.inFlight--
		c.metrics.decCommandInflightCount()
	}
	if c.inFlight == 0 && c.State() == AwaitingAck {
		_ = c.stateMgr.To(Ready)
	}
	c.signalSlot()
}

func (c *Connection) signalSlot() {
	select {
	case c.slotCh <- struct{}{}:
	default:
	}
}

// takePendingLocked removes the command an acknowledgement refers to. An acknowledgement
// without correlation id belongs to the only outstanding command of a non-pipelining
// device. c.mu must be held.
func (c *Connection) takePendingLocked(correlationID string) *pendingCmd {
	var p *pendingCmd

	switch {
	case correlationID != "":
		found, ok := c.pending.LoadAndDelete(correlationID)
		if !ok {
			return nil
		}
		p = found
	case c.maxInFlight == 1 && c.pending.Size() == 1:
		c.pending.Range(func(id string, found *pendingCmd) bool {
			p = found
			c.pending.Delete(id)

			return false
		})
		if p == nil {
			return nil
		}
	default:
		return nil
	}

	c.releaseSlotLocked()

	return p
}

func (c *Connection) setConnectCancel(cancel context.CancelFunc) {
	c.cancelMu.Lock()
	c.connectCancel = cancel
	c.cancelMu.Unlock()
}

func (c *Connection) setReconnectCancel(cancel context.CancelFunc) {
	c.cancelMu.Lock()
	c.reconnectCancel = cancel
	c.cancelMu.Unlock()
}

func (c *Connection) cancelLoops() {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()

	if c.connectCancel != nil {
		c.connectCancel()
	}
	if c.reconnectCancel != nil {
		c.reconnectCancel()
	}
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) publish(ctx context.Context, ev robot.Event) {
	if c.cfg.events == nil {
		return
	}

	if err := c.cfg.events.Push(ctx, ev); err != nil {
		c.logger.Warn("failed to publish event", "kind", ev.Kind.String(), "correlation_id", ev.CorrelationID, "error", err)
	}
}

// publishWithin publishes ev, giving up after timeout when the queue has no room.
func (c *Connection) publishWithin(ctx context.Context, ev robot.Event, timeout time.Duration) {
	if timeout <= 0 {
		timeout = time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.publish(ctx, ev)
}

// sleepContext waits for d and reports false if ctx is done first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
