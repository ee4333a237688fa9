package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-robolink/codec"
	"github.com/arloliu/go-robolink/eventq"
	"github.com/arloliu/go-robolink/link"
	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/robot"
	"github.com/arloliu/go-robolink/transport"
)

// ErrShutdown is returned by operations on a manager after ShutdownAll.
var ErrShutdown = errors.New("manager is shut down")

// Inventory persists the registered devices.
type Inventory interface {
	Save(ctx context.Context, dev robot.Device) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]robot.Device, error)
}

// ConnectionInfo is a snapshot of one registered device.
type ConnectionInfo struct {
	Device       robot.Device
	State        link.State
	Status       string
	LastActivity time.Time
	InFlight     []string
	Backlog      int
	Metrics      link.MetricsSnapshot
}

// Manager owns the connections of all registered devices and routes commands to them.
//
// All methods are safe for concurrent use. Operations on one device are serialized;
// operations on different devices never wait for each other.
type Manager struct {
	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	registry        *codec.Registry
	events          *eventq.Queue
	optMu           sync.RWMutex
	linkOpts        []link.ConnOption
	factory         transport.Factory
	inventory       Inventory
	backlogSize     int
	shutdownTimeout time.Duration
	logger          logger.Logger

	devices  *xsync.MapOf[string, *entry]
	shutdown atomic.Bool
	wg       sync.WaitGroup
}

// NewManager creates a manager. ctx bounds the lifetime of every connection it creates.
func NewManager(ctx context.Context, opts ...Option) (*Manager, error) {
	m := &Manager{
		backlogSize:     DefaultBacklogSize,
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          logger.GetLogger(),
		devices:         xsync.NewMapOf[string, *entry](),
	}

	for _, opt := range opts {
		if err := opt.apply(m); err != nil {
			return nil, err
		}
	}

	if m.registry == nil {
		m.registry = codec.NewDefaultRegistry()
	}
	if m.events == nil {
		q, err := eventq.New(eventq.WithLogger(m.logger))
		if err != nil {
			return nil, err
		}
		m.events = q
	}

	// fail early on invalid connection options instead of on the first Connect
	if _, err := link.NewConnectionConfig(m.linkOpts...); err != nil {
		return nil, err
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	return m, nil
}

// Events returns the queue receiving the events of all devices.
func (m *Manager) Events() *eventq.Queue {
	return m.events
}

// Registry returns the codec registry.
func (m *Manager) Registry() *codec.Registry {
	return m.registry
}

// RegisterDevice adds dev. It does not connect.
//
// It fails with robot.ErrInvalidDevice for invalid fields, robot.ErrUnknownBrand when no
// codec serves the brand and robot.ErrDuplicateDevice when the id is taken. With an
// inventory the device is persisted as well.
func (m *Manager) RegisterDevice(ctx context.Context, dev robot.Device) error {
	return m.register(ctx, dev, true)
}

func (m *Manager) register(ctx context.Context, dev robot.Device, persist bool) error {
	if m.shutdown.Load() {
		return ErrShutdown
	}

	dev.ID = strings.TrimSpace(dev.ID)
	if err := dev.Validate(); err != nil {
		return err
	}

	c, err := m.registry.Lookup(dev.Brand)
	if err != nil {
		return err
	}

	e := newEntry(dev, c)
	if _, loaded := m.devices.LoadOrStore(dev.ID, e); loaded {
		return fmt.Errorf("%w: %s", robot.ErrDuplicateDevice, dev.ID)
	}

	if persist && m.inventory != nil {
		if err := m.inventory.Save(ctx, dev); err != nil {
			m.devices.Delete(dev.ID)
			return fmt.Errorf("persist device %s: %w", dev.ID, err)
		}
	}

	dctx, cancel := context.WithCancel(m.ctx)
	e.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatchLoop(dctx, e)
	}()

	m.logger.Info("device registered", "device_id", dev.ID, "brand", dev.Brand.String(), "address", dev.Address.String())

	return nil
}

// Restore registers every device of the inventory. Devices already registered are skipped.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.inventory == nil {
		return 0, nil
	}

	devices, err := m.inventory.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list inventory: %w", err)
	}

	var errs []error
	restored := 0
	for _, dev := range devices {
		err := m.register(ctx, dev, false)
		switch {
		case err == nil:
			restored++
		case errors.Is(err, robot.ErrDuplicateDevice):
		default:
			errs = append(errs, fmt.Errorf("restore %s: %w", dev.ID, err))
		}
	}

	m.logger.Info("devices restored", "count", restored, "stored", len(devices))

	return restored, errors.Join(errs...)
}

// UnregisterDevice disconnects the device and removes it, also from the inventory.
func (m *Manager) UnregisterDevice(ctx context.Context, id string) error {
	e, ok := m.devices.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", robot.ErrUnknownDevice, id)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	if _, ok := m.devices.LoadAndDelete(id); !ok {
		return fmt.Errorf("%w: %s", robot.ErrUnknownDevice, id)
	}

	err := m.closeEntry(ctx, e)

	if m.inventory != nil {
		if ierr := m.inventory.Delete(ctx, id); ierr != nil {
			err = errors.Join(err, fmt.Errorf("delete device %s from inventory: %w", id, ierr))
		}
	}

	m.logger.Info("device unregistered", "device_id", id)

	return err
}

// Connect opens the connection of device id, retrying with backoff as configured.
//
// Connect on a connected device is a no-op. On failure the error wraps
// robot.ErrConnectionFailed and the cause of the last attempt.
func (m *Manager) Connect(ctx context.Context, id string) error {
	if m.shutdown.Load() {
		return ErrShutdown
	}

	e, ok := m.devices.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", robot.ErrUnknownDevice, id)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	conn := e.connection()
	if conn == nil {
		var err error
		conn, err = m.newConnection(e)
		if err != nil {
			return err
		}
		e.setConnection(conn)
	}

	if err := conn.Connect(ctx); err != nil {
		// a failed attempt leaves the connection idle, drop it
		if conn.State() == link.Idle {
			e.detach(link.Idle)
			_ = conn.Disconnect(ctx)
		}

		return err
	}

	return nil
}

// ConnectAll connects every registered device concurrently and joins the failures.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)

	m.devices.Range(func(id string, _ *entry) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Connect(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()

		return true
	})
	wg.Wait()

	return errors.Join(errs...)
}

// Disconnect closes the connection of device id. The device stays registered.
// Outstanding and backlogged commands fail with robot.ErrConnectionClosing.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	e, ok := m.devices.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", robot.ErrUnknownDevice, id)
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	return m.disconnectEntry(ctx, e)
}

// Send queues payload as a command for device id and returns its future.
//
// The correlation id of the command is available from the future immediately. Send fails
// with robot.ErrUnknownDevice for unregistered ids, robot.ErrNotConnected when the device is
// not connected and robot.ErrConnectionBusy when its backlog is full. Commands of one device
// are written in the order Send accepted them.
func (m *Manager) Send(ctx context.Context, id string, payload []byte) (*robot.Future, error) {
	e, ok := m.devices.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", robot.ErrUnknownDevice, id)
	}
	if m.shutdown.Load() {
		return nil, fmt.Errorf("%w: %s: %w", robot.ErrNotConnected, id, ErrShutdown)
	}

	conn := e.connection()
	if conn == nil || !conn.State().IsActive() {
		st := e.state()
		return nil, fmt.Errorf("%w: %s is %s", robot.ErrNotConnected, id, st)
	}

	cmd := robot.NewCommand(id, payload)
	if _, err := e.codec.Encode(cmd); err != nil {
		return nil, err
	}

	j := &job{cmd: cmd, ctx: ctx, future: robot.NewFuture(cmd.CorrelationID)}
	if !e.enqueue(j, m.backlogSize) {
		return nil, fmt.Errorf("%w: %s backlog is full (%d)", robot.ErrConnectionBusy, id, m.backlogSize)
	}

	// the device was unregistered while queueing, nobody dispatches the backlog anymore
	select {
	case <-e.done:
		e.drainBacklog(fmt.Errorf("%w: %s", robot.ErrConnectionClosing, id))
	default:
	}

	return j.future, nil
}

// Info returns the snapshot of device id.
func (m *Manager) Info(id string) (ConnectionInfo, error) {
	e, ok := m.devices.Load(id)
	if !ok {
		return ConnectionInfo{}, fmt.Errorf("%w: %s", robot.ErrUnknownDevice, id)
	}

	return e.info(), nil
}

// ListConnections returns a snapshot of every registered device sorted by id.
func (m *Manager) ListConnections() []ConnectionInfo {
	infos := make([]ConnectionInfo, 0, m.devices.Size())
	m.devices.Range(func(_ string, e *entry) bool {
		infos = append(infos, e.info())
		return true
	})

	slices.SortFunc(infos, func(a, b ConnectionInfo) int {
		return strings.Compare(a.Device.ID, b.Device.ID)
	})

	return infos
}

// ShutdownAll disconnects every device and closes the event queue.
//
// Outstanding and backlogged commands fail with robot.ErrConnectionClosing. ShutdownAll
// returns when all transports are closed or when the hard deadline, the earlier of ctx and
// the shutdown timeout, elapses; in the latter case an error is returned.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	if !m.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
	defer cancel()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)

	m.devices.Range(func(id string, e *entry) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()

			e.opMu.Lock()
			defer e.opMu.Unlock()

			if err := m.closeEntry(sctx, e); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()

		return true
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		m.cancel()
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		mu.Lock()
		err = errors.Join(errs...)
		mu.Unlock()
	case <-sctx.Done():
		m.logger.Error("shutdown deadline exceeded, forced close", "timeout", m.shutdownTimeout)
		m.cancel()
		err = fmt.Errorf("shutdown: forced close: %w", sctx.Err())
	}

	m.events.Close()
	m.logger.Info("manager shut down")

	return err
}

// closeEntry stops the dispatcher of e and disconnects it. e.opMu must be held.
func (m *Manager) closeEntry(ctx context.Context, e *entry) error {
	e.closing.Store(true)
	if e.cancel != nil {
		e.cancel()
	}

	err := m.disconnectEntry(ctx, e)

	select {
	case <-e.done:
	case <-ctx.Done():
	}

	return err
}

// disconnectEntry fails the backlog and closes the connection of e. e.opMu must be held.
func (m *Manager) disconnectEntry(ctx context.Context, e *entry) error {
	wasClosing := e.closing.Swap(true)
	defer e.closing.Store(wasClosing)

	closingErr := fmt.Errorf("%w: %s", robot.ErrConnectionClosing, e.device.ID)
	if n := e.drainBacklog(closingErr); n > 0 {
		m.logger.Debug("backlog failed", "device_id", e.device.ID, "count", n)
	}

	conn := e.detach(link.Closed)
	if conn == nil {
		return nil
	}

	return conn.Disconnect(ctx)
}

// UpdateLinkOptions applies runtime connection options, such as link.WithAckTimeout, to every
// live connection and to the connections created later. Options that cannot change at
// runtime are rejected.
func (m *Manager) UpdateLinkOptions(opts ...link.ConnOption) error {
	m.optMu.Lock()
	defer m.optMu.Unlock()

	probe, err := link.NewConnectionConfig(m.linkOpts...)
	if err != nil {
		return err
	}
	if err := probe.Update(opts...); err != nil {
		return err
	}
	m.linkOpts = append(slices.Clone(m.linkOpts), opts...)

	var errs []error
	m.devices.Range(func(id string, e *entry) bool {
		if conn := e.connection(); conn != nil {
			if err := conn.UpdateConfig(opts...); err != nil {
				errs = append(errs, fmt.Errorf("update %s: %w", id, err))
			}
		}

		return true
	})

	m.logger.Info("link options updated", "count", len(opts))

	return errors.Join(errs...)
}

func (m *Manager) newConnection(e *entry) (*link.Connection, error) {
	m.optMu.RLock()
	opts := make([]link.ConnOption, 0, len(m.linkOpts)+3)
	opts = append(opts, link.WithLogger(m.logger))
	opts = append(opts, m.linkOpts...)
	m.optMu.RUnlock()
	opts = append(opts, link.WithEventQueue(m.events))
	if m.factory != nil {
		opts = append(opts, link.WithTransportFactory(m.factory))
	}

	cfg, err := link.NewConnectionConfig(opts...)
	if err != nil {
		return nil, err
	}

	return link.NewConnection(m.ctx, e.device, e.codec, cfg)
}

func (e *entry) info() ConnectionInfo {
	info := ConnectionInfo{Device: e.device, Backlog: int(e.reserved.Load())}

	conn := e.connection()
	if conn == nil {
		info.State = e.state()
		info.Status = info.State.Status()

		return info
	}

	ci := conn.Info()
	info.State = ci.State
	info.Status = ci.Status
	info.LastActivity = ci.LastActivity
	info.InFlight = ci.InFlight
	info.Metrics = ci.Metrics

	return info
}
