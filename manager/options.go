package manager

import (
	"errors"
	"time"

	"github.com/arloliu/go-robolink/codec"
	"github.com/arloliu/go-robolink/eventq"
	"github.com/arloliu/go-robolink/link"
	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/transport"
)

const (
	// DefaultBacklogSize is the default number of commands queued per device.
	DefaultBacklogSize = 64
	// DefaultShutdownTimeout is the default hard deadline of ShutdownAll.
	DefaultShutdownTimeout = 10 * time.Second
)

// ErrOptionNil is returned when an option is applied to a nil manager.
var ErrOptionNil = errors.New("manager is nil")

// Option configures a Manager.
type Option interface {
	apply(*Manager) error
}

type optFunc struct {
	name      string
	applyFunc func(*Manager) error
}

func (o *optFunc) apply(m *Manager) error { return o.applyFunc(m) }

func newOptFunc(name string, f func(*Manager) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithRegistry sets the codec registry. The default registry holds the built-in brands.
func WithRegistry(r *codec.Registry) Option {
	return newOptFunc("WithRegistry", func(m *Manager) error {
		if m == nil {
			return ErrOptionNil
		}
		if r == nil {
			return errors.New("codec registry is nil")
		}
		m.registry = r

		return nil
	})
}

// WithEventQueue sets the queue receiving events of all devices.
// The default queue has eventq.DefaultCapacity and drops the oldest event on overflow.
func WithEventQueue(q *eventq.Queue) Option {
	return newOptFunc("WithEventQueue", func(m *Manager) error {
		if m == nil {
			return ErrOptionNil
		}
		if q == nil {
			return errors.New("event queue is nil")
		}
		m.events = q

		return nil
	})
}

// WithLinkOptions sets options applied to every device connection.
func WithLinkOptions(opts ...link.ConnOption) Option {
	return newOptFunc("WithLinkOptions", func(m *Manager) error {
		if m == nil {
			return ErrOptionNil
		}
		m.linkOpts = append(m.linkOpts, opts...)

		return nil
	})
}

// WithTransportFactory sets the factory creating device transports. The default creates TCP transports.
func WithTransportFactory(f transport.Factory) Option {
	return newOptFunc("WithTransportFactory", func(m *Manager) error {
		if m == nil {
			return ErrOptionNil
		}
		m.factory = f

		return nil
	})
}

// WithInventory persists registered devices in inv.
func WithInventory(inv Inventory) Option {
	return newOptFunc("WithInventory", func(m *Manager) error {
		if m == nil {
			return ErrOptionNil
		}
		m.inventory = inv

		return nil
	})
}

// WithBacklogSize sets the number of commands queued per device, between 1 and 65536.
//
// The default value is DefaultBacklogSize.
func WithBacklogSize(n int) Option {
	return newOptFunc("WithBacklogSize", func(m *Manager) error {
		if m == nil {
			return ErrOptionNil
		}
		if n < 1 || n > 65536 {
			return errors.New("backlog size out of range [1, 65536]")
		}
		m.backlogSize = n

		return nil
	})
}

// WithShutdownTimeout sets the hard deadline of ShutdownAll, between 10ms and 5 minutes.
//
// The default value is DefaultShutdownTimeout.
func WithShutdownTimeout(d time.Duration) Option {
	return newOptFunc("WithShutdownTimeout", func(m *Manager) error {
		if m == nil {
			return ErrOptionNil
		}
		if d < 10*time.Millisecond || d > 5*time.Minute {
			return errors.New("shutdown timeout out of range [10ms, 5m]")
		}
		m.shutdownTimeout = d

		return nil
	})
}

// WithLogger sets the logger of the manager and its connections.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(m *Manager) error {
		if m == nil {
			return ErrOptionNil
		}
		m.logger = l

		return nil
	})
}
