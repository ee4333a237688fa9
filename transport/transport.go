package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/robot"
)

// Transport is a byte stream to one device.
//
// Write and Read may be called concurrently with each other, but each of them by a single
// goroutine at a time.
type Transport interface {
	// Open connects to addr. It fails with robot.ErrConnectTimeout when timeout elapses and
	// with robot.ErrConnectRefused for other dial failures. Cancellation of ctx is returned as is.
	Open(ctx context.Context, addr robot.Address, timeout time.Duration) error
	// Write sends all of p. It fails with robot.ErrTransportClosed if not connected.
	Write(p []byte) error
	// Read blocks until bytes are available, ctx is done or the link breaks.
	// It fails with robot.ErrTransportClosed on EOF or when not connected.
	Read(ctx context.Context) ([]byte, error)
	// Close releases the socket. It is idempotent.
	Close() error
	// State returns the current lifecycle state.
	State() State
}

// Factory creates a new, disconnected transport for a device.
type Factory func(dev robot.Device) Transport

// DialFunc dials a network address, matching net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network string, address string) (net.Conn, error)

const (
	// DefaultWriteTimeout bounds a single Write.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultKeepAlive is the TCP keep-alive period.
	DefaultKeepAlive = 30 * time.Second
	// DefaultReadBufferSize is the size of the buffer used by Read.
	DefaultReadBufferSize = 4096

	MinReadBufferSize = 512
	MaxReadBufferSize = 1 << 20
)

// ErrConfigNil indicates that an option was applied to a nil config.
var ErrConfigNil = errors.New("transport config is nil")

type config struct {
	dialFunc       DialFunc
	writeTimeout   time.Duration
	keepAlive      time.Duration
	readBufferSize int
	logger         logger.Logger
}

// Option configures a TCP transport.
type Option interface {
	apply(*config) error
}

type optFunc struct {
	name      string
	applyFunc func(*config) error
}

func (o *optFunc) apply(cfg *config) error { return o.applyFunc(cfg) }

func newOptFunc(name string, f func(*config) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithDialFunc replaces the TCP dialer, e.g. to connect through a net.Pipe in tests.
func WithDialFunc(dial DialFunc) Option {
	return newOptFunc("WithDialFunc", func(cfg *config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if dial == nil {
			return errors.New("dial func is nil")
		}
		cfg.dialFunc = dial

		return nil
	})
}

// WithWriteTimeout sets the deadline of a single Write. Zero disables the deadline.
//
// The default value is 5 seconds.
func WithWriteTimeout(val time.Duration) Option {
	return newOptFunc("WithWriteTimeout", func(cfg *config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if val < 0 || val > 120*time.Second {
			return errors.New("write timeout out of range [0, 120s]")
		}
		cfg.writeTimeout = val

		return nil
	})
}

// WithKeepAlive sets the TCP keep-alive period. A negative value disables keep-alive.
//
// The default value is 30 seconds.
func WithKeepAlive(val time.Duration) Option {
	return newOptFunc("WithKeepAlive", func(cfg *config) error {
		if cfg == nil {
			return ErrConfigNil
		}
		cfg.keepAlive = val

		return nil
	})
}

// WithReadBufferSize sets the size of the read buffer, in range [512, 1MiB].
//
// The default value is 4096.
func WithReadBufferSize(size int) Option {
	return newOptFunc("WithReadBufferSize", func(cfg *config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if size < MinReadBufferSize || size > MaxReadBufferSize {
			return errors.New("read buffer size out of range [512, 1048576]")
		}
		cfg.readBufferSize = size

		return nil
	})
}

// WithLogger sets the logger of the transport.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(cfg *config) error {
		if cfg == nil {
			return ErrConfigNil
		}

		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
