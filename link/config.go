package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-robolink/codec"
	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/robot"
	"github.com/arloliu/go-robolink/transport"
)

// ErrConnConfigNil is returned when an option is applied to a nil ConnectionConfig.
var ErrConnConfigNil = errors.New("connection config is nil")

// EventQueue receives the events decoded by a connection.
type EventQueue interface {
	Push(ctx context.Context, ev robot.Event) error
}

// ConnectionConfig holds the tunables of a device connection.
type ConnectionConfig struct {
	mu sync.RWMutex

	// connectTimeout bounds one attempt to open the transport.
	// Defaults to 3 seconds.
	connectTimeout time.Duration
	// maxConnectAttempts is the number of attempts Connect makes before giving up.
	// Defaults to 3.
	maxConnectAttempts int

	// ackTimeout is how long a command waits for its acknowledgement per attempt.
	// Defaults to 5 seconds.
	ackTimeout time.Duration
	// commandRetries is the number of times a command is re-sent after an ack timeout.
	// Defaults to 0.
	commandRetries int
	// maxInFlight is the number of outstanding commands allowed on a pipelining device.
	// Devices without pipelining always use 1.
	// Defaults to 8.
	maxInFlight int

	// autoReconnect reopens the transport after a fault.
	// Defaults to true.
	autoReconnect bool
	// maxReconnectAttempts limits reconnect attempts after a fault, 0 means unlimited.
	// Defaults to 0.
	maxReconnectAttempts int
	// initialRetryDelay, maxRetryDelay, retryMultiplier and retryJitter shape the
	// exponential backoff shared by connect and reconnect attempts.
	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration
	retryMultiplier   float64
	retryJitter       float64

	// closeTimeout bounds how long Disconnect waits for the connection tasks.
	// Defaults to 3 seconds.
	closeTimeout time.Duration

	// maxBufferedBytes limits the inbound bytes held while looking for a frame.
	// Defaults to codec.DefaultMaxBuffered.
	maxBufferedBytes int

	transportFactory transport.Factory
	events           EventQueue
	stateHandlers    []StateChangeHandler
	logger           logger.Logger
}

// NewConnectionConfig creates a connection configuration with default values and applies opts.
func NewConnectionConfig(opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		connectTimeout:     3 * time.Second,
		maxConnectAttempts: 3,
		ackTimeout:         5 * time.Second,
		commandRetries:     0,
		maxInFlight:        8,
		autoReconnect:      true,
		initialRetryDelay:  initialRetryDelay,
		maxRetryDelay:      10 * time.Second,
		retryMultiplier:    retryDelayFactor,
		closeTimeout:       3 * time.Second,
		maxBufferedBytes:   codec.DefaultMaxBuffered,
		logger:             logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.maxRetryDelay < cfg.initialRetryDelay {
		return cfg, errors.New("max retry delay is shorter than initial retry delay")
	}

	return cfg, nil
}

// AckTimeout returns the acknowledgement timeout.
func (cfg *ConnectionConfig) AckTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.ackTimeout
}

// CommandRetries returns the number of re-sends after an ack timeout.
func (cfg *ConnectionConfig) CommandRetries() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.commandRetries
}

// AutoReconnect reports whether a faulted connection reopens itself.
func (cfg *ConnectionConfig) AutoReconnect() bool {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.autoReconnect
}

// Update applies runtime options. Options that can't be changed at runtime are rejected.
func (cfg *ConnectionConfig) Update(opts ...ConnOption) error {
	for _, opt := range opts {
		o, ok := opt.(*connOptFunc)
		if !ok || !o.runtime {
			return fmt.Errorf("option %s can't be changed at runtime", optName(opt))
		}
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return err
		}
	}

	return nil
}

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	runtime   bool
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error { return c.applyFunc(cfg) }

func newConnOptFunc(name string, runtime bool, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{name: name, runtime: runtime, applyFunc: f}
}

func optName(opt ConnOption) string {
	if o, ok := opt.(*connOptFunc); ok {
		return o.name
	}

	return fmt.Sprintf("%T", opt)
}

// WithConnectTimeout sets the timeout of one transport open attempt, between 10ms and 60s.
//
// The default value is 3 seconds.
func WithConnectTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithConnectTimeout", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 10*time.Millisecond || val > 60*time.Second {
			return errors.New("connect timeout out of range [10ms, 60s]")
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithMaxConnectAttempts sets how many times Connect tries to open the transport, between 1 and 100.
//
// The default value is 3.
func WithMaxConnectAttempts(n int) ConnOption {
	return newConnOptFunc("WithMaxConnectAttempts", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if n < 1 || n > 100 {
			return errors.New("max connect attempts out of range [1, 100]")
		}
		cfg.maxConnectAttempts = n

		return nil
	})
}

// WithAckTimeout sets how long a command waits for its acknowledgement, between 10ms and 10 minutes.
//
// The default value is 5 seconds.
//
// This option can be changed at runtime.
func WithAckTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithAckTimeout", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 10*time.Millisecond || val > 10*time.Minute {
			return errors.New("ack timeout out of range [10ms, 10m]")
		}
		cfg.ackTimeout = val

		return nil
	})
}

// WithCommandRetries sets how many times a command is re-sent after an ack timeout, between 0 and 10.
//
// The default value is 0.
//
// This option can be changed at runtime.
func WithCommandRetries(n int) ConnOption {
	return newConnOptFunc("WithCommandRetries", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if n < 0 || n > 10 {
			return errors.New("command retries out of range [0, 10]")
		}
		cfg.commandRetries = n

		return nil
	})
}

// WithMaxInFlight sets the outstanding command limit of pipelining devices, between 1 and 256.
//
// The default value is 8.
func WithMaxInFlight(n int) ConnOption {
	return newConnOptFunc("WithMaxInFlight", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if n < 1 || n > 256 {
			return errors.New("max in-flight out of range [1, 256]")
		}
		cfg.maxInFlight = n

		return nil
	})
}

// WithAutoReconnect enables or disables reopening the transport after a fault.
//
// The default value is true.
//
// This option can be changed at runtime.
func WithAutoReconnect(val bool) ConnOption {
	return newConnOptFunc("WithAutoReconnect", true, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		cfg.autoReconnect = val

		return nil
	})
}

// WithMaxReconnectAttempts limits reconnect attempts after a fault. 0 means unlimited.
//
// The default value is 0.
func WithMaxReconnectAttempts(n int) ConnOption {
	return newConnOptFunc("WithMaxReconnectAttempts", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if n < 0 {
			return errors.New("max reconnect attempts must not be negative")
		}
		cfg.maxReconnectAttempts = n

		return nil
	})
}

// WithBackoff sets the retry delays of connect and reconnect attempts.
// initial must be between 1ms and 60s, max must not exceed 10 minutes and multiplier must be
// between 1 and 10.
//
// The defaults are 100ms, 10s and 2.
func WithBackoff(initial time.Duration, max time.Duration, multiplier float64) ConnOption {
	return newConnOptFunc("WithBackoff", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if initial < time.Millisecond || initial > 60*time.Second {
			return errors.New("initial retry delay out of range [1ms, 60s]")
		}
		if max > 10*time.Minute {
			return errors.New("max retry delay out of range, up to 10m")
		}
		if multiplier < 1 || multiplier > 10 {
			return errors.New("retry multiplier out of range [1, 10]")
		}
		cfg.initialRetryDelay = initial
		cfg.maxRetryDelay = max
		cfg.retryMultiplier = multiplier

		return nil
	})
}

// WithBackoffJitter randomizes each retry delay by up to ±jitter of its value, between 0 and 1.
//
// The default value is 0.
func WithBackoffJitter(jitter float64) ConnOption {
	return newConnOptFunc("WithBackoffJitter", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if jitter < 0 || jitter > 1 {
			return errors.New("retry jitter out of range [0, 1]")
		}
		cfg.retryJitter = jitter

		return nil
	})
}

// WithCloseTimeout sets how long Disconnect waits for the connection tasks, between 10ms and 60s.
//
// The default value is 3 seconds.
func WithCloseTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithCloseTimeout", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 10*time.Millisecond || val > 60*time.Second {
			return errors.New("close timeout out of range [10ms, 60s]")
		}
		cfg.closeTimeout = val

		return nil
	})
}

// WithMaxBufferedBytes limits the bytes kept while looking for a frame, between 1KiB and 16MiB.
//
// The default value is 64KiB.
func WithMaxBufferedBytes(n int) ConnOption {
	return newConnOptFunc("WithMaxBufferedBytes", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if n < 1024 || n > 16*1024*1024 {
			return errors.New("max buffered bytes out of range [1KiB, 16MiB]")
		}
		cfg.maxBufferedBytes = n

		return nil
	})
}

// WithTransportFactory sets the factory creating a transport for each connection attempt.
//
// The default factory creates TCP transports.
func WithTransportFactory(factory transport.Factory) ConnOption {
	return newConnOptFunc("WithTransportFactory", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		cfg.transportFactory = factory

		return nil
	})
}

// WithEventQueue sets the queue receiving decoded events. Without a queue events are dropped.
func WithEventQueue(q EventQueue) ConnOption {
	return newConnOptFunc("WithEventQueue", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		cfg.events = q

		return nil
	})
}

// WithStateChangeHandler adds a handler invoked on every state change of the connection.
func WithStateChangeHandler(h StateChangeHandler) ConnOption {
	return newConnOptFunc("WithStateChangeHandler", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if h == nil {
			return errors.New("state change handler is nil")
		}
		cfg.stateHandlers = append(cfg.stateHandlers, h)

		return nil
	})
}

// WithLogger sets the logger of the connection.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", false, func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		cfg.logger = l

		return nil
	})
}
