package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/robot"
)

// TCP is a Transport over a TCP socket.
type TCP struct {
	cfg    *config
	logger logger.Logger
	state  atomicState

	connMutex sync.Mutex // protects conn
	conn      net.Conn

	writeMutex sync.Mutex
	readMutex  sync.Mutex
	readBuf    []byte
}

var _ Transport = (*TCP)(nil)

// NewTCP creates a disconnected TCP transport.
func NewTCP(opts ...Option) (*TCP, error) {
	cfg := &config{
		writeTimeout:   DefaultWriteTimeout,
		keepAlive:      DefaultKeepAlive,
		readBufferSize: DefaultReadBufferSize,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.dialFunc == nil {
		dialer := &net.Dialer{KeepAlive: cfg.keepAlive}
		cfg.dialFunc = dialer.DialContext
	}

	return &TCP{
		cfg:     cfg,
		logger:  cfg.logger,
		readBuf: make([]byte, cfg.readBufferSize),
	}, nil
}

// NewTCPFactory returns a Factory creating TCP transports with opts.
// The options are validated once, when the factory is created.
func NewTCPFactory(opts ...Option) (Factory, error) {
	if _, err := NewTCP(opts...); err != nil {
		return nil, err
	}

	return func(dev robot.Device) Transport {
		t, _ := NewTCP(opts...)
		return t
	}, nil
}

// State returns the current lifecycle state.
func (t *TCP) State() State {
	return t.state.Get()
}

// Open dials addr and waits at most timeout for the connection. A non-positive timeout
// waits as long as ctx allows.
func (t *TCP) Open(ctx context.Context, addr robot.Address, timeout time.Duration) error {
	if !t.state.ToConnecting() {
		return fmt.Errorf("%w: open transport in %s state", robot.ErrInvalidTransition, t.state.Get())
	}

	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	address := addr.String()
	t.logger.Debug("dial device", "address", address, "timeout", timeout)

	conn, err := t.cfg.dialFunc(dialCtx, "tcp", address)
	if err != nil {
		t.state.ToFaulted()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if isTimeout(err) {
			return fmt.Errorf("%w: %s: %w", robot.ErrConnectTimeout, address, err)
		}

		return fmt.Errorf("%w: %s: %w", robot.ErrConnectRefused, address, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok && t.cfg.keepAlive > 0 {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(t.cfg.keepAlive)
	}

	t.connMutex.Lock()
	if !t.state.ToConnected() {
		t.connMutex.Unlock()
		_ = conn.Close()

		return fmt.Errorf("%w: closed while connecting to %s", robot.ErrTransportClosed, address)
	}
	t.conn = conn
	t.connMutex.Unlock()

	t.logger.Debug("connected to device",
		"address", address,
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
	)

	return nil
}

// Write sends all of p within the write timeout.
func (t *TCP) Write(p []byte) error {
	conn := t.connectedConn()
	if conn == nil {
		return fmt.Errorf("%w: write in %s state", robot.ErrTransportClosed, t.state.Get())
	}

	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	if t.cfg.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.writeTimeout)); err != nil {
			return t.ioFailure("write", err)
		}
	}

	if _, err := conn.Write(p); err != nil {
		return t.ioFailure("write", err)
	}

	return nil
}

// Read returns the next chunk of bytes from the device. The returned slice is owned by the caller.
func (t *TCP) Read(ctx context.Context) ([]byte, error) {
	conn := t.connectedConn()
	if conn == nil {
		return nil, fmt.Errorf("%w: read in %s state", robot.ErrTransportClosed, t.state.Get())
	}

	t.readMutex.Lock()
	defer t.readMutex.Unlock()

	// unblock the pending Read when ctx is done
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			_ = conn.SetReadDeadline(time.Time{})
		}
	}()

	n, err := conn.Read(t.readBuf)
	if n > 0 {
		return bytes.Clone(t.readBuf[:n]), nil
	}

	if err == nil {
		return nil, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	return nil, t.ioFailure("read", err)
}

// Close closes the socket and returns the transport to Disconnected.
func (t *TCP) Close() error {
	if !t.state.ToClosing() {
		return nil
	}

	t.connMutex.Lock()
	conn := t.conn
	t.conn = nil
	t.connMutex.Unlock()

	if conn != nil {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetLinger(0) // Set linger timeout to 0 to force close
		}

		if err := conn.Close(); err != nil {
			t.logger.Debug("failed to close socket", "error", err)
		}
	}

	t.state.Set(Disconnected)

	return nil
}

func (t *TCP) connectedConn() net.Conn {
	if t.state.Get() != Connected {
		return nil
	}

	t.connMutex.Lock()
	defer t.connMutex.Unlock()

	return t.conn
}

// ioFailure faults the transport unless it is being closed locally, and wraps err.
func (t *TCP) ioFailure(op string, err error) error {
	st := t.state.Get()
	if st == Closing || st == Disconnected {
		return fmt.Errorf("%w: %s on closed transport", robot.ErrTransportClosed, op)
	}

	if t.state.ToFaulted() {
		t.logger.Debug("transport faulted", "op", op, "error", err)
	}

	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: remote closed the connection", robot.ErrTransportClosed, op)
	}

	return fmt.Errorf("%w: %s: %w", robot.ErrTransportClosed, op, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
