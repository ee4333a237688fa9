package robot

import "errors"

// Error categories. Every specific error below wraps exactly one of them.
var (
	// ErrConnection groups failures of the link to a device.
	ErrConnection = errors.New("connection error")
	// ErrProtocol groups wire-format failures.
	ErrProtocol = errors.New("protocol error")
	// ErrCommand groups failures of an individual command.
	ErrCommand = errors.New("command error")
	// ErrManagement groups device registration and lookup failures.
	ErrManagement = errors.New("management error")
)

var (
	// ErrConnectTimeout indicates that the device did not accept the connection in time.
	ErrConnectTimeout = newCategorized(ErrConnection, "connect timeout")
	// ErrConnectRefused indicates that the device refused or could not be reached.
	ErrConnectRefused = newCategorized(ErrConnection, "connect refused")
	// ErrTransportClosed indicates an I/O attempt on a transport that is not connected,
	// or a read that hit EOF.
	ErrTransportClosed = newCategorized(ErrConnection, "transport closed")
	// ErrConnectionBusy indicates that no command slot is free on the connection.
	ErrConnectionBusy = newCategorized(ErrConnection, "connection busy")
	// ErrNotConnected indicates a send to a device that is not connected.
	ErrNotConnected = newCategorized(ErrConnection, "not connected")
)

var (
	// ErrEncode indicates that a command payload cannot be encoded by the brand codec.
	ErrEncode = newCategorized(ErrProtocol, "encode error")
	// ErrDecode indicates malformed inbound bytes. The stream resynchronizes after it.
	ErrDecode = newCategorized(ErrProtocol, "decode error")
	// ErrUnknownBrand indicates that no codec is registered for a brand.
	ErrUnknownBrand = newCategorized(ErrProtocol, "unknown brand")
	// ErrUnrecoverableStream indicates that a codec lost the frame boundary and the
	// connection must be reset.
	ErrUnrecoverableStream = newCategorized(ErrProtocol, "unrecoverable stream")
)

var (
	// ErrCommandTimeout indicates that no acknowledgement arrived within the ack timeout
	// and all retries were used.
	ErrCommandTimeout = newCategorized(ErrCommand, "command timeout")
	// ErrConnectionFailed indicates that the connection failed while the command was
	// outstanding, or that connecting failed after all attempts.
	ErrConnectionFailed = newCategorized(ErrCommand, "connection failed")
	// ErrConnectionClosing indicates that the connection was closed on purpose while the
	// command was outstanding.
	ErrConnectionClosing = newCategorized(ErrCommand, "connection closing")
	// ErrCommandRejected indicates that the device answered the command with an error event.
	ErrCommandRejected = newCategorized(ErrCommand, "command rejected")
)

var (
	// ErrDuplicateDevice indicates that a device with the same ID is already registered.
	ErrDuplicateDevice = newCategorized(ErrManagement, "duplicate device")
	// ErrUnknownDevice indicates that no device with the ID is registered.
	ErrUnknownDevice = newCategorized(ErrManagement, "unknown device")
	// ErrDuplicateBrand indicates that a codec is already registered for the brand.
	ErrDuplicateBrand = newCategorized(ErrManagement, "duplicate brand")
	// ErrInvalidDevice indicates invalid device registration fields.
	ErrInvalidDevice = newCategorized(ErrManagement, "invalid device")
)

// ErrInvalidTransition is returned when a state change is not allowed from the current state.
var ErrInvalidTransition = errors.New("invalid state transition")

type categorizedError struct {
	msg      string
	category error
}

func newCategorized(category error, msg string) error {
	return &categorizedError{msg: msg, category: category}
}

func (e *categorizedError) Error() string { return e.msg }

func (e *categorizedError) Unwrap() error { return e.category }

// Category returns the category of err, or nil when err belongs to none of them.
func Category(err error) error {
	for _, c := range []error{ErrConnection, ErrProtocol, ErrCommand, ErrManagement} {
		if errors.Is(err, c) {
			return c
		}
	}

	return nil
}
