package robot

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Command is an opaque payload addressed to one device.
//
// Commands are immutable values; the payload is copied on creation.
type Command struct {
	DeviceID      string
	Payload       []byte
	CorrelationID string
	IssuedAt      time.Time
}

// NewCommand creates a command for the device with a fresh UUID correlation ID.
func NewCommand(deviceID string, payload []byte) Command {
	return Command{
		DeviceID:      deviceID,
		Payload:       bytes.Clone(payload),
		CorrelationID: uuid.NewString(),
		IssuedAt:      time.Now(),
	}
}

// EventKind classifies an inbound device event.
type EventKind uint8

const (
	// EventAck acknowledges a command.
	EventAck EventKind = iota
	// EventError reports that the device rejected or failed a command.
	EventError
	// EventTelemetry is an unsolicited status report from the device.
	EventTelemetry
	// EventDisconnected is produced locally when a device connection goes away.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventAck:
		return "ack"
	case EventError:
		return "error"
	case EventTelemetry:
		return "telemetry"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a decoded message from a device, or a locally produced disconnect notice.
type Event struct {
	DeviceID      string
	Kind          EventKind
	CorrelationID string
	Payload       []byte
	ReceivedAt    time.Time
	// Unmatched is set when the event carries a correlation ID that no outstanding
	// command is waiting for, e.g. the ack of a cancelled or timed out command.
	Unmatched bool
}

// Outcome is the final result of a command.
type Outcome struct {
	CorrelationID string
	Payload       []byte
	Err           error
	CompletedAt   time.Time
}

// Ok reports whether the command succeeded.
func (o Outcome) Ok() bool { return o.Err == nil }
