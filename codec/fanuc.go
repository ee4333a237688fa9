package codec

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/arloliu/go-robolink/robot"
)

const (
	fanucMagic0     byte = 0xFA
	fanucMagic1     byte = 0x4E
	fanucHeaderSize      = 6
	fanucFrameExtra      = fanucHeaderSize + 1 // header and checksum

	fanucTypeCmd byte = 0x01
	fanucTypeAck byte = 0x02
	fanucTypeErr byte = 0x03
	fanucTypeTel byte = 0x04
)

// FANUCCodec speaks a binary framing:
//
//	offset  size  field
//	0       2     magic 0xFA 0x4E
//	2       1     frame type (1 command, 2 ack, 3 error, 4 telemetry)
//	3       1     correlation id length
//	4       2     payload length, big-endian
//	6       n     correlation id
//	6+n     m     payload
//	6+n+m   1     XOR of the bytes from offset 2 up to the checksum
//
// A bad magic is resynchronized by scanning for the next 0xFA byte. A checksum mismatch
// drops the whole frame.
type FANUCCodec struct{}

var (
	_ Codec        = (*FANUCCodec)(nil)
	_ EventEncoder = (*FANUCCodec)(nil)
)

// NewFANUC creates the FANUC codec.
func NewFANUC() *FANUCCodec { return &FANUCCodec{} }

func (c *FANUCCodec) Brand() robot.Brand { return robot.FANUC }

func (c *FANUCCodec) MaxFrameSize() int {
	return fanucFrameExtra + math.MaxUint8 + math.MaxUint16
}

func (c *FANUCCodec) Encode(cmd robot.Command) ([]byte, error) {
	if cmd.CorrelationID == "" {
		return nil, encodeErr(robot.FANUC, "empty correlation id")
	}

	return c.encode(fanucTypeCmd, cmd.CorrelationID, cmd.Payload)
}

func (c *FANUCCodec) EncodeEvent(ev robot.Event) ([]byte, error) {
	switch ev.Kind {
	case robot.EventAck:
		return c.encode(fanucTypeAck, ev.CorrelationID, ev.Payload)
	case robot.EventError:
		return c.encode(fanucTypeErr, ev.CorrelationID, ev.Payload)
	case robot.EventTelemetry:
		return c.encode(fanucTypeTel, "", ev.Payload)
	default:
		return nil, encodeErr(robot.FANUC, "event kind %s has no wire form", ev.Kind)
	}
}

func (c *FANUCCodec) encode(typ byte, id string, payload []byte) ([]byte, error) {
	if len(id) > math.MaxUint8 {
		return nil, encodeErr(robot.FANUC, "correlation id longer than %d bytes", math.MaxUint8)
	}

	if len(payload) > math.MaxUint16 {
		return nil, encodeErr(robot.FANUC, "payload longer than %d bytes", math.MaxUint16)
	}

	buf := make([]byte, fanucHeaderSize, fanucFrameExtra+len(id)+len(payload))
	buf[0] = fanucMagic0
	buf[1] = fanucMagic1
	buf[2] = typ
	buf[3] = byte(len(id))
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(payload)))
	buf = append(buf, id...)
	buf = append(buf, payload...)
	buf = append(buf, fanucChecksum(buf[2:]))

	return buf, nil
}

func (c *FANUCCodec) Decode(data []byte) (*robot.Event, int, error) {
	if len(data) == 0 {
		return nil, 0, nil
	}

	if data[0] != fanucMagic0 {
		return nil, c.skipToMagic(data), decodeErr(robot.FANUC, "bad magic")
	}

	if len(data) < 2 {
		return nil, 0, nil
	}

	if data[1] != fanucMagic1 {
		return nil, c.skipToMagic(data), decodeErr(robot.FANUC, "bad magic")
	}

	if len(data) < fanucHeaderSize {
		return nil, 0, nil
	}

	typ := data[2]
	idLen := int(data[3])
	payloadLen := int(binary.BigEndian.Uint16(data[4:6]))
	total := fanucFrameExtra + idLen + payloadLen
	if len(data) < total {
		return nil, 0, nil
	}

	if fanucChecksum(data[2:total-1]) != data[total-1] {
		return nil, total, decodeErr(robot.FANUC, "checksum mismatch")
	}

	idEnd := fanucHeaderSize + idLen
	ev := &robot.Event{
		CorrelationID: string(data[fanucHeaderSize:idEnd]),
		Payload:       bytes.Clone(data[idEnd : idEnd+payloadLen]),
		ReceivedAt:    time.Now(),
	}

	switch typ {
	case fanucTypeCmd, fanucTypeAck:
		ev.Kind = robot.EventAck
	case fanucTypeErr:
		ev.Kind = robot.EventError
	case fanucTypeTel:
		ev.Kind = robot.EventTelemetry
		return ev, total, nil
	default:
		return nil, total, decodeErr(robot.FANUC, "unknown frame type 0x%02x", typ)
	}

	if ev.CorrelationID == "" {
		return nil, total, decodeErr(robot.FANUC, "frame type 0x%02x without id", typ)
	}

	return ev, total, nil
}

// skipToMagic returns how many bytes to drop so that data starts at the next magic candidate.
func (c *FANUCCodec) skipToMagic(data []byte) int {
	idx := bytes.IndexByte(data[1:], fanucMagic0)
	if idx < 0 {
		return len(data)
	}

	return idx + 1
}

func fanucChecksum(p []byte) byte {
	var sum byte
	for _, b := range p {
		sum ^= b
	}

	return sum
}
