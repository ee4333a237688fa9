package codec

import (
	"bytes"
	"time"

	"github.com/arloliu/go-robolink/robot"
)

const (
	abbFrameStart = '#'
	abbFrameEnd   = '$'
	abbFieldSep   = ":"

	abbKindCmd = "C"
	abbKindAck = "A"
	abbKindErr = "E"
	abbKindTel = "T"
)

// ABBCodec speaks delimited text frames in the style of RAPID socket messaging.
//
//	#C:ID:MoveJ A,B,C$
//	#A:ID:done$
//	#E:ID:41617 too intense frequency$
//	#T::tcp=100,200,300$
//
// Bytes outside of '#'...'$' other than whitespace are reported as malformed and skipped.
type ABBCodec struct{}

var (
	_ Codec        = (*ABBCodec)(nil)
	_ EventEncoder = (*ABBCodec)(nil)
)

// NewABB creates the ABB codec.
func NewABB() *ABBCodec { return &ABBCodec{} }

func (c *ABBCodec) Brand() robot.Brand { return robot.ABB }

func (c *ABBCodec) MaxFrameSize() int { return maxLineLength }

func (c *ABBCodec) Encode(cmd robot.Command) ([]byte, error) {
	if cmd.CorrelationID == "" {
		return nil, encodeErr(robot.ABB, "empty correlation id")
	}

	return c.encode(abbKindCmd, cmd.CorrelationID, cmd.Payload)
}

func (c *ABBCodec) EncodeEvent(ev robot.Event) ([]byte, error) {
	switch ev.Kind {
	case robot.EventAck:
		return c.encode(abbKindAck, ev.CorrelationID, ev.Payload)
	case robot.EventError:
		return c.encode(abbKindErr, ev.CorrelationID, ev.Payload)
	case robot.EventTelemetry:
		return c.encode(abbKindTel, "", ev.Payload)
	default:
		return nil, encodeErr(robot.ABB, "event kind %s has no wire form", ev.Kind)
	}
}

func (c *ABBCodec) encode(kind string, id string, payload []byte) ([]byte, error) {
	if !checkText(payload, "#$") {
		return nil, encodeErr(robot.ABB, "payload must be printable text without '#' or '$'")
	}

	if !checkText([]byte(id), "#$:") {
		return nil, encodeErr(robot.ABB, "invalid correlation id %q", id)
	}

	buf := make([]byte, 0, len(id)+len(payload)+6)
	buf = append(buf, abbFrameStart)
	buf = append(buf, kind...)
	buf = append(buf, abbFieldSep...)
	buf = append(buf, id...)
	buf = append(buf, abbFieldSep...)
	buf = append(buf, payload...)
	buf = append(buf, abbFrameEnd)

	return checkLine(robot.ABB, buf)
}

func (c *ABBCodec) Decode(data []byte) (*robot.Event, int, error) {
	start := bytes.IndexByte(data, abbFrameStart)
	if start < 0 {
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, len(data), nil
		}

		return nil, len(data), decodeErr(robot.ABB, "%d bytes outside of a frame", len(data))
	}

	if start > 0 {
		if len(bytes.TrimSpace(data[:start])) == 0 {
			return nil, start, nil
		}

		return nil, start, decodeErr(robot.ABB, "%d bytes outside of a frame", start)
	}

	end := bytes.IndexByte(data[1:], abbFrameEnd)
	next := bytes.IndexByte(data[1:], abbFrameStart)

	if end < 0 {
		if next >= 0 {
			return nil, next + 1, decodeErr(robot.ABB, "truncated frame")
		}

		if len(data) > maxLineLength {
			return nil, len(data), decodeErr(robot.ABB, "frame exceeds %d bytes", maxLineLength)
		}

		return nil, 0, nil
	}

	if next >= 0 && next < end {
		return nil, next + 1, decodeErr(robot.ABB, "truncated frame")
	}

	n := end + 2
	fields := bytes.SplitN(data[1:end+1], []byte(abbFieldSep), 3)
	if len(fields) != 3 {
		return nil, n, decodeErr(robot.ABB, "expected 3 fields, got %d", len(fields))
	}

	ev := &robot.Event{
		CorrelationID: string(fields[1]),
		Payload:       bytes.Clone(fields[2]),
		ReceivedAt:    time.Now(),
	}

	switch string(fields[0]) {
	case abbKindCmd, abbKindAck:
		ev.Kind = robot.EventAck
	case abbKindErr:
		ev.Kind = robot.EventError
	case abbKindTel:
		ev.Kind = robot.EventTelemetry
		return ev, n, nil
	default:
		return nil, n, decodeErr(robot.ABB, "unknown frame kind %q", fields[0])
	}

	if ev.CorrelationID == "" {
		return nil, n, decodeErr(robot.ABB, "frame kind %s without id", fields[0])
	}

	return ev, n, nil
}
