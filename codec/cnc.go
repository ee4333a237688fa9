package codec

import (
	"bytes"
	"time"
	"unicode/utf8"

	"github.com/arloliu/go-robolink/robot"
)

const (
	cncIDPrefix    = " (id:"
	cncIDSuffix    = ")"
	cncAckWord     = "ok"
	cncErrorPrefix = "error:"
)

// CNCCodec speaks G-code lines in the style of Grbl, with the correlation ID carried in a
// trailing comment.
//
//	G01 X10 Y10 (id:ID)
//	ok (id:ID)
//	error:20 (id:ID)
//	<Idle|MPos:0.000,0.000,0.000>
//
// Controllers that answer with a plain "ok" or "error:N" produce uncorrelated events; any
// other line without an id comment, such as the startup banner, is reported as telemetry.
type CNCCodec struct{}

var (
	_ Codec        = (*CNCCodec)(nil)
	_ EventEncoder = (*CNCCodec)(nil)
)

// NewCNC creates the CNC codec.
func NewCNC() *CNCCodec { return &CNCCodec{} }

func (c *CNCCodec) Brand() robot.Brand { return robot.CNC }

func (c *CNCCodec) MaxFrameSize() int { return maxLineLength }

func (c *CNCCodec) Encode(cmd robot.Command) ([]byte, error) {
	if cmd.CorrelationID == "" {
		return nil, encodeErr(robot.CNC, "empty correlation id")
	}

	if len(bytes.TrimSpace(cmd.Payload)) == 0 {
		return nil, encodeErr(robot.CNC, "empty G-code block")
	}

	return c.encode(cmd.Payload, cmd.CorrelationID)
}

func (c *CNCCodec) EncodeEvent(ev robot.Event) ([]byte, error) {
	switch ev.Kind {
	case robot.EventAck:
		body := []byte(cncAckWord)
		if len(ev.Payload) > 0 {
			body = append(append(body, ' '), ev.Payload...)
		}

		return c.encode(body, ev.CorrelationID)

	case robot.EventError:
		return c.encode(append([]byte(cncErrorPrefix), ev.Payload...), ev.CorrelationID)

	case robot.EventTelemetry:
		if !checkText(ev.Payload, "<>") {
			return nil, encodeErr(robot.CNC, "telemetry must be printable text without '<' or '>'")
		}

		buf := make([]byte, 0, len(ev.Payload)+3)
		buf = append(buf, '<')
		buf = append(buf, ev.Payload...)

		return append(buf, '>', '\n'), nil

	default:
		return nil, encodeErr(robot.CNC, "event kind %s has no wire form", ev.Kind)
	}
}

func (c *CNCCodec) encode(body []byte, id string) ([]byte, error) {
	if !checkText(body, "") {
		return nil, encodeErr(robot.CNC, "payload is not printable text")
	}

	if !checkText([]byte(id), "()") {
		return nil, encodeErr(robot.CNC, "invalid correlation id %q", id)
	}

	buf := make([]byte, 0, len(body)+len(id)+len(cncIDPrefix)+2)
	buf = append(buf, body...)
	if id != "" {
		buf = append(buf, cncIDPrefix...)
		buf = append(buf, id...)
		buf = append(buf, cncIDSuffix...)
	}

	return checkLine(robot.CNC, append(buf, '\n'))
}

func (c *CNCCodec) Decode(data []byte) (*robot.Event, int, error) {
	line, n := nextLine(data)
	if n == 0 {
		if len(data) > maxLineLength {
			return nil, len(data), decodeErr(robot.CNC, "line exceeds %d bytes", maxLineLength)
		}

		return nil, 0, nil
	}

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, n, nil
	}

	if !utf8.Valid(line) {
		return nil, n, decodeErr(robot.CNC, "line is not valid UTF-8")
	}

	ev := &robot.Event{ReceivedAt: time.Now()}

	if line[0] == '<' && line[len(line)-1] == '>' {
		ev.Kind = robot.EventTelemetry
		ev.Payload = bytes.Clone(line[1 : len(line)-1])

		return ev, n, nil
	}

	body := line
	if idx := bytes.LastIndex(line, []byte(cncIDPrefix)); idx >= 0 && bytes.HasSuffix(line, []byte(cncIDSuffix)) {
		ev.CorrelationID = string(line[idx+len(cncIDPrefix) : len(line)-len(cncIDSuffix)])
		if ev.CorrelationID == "" {
			return nil, n, decodeErr(robot.CNC, "empty id comment")
		}
		body = line[:idx]
	}

	switch {
	case bytes.Equal(body, []byte(cncAckWord)):
		ev.Kind = robot.EventAck
	case bytes.HasPrefix(body, []byte(cncAckWord+" ")):
		ev.Kind = robot.EventAck
		ev.Payload = bytes.Clone(body[len(cncAckWord)+1:])
	case bytes.HasPrefix(body, []byte(cncErrorPrefix)):
		ev.Kind = robot.EventError
		ev.Payload = bytes.Clone(body[len(cncErrorPrefix):])
	case ev.CorrelationID != "":
		// echoed G-code block
		ev.Kind = robot.EventAck
		ev.Payload = bytes.Clone(body)
	default:
		ev.Kind = robot.EventTelemetry
		ev.Payload = bytes.Clone(body)
	}

	return ev, n, nil
}
