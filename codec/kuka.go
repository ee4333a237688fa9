package codec

import (
	"bytes"
	"encoding/xml"
	"time"

	"github.com/arloliu/go-robolink/robot"
)

const (
	kukaCmdElem = "Cmd"
	kukaAckElem = "Ack"
	kukaErrElem = "Err"
	kukaTelElem = "Tel"
)

type kukaFrame struct {
	XMLName xml.Name
	ID      string `xml:"id,attr,omitempty"`
	Body    string `xml:",chardata"`
}

// KUKACodec speaks line based XML in the style of KUKA EthernetKRL.
//
//	<Cmd id="ID">PTP 10,20,30</Cmd>
//	<Ack id="ID">done</Ack>
//	<Err id="ID">axis limit</Err>
//	<Tel>A1=10.0</Tel>
type KUKACodec struct{}

var (
	_ Codec        = (*KUKACodec)(nil)
	_ EventEncoder = (*KUKACodec)(nil)
)

// NewKUKA creates the KUKA codec.
func NewKUKA() *KUKACodec { return &KUKACodec{} }

func (c *KUKACodec) Brand() robot.Brand { return robot.KUKA }

func (c *KUKACodec) MaxFrameSize() int { return maxLineLength }

func (c *KUKACodec) Encode(cmd robot.Command) ([]byte, error) {
	if cmd.CorrelationID == "" {
		return nil, encodeErr(robot.KUKA, "empty correlation id")
	}

	return c.encode(kukaCmdElem, cmd.CorrelationID, cmd.Payload)
}

func (c *KUKACodec) EncodeEvent(ev robot.Event) ([]byte, error) {
	switch ev.Kind {
	case robot.EventAck:
		return c.encode(kukaAckElem, ev.CorrelationID, ev.Payload)
	case robot.EventError:
		return c.encode(kukaErrElem, ev.CorrelationID, ev.Payload)
	case robot.EventTelemetry:
		return c.encode(kukaTelElem, "", ev.Payload)
	default:
		return nil, encodeErr(robot.KUKA, "event kind %s has no wire form", ev.Kind)
	}
}

func (c *KUKACodec) encode(elem string, id string, payload []byte) ([]byte, error) {
	if !checkText(payload, "") {
		return nil, encodeErr(robot.KUKA, "payload is not printable text")
	}

	frame := kukaFrame{XMLName: xml.Name{Local: elem}, ID: id, Body: string(payload)}
	buf, err := xml.Marshal(frame)
	if err != nil {
		return nil, encodeErr(robot.KUKA, "%v", err)
	}

	return checkLine(robot.KUKA, append(buf, '\n'))
}

func (c *KUKACodec) Decode(data []byte) (*robot.Event, int, error) {
	line, n := nextLine(data)
	if n == 0 {
		if len(data) > maxLineLength {
			return nil, len(data), decodeErr(robot.KUKA, "line exceeds %d bytes", maxLineLength)
		}

		return nil, 0, nil
	}

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, n, nil
	}

	var frame kukaFrame
	if err := xml.Unmarshal(line, &frame); err != nil {
		return nil, n, decodeErr(robot.KUKA, "malformed element: %v", err)
	}

	ev := &robot.Event{
		CorrelationID: frame.ID,
		Payload:       []byte(frame.Body),
		ReceivedAt:    time.Now(),
	}

	switch frame.XMLName.Local {
	case kukaCmdElem, kukaAckElem:
		ev.Kind = robot.EventAck
	case kukaErrElem:
		ev.Kind = robot.EventError
	case kukaTelElem:
		ev.Kind = robot.EventTelemetry
		return ev, n, nil
	default:
		return nil, n, decodeErr(robot.KUKA, "unknown element <%s>", frame.XMLName.Local)
	}

	if ev.CorrelationID == "" {
		return nil, n, decodeErr(robot.KUKA, "<%s> without id", frame.XMLName.Local)
	}

	return ev, n, nil
}
