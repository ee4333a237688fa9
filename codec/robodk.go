package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/arloliu/go-robolink/robot"
)

const (
	robodkLenSize = 4
	// RoboDKMaxFrameSize is the largest CBOR body accepted behind a length prefix.
	RoboDKMaxFrameSize = 1 << 20

	robodkKindCmd uint8 = 0
	robodkKindAck uint8 = 1
	robodkKindErr uint8 = 2
	robodkKindTel uint8 = 3
)

type robodkFrame struct {
	Kind    uint8  `cbor:"1,keyasint"`
	ID      string `cbor:"2,keyasint,omitempty"`
	Payload []byte `cbor:"3,keyasint,omitempty"`
	Time    int64  `cbor:"4,keyasint,omitempty"` // unix milliseconds
}

var (
	robodkEncMode cbor.EncMode
	robodkDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}
	robodkEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create RoboDK CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}
	robodkDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create RoboDK CBOR decoder mode: %v", err))
	}
}

// RoboDKCodec speaks CBOR maps with integer keys behind a 4-byte big-endian length prefix.
//
// Payloads are arbitrary bytes. A length prefix of zero or above RoboDKMaxFrameSize means the
// frame boundary is lost, which is reported as robot.ErrUnrecoverableStream. A body that
// fails to unmarshal is skipped using its length prefix.
type RoboDKCodec struct{}

var (
	_ Codec        = (*RoboDKCodec)(nil)
	_ EventEncoder = (*RoboDKCodec)(nil)
)

// NewRoboDK creates the RoboDK codec.
func NewRoboDK() *RoboDKCodec { return &RoboDKCodec{} }

func (c *RoboDKCodec) Brand() robot.Brand { return robot.RoboDK }

func (c *RoboDKCodec) MaxFrameSize() int { return robodkLenSize + RoboDKMaxFrameSize }

func (c *RoboDKCodec) Encode(cmd robot.Command) ([]byte, error) {
	if cmd.CorrelationID == "" {
		return nil, encodeErr(robot.RoboDK, "empty correlation id")
	}

	var issued int64
	if !cmd.IssuedAt.IsZero() {
		issued = cmd.IssuedAt.UnixMilli()
	}

	return c.encode(robodkFrame{Kind: robodkKindCmd, ID: cmd.CorrelationID, Payload: cmd.Payload, Time: issued})
}

func (c *RoboDKCodec) EncodeEvent(ev robot.Event) ([]byte, error) {
	frame := robodkFrame{ID: ev.CorrelationID, Payload: ev.Payload}
	switch ev.Kind {
	case robot.EventAck:
		frame.Kind = robodkKindAck
	case robot.EventError:
		frame.Kind = robodkKindErr
	case robot.EventTelemetry:
		frame.Kind = robodkKindTel
		frame.ID = ""
	default:
		return nil, encodeErr(robot.RoboDK, "event kind %s has no wire form", ev.Kind)
	}

	if !ev.ReceivedAt.IsZero() {
		frame.Time = ev.ReceivedAt.UnixMilli()
	}

	return c.encode(frame)
}

func (c *RoboDKCodec) encode(frame robodkFrame) ([]byte, error) {
	body, err := robodkEncMode.Marshal(frame)
	if err != nil {
		return nil, encodeErr(robot.RoboDK, "%v", err)
	}

	if len(body) > RoboDKMaxFrameSize {
		return nil, encodeErr(robot.RoboDK, "frame of %d bytes exceeds %d", len(body), RoboDKMaxFrameSize)
	}

	buf := make([]byte, robodkLenSize, robodkLenSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))

	return append(buf, body...), nil
}

func (c *RoboDKCodec) Decode(data []byte) (*robot.Event, int, error) {
	if len(data) < robodkLenSize {
		return nil, 0, nil
	}

	size := binary.BigEndian.Uint32(data[:robodkLenSize])
	if size == 0 || size > RoboDKMaxFrameSize {
		return nil, 0, fmt.Errorf("%w: %s: invalid length prefix %d", robot.ErrUnrecoverableStream, robot.RoboDK, size)
	}

	total := robodkLenSize + int(size)
	if len(data) < total {
		return nil, 0, nil
	}

	var frame robodkFrame
	if err := robodkDecMode.Unmarshal(data[robodkLenSize:total], &frame); err != nil {
		return nil, total, decodeErr(robot.RoboDK, "%v", err)
	}

	ev := &robot.Event{
		CorrelationID: frame.ID,
		Payload:       frame.Payload,
		ReceivedAt:    time.Now(),
	}

	switch frame.Kind {
	case robodkKindCmd, robodkKindAck:
		ev.Kind = robot.EventAck
	case robodkKindErr:
		ev.Kind = robot.EventError
	case robodkKindTel:
		ev.Kind = robot.EventTelemetry
		return ev, total, nil
	default:
		return nil, total, decodeErr(robot.RoboDK, "unknown frame kind %d", frame.Kind)
	}

	if ev.CorrelationID == "" {
		return nil, total, decodeErr(robot.RoboDK, "frame kind %d without id", frame.Kind)
	}

	return ev, total, nil
}
