package codec

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-robolink/robot"
)

// DefaultMaxBuffered is the default limit of bytes a Decoder holds without finding a frame.
const DefaultMaxBuffered = 64 * 1024

// Decoder turns a byte stream into events using a Codec.
//
// It keeps incomplete frames between reads and skips malformed bytes as the codec instructs.
// A Decoder is owned by a single reader goroutine and is not safe for concurrent use.
type Decoder struct {
	codec       Codec
	buf         []byte
	maxBuffered int
}

// NewDecoder creates a stream decoder for codec.
//
// maxBuffered <= 0 selects DefaultMaxBuffered. The limit is raised to the frame size of a
// FrameSizer codec, so every frame the codec encodes can be decoded back.
func NewDecoder(codec Codec, maxBuffered int) *Decoder {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	if fs, ok := codec.(FrameSizer); ok && fs.MaxFrameSize() > maxBuffered {
		maxBuffered = fs.MaxFrameSize()
	}

	return &Decoder{
		codec:       codec,
		buf:         make([]byte, 0, 4096),
		maxBuffered: maxBuffered,
	}
}

// Feed appends bytes read from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete event in the buffer.
//
// It returns (nil, nil) when more bytes are needed. An error wrapping robot.ErrDecode means a
// malformed frame was dropped; call Next again to continue with the following bytes. An error
// wrapping robot.ErrUnrecoverableStream is permanent and the buffer is discarded.
func (d *Decoder) Next() (*robot.Event, error) {
	for len(d.buf) > 0 {
		ev, n, err := d.codec.Decode(d.buf)
		if err != nil {
			if n <= 0 || errors.Is(err, robot.ErrUnrecoverableStream) {
				d.Reset()
				if errors.Is(err, robot.ErrUnrecoverableStream) {
					return nil, err
				}

				return nil, fmt.Errorf("%w: %w", robot.ErrUnrecoverableStream, err)
			}

			d.consume(n)

			return nil, err
		}

		if n == 0 {
			if len(d.buf) > d.maxBuffered {
				size := len(d.buf)
				d.Reset()

				return nil, fmt.Errorf("%w: %s: %d bytes buffered without a complete frame",
					robot.ErrUnrecoverableStream, d.codec.Brand(), size)
			}

			return nil, nil
		}

		d.consume(n)
		if ev != nil {
			return ev, nil
		}
	}

	return nil, nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset drops all buffered bytes.
func (d *Decoder) Reset() { d.buf = d.buf[:0] }

func (d *Decoder) consume(n int) {
	if n >= len(d.buf) {
		d.buf = d.buf[:0]
		return
	}
	d.buf = append(d.buf[:0], d.buf[n:]...)
}
