package codec

import (
	"bytes"
	"unicode/utf8"

	"github.com/arloliu/go-robolink/robot"
)

// maxLineLength bounds a line based frame; longer input is dropped as malformed.
const maxLineLength = 16 * 1024

// checkLine fails with robot.ErrEncode when frame is longer than a decoder accepts.
func checkLine(brand robot.Brand, frame []byte) ([]byte, error) {
	if len(frame) > maxLineLength {
		return nil, encodeErr(brand, "frame of %d bytes exceeds %d", len(frame), maxLineLength)
	}

	return frame, nil
}

// checkText reports whether p is valid UTF-8 without control characters (tab allowed)
// and without any byte of forbidden.
func checkText(p []byte, forbidden string) bool {
	if !utf8.Valid(p) {
		return false
	}

	for _, b := range p {
		if (b < 0x20 && b != '\t') || b == 0x7f {
			return false
		}
	}

	return !bytes.ContainsAny(p, forbidden)
}

// nextLine returns the line at the front of data without its terminator, and the number of
// bytes including the terminator. It returns n == 0 when no full line is buffered yet.
func nextLine(data []byte) (line []byte, n int) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, 0
	}

	return bytes.TrimRight(data[:idx], "\r"), idx + 1
}
