// Package codec translates commands and events to and from brand specific wire bytes.
//
// A Codec is stateless: Encode turns a robot.Command into one frame, and Decode extracts at
// most one event from the front of a byte buffer, reporting how many bytes it consumed.
// The stateful part of reading a stream (buffering partial frames and skipping malformed
// ones) lives in Decoder, one per connection.
//
// Built-in codecs:
//
//   - KUKA: one XML element per line, EthernetKRL style.
//   - ABB: '#' and '$' delimited frames with colon separated fields, RAPID socket style.
//   - FANUC: binary frames with magic bytes, lengths and an XOR checksum.
//   - CNC: G-code lines carrying the correlation ID in an "(id:...)" comment, Grbl style.
//   - RoboDK: CBOR maps behind a 4-byte big-endian length prefix.
//
// Controllers acknowledge a command by echoing its frame, so decoding an encoded command
// yields an ack event with the same correlation ID. Explicit ack, error and telemetry frames
// are produced with EncodeEvent.
package codec
