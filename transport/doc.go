// Package transport provides the byte level link between a connection and a device controller.
//
// A Transport owns exactly one socket. Its lifecycle is
//
//	Disconnected -> Connecting -> Connected -> Closing -> Disconnected
//
// with Faulted reachable from Connecting and Connected when I/O fails. Close is idempotent
// and always ends in Disconnected, so a faulted transport is recovered by closing it.
//
// TCP is the production implementation. Tests and simulators replace the network with
// WithDialFunc, for example with one end of a net.Pipe.
package transport
