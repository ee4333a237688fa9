// Package robot defines the data model shared by the go-robolink packages: device identity,
// commands, inbound events, command outcomes and the error taxonomy.
//
// A Device describes one controller (KUKA, ABB, FANUC, CNC, RoboDK or a custom brand) and its
// network address. A Command is an opaque payload addressed to a device and tagged with a
// correlation ID; the device acknowledges it with an Event carrying the same correlation ID.
// The caller observes the result through a Future that resolves to an Outcome.
//
// Errors are grouped in four categories, ErrConnection, ErrProtocol, ErrCommand and
// ErrManagement. Every specific error wraps its category, so both of the following hold:
//
//	errors.Is(err, robot.ErrCommandTimeout)
//	errors.Is(err, robot.ErrCommand)
package robot
