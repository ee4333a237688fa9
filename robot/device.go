package robot

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address is the network location of a device controller.
type Address struct {
	Host string
	Port int
}

// String returns the address in "host:port" form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Validate checks the host is non-empty and the port is in range [1, 65535].
func (a Address) Validate() error {
	if strings.TrimSpace(a.Host) == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidDevice)
	}

	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("%w: port %d is out of range [1, 65535]", ErrInvalidDevice, a.Port)
	}

	return nil
}

// Device describes one controller known to the manager.
//
// A Device is a value type; the manager keeps its own copy, so changing a Device after
// registration has no effect.
type Device struct {
	// ID uniquely identifies the device, e.g. "KUKA-1".
	ID string
	// Brand selects the codec used to talk to the device.
	Brand Brand
	// Address is where the controller listens.
	Address Address
	// Pipelining allows more than one outstanding command on the device connection.
	// Commands may then complete out of issue order.
	Pipelining bool
}

// Validate checks the device fields.
func (d Device) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidDevice)
	}

	if d.Brand == "" {
		return fmt.Errorf("%w: device %s has no brand", ErrInvalidDevice, d.ID)
	}

	if err := d.Address.Validate(); err != nil {
		return fmt.Errorf("device %s: %w", d.ID, err)
	}

	return nil
}

// String returns a short human readable description of the device.
func (d Device) String() string {
	return fmt.Sprintf("%s(%s@%s)", d.ID, d.Brand, d.Address)
}
