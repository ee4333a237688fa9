package sink

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-robolink/logger"
)

// ErrOptionNil is returned when an option is applied to a nil pump.
var ErrOptionNil = errors.New("pump is nil")

// Option configures a Pump.
type Option interface {
	apply(*Pump) error
}

type optFunc struct {
	name      string
	applyFunc func(*Pump) error
}

func (o *optFunc) apply(p *Pump) error { return o.applyFunc(p) }

func newOptFunc(name string, f func(*Pump) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithWriteTimeout bounds each sink write, between MinWriteTimeout and MaxWriteTimeout.
//
// The default value is DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return newOptFunc("WithWriteTimeout", func(p *Pump) error {
		if p == nil {
			return ErrOptionNil
		}

		if d < MinWriteTimeout || d > MaxWriteTimeout {
			return fmt.Errorf("write timeout out of range [%s, %s]", MinWriteTimeout, MaxWriteTimeout)
		}
		p.writeTimeout = d

		return nil
	})
}

// WithLogger sets the logger of the pump.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(p *Pump) error {
		if p == nil {
			return ErrOptionNil
		}

		if l == nil {
			return errors.New("logger is nil")
		}
		p.logger = l

		return nil
	})
}
