package eventq

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arloliu/go-robolink/logger"
)

const (
	// DefaultCapacity is the default number of buffered events.
	DefaultCapacity = 1024
	// MaxCapacity is the largest accepted capacity.
	MaxCapacity = 1 << 20
)

// OverflowPolicy selects what Push does when the queue is full.
type OverflowPolicy int

const (
	// DropOldest discards the oldest buffered event to make room. Drops are counted.
	DropOldest OverflowPolicy = iota
	// Block makes Push wait for room or for its context to be done.
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy converts "drop-oldest" or "block" to an OverflowPolicy.
func ParseOverflowPolicy(name string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "drop-oldest", "drop_oldest", "":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q", name)
	}
}

// ErrOptionNil is returned when an option is applied to a nil queue.
var ErrOptionNil = errors.New("event queue is nil")

// Option configures a Queue.
type Option interface {
	apply(*Queue) error
}

type optFunc struct {
	name      string
	applyFunc func(*Queue) error
}

func (o *optFunc) apply(q *Queue) error { return o.applyFunc(q) }

func newOptFunc(name string, f func(*Queue) error) *optFunc {
	return &optFunc{name: name, applyFunc: f}
}

// WithCapacity sets the number of buffered events, between 1 and MaxCapacity.
//
// The default value is DefaultCapacity.
func WithCapacity(n int) Option {
	return newOptFunc("WithCapacity", func(q *Queue) error {
		if q == nil {
			return ErrOptionNil
		}

		if n < 1 || n > MaxCapacity {
			return fmt.Errorf("capacity out of range [1, %d]", MaxCapacity)
		}
		q.capacity = n

		return nil
	})
}

// WithOverflow sets the overflow policy.
//
// The default policy is DropOldest.
func WithOverflow(p OverflowPolicy) Option {
	return newOptFunc("WithOverflow", func(q *Queue) error {
		if q == nil {
			return ErrOptionNil
		}

		if p != DropOldest && p != Block {
			return fmt.Errorf("invalid overflow policy %d", p)
		}
		q.overflow = p

		return nil
	})
}

// WithLogger sets the logger of the queue.
func WithLogger(l logger.Logger) Option {
	return newOptFunc("WithLogger", func(q *Queue) error {
		if q == nil {
			return ErrOptionNil
		}

		q.logger = l

		return nil
	})
}
