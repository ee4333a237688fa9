package sink

import (
	"context"
	"encoding/base64"
	"errors"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/arloliu/go-robolink/eventq"
	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/robot"
)

const (
	// DefaultWriteTimeout bounds one Write of one sink.
	DefaultWriteTimeout = 5 * time.Second
	// MinWriteTimeout is the smallest accepted write timeout.
	MinWriteTimeout = 10 * time.Millisecond
	// MaxWriteTimeout is the largest accepted write timeout.
	MaxWriteTimeout = time.Minute
)

// ErrNoSinks is returned by NewPump without sinks.
var ErrNoSinks = errors.New("pump has no sinks")

// Sink forwards device events to an external system.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string
	// Write delivers ev. It must return once ctx is done.
	Write(ctx context.Context, ev robot.Event) error
	// Close flushes and releases the sink.
	Close() error
}

// Record is the serialized form of an event shared by the sinks.
type Record struct {
	DeviceID      string    `json:"device_id"`
	Kind          string    `json:"kind"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Unmatched     bool      `json:"unmatched,omitempty"`
	Payload       string    `json:"payload"`
	Binary        bool      `json:"binary,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// NewRecord converts ev. Payloads that are not valid UTF-8 are base64 encoded and flagged Binary.
func NewRecord(ev robot.Event) Record {
	r := Record{
		DeviceID:      ev.DeviceID,
		Kind:          ev.Kind.String(),
		CorrelationID: ev.CorrelationID,
		Unmatched:     ev.Unmatched,
		Payload:       string(ev.Payload),
		ReceivedAt:    ev.ReceivedAt,
	}
	if !utf8.Valid(ev.Payload) {
		r.Payload = base64.StdEncoding.EncodeToString(ev.Payload)
		r.Binary = true
	}

	return r
}

// Pump fans events out of an event queue to a set of sinks.
//
// Sink failures are logged and counted; they never stop the pump.
type Pump struct {
	sinks        []Sink
	writeTimeout time.Duration
	logger       logger.Logger

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewPump creates a pump over sinks.
func NewPump(sinks []Sink, opts ...Option) (*Pump, error) {
	if len(sinks) == 0 {
		return nil, ErrNoSinks
	}

	p := &Pump{
		sinks:        sinks,
		writeTimeout: DefaultWriteTimeout,
		logger:       logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "sink")

	return p, nil
}

// Run subscribes to q and delivers every event to all sinks in order.
// The returned channel is closed when ctx is done or q is closed and drained.
func (p *Pump) Run(ctx context.Context, q *eventq.Queue) <-chan struct{} {
	return q.Subscribe(ctx, func(ev robot.Event) {
		p.Deliver(ctx, ev)
	})
}

// Deliver writes ev to every sink.
func (p *Pump) Deliver(ctx context.Context, ev robot.Event) {
	for _, s := range p.sinks {
		wctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		err := s.Write(wctx, ev)
		cancel()

		if err != nil {
			p.failed.Add(1)
			p.logger.Warn("sink write failed",
				"sink", s.Name(),
				"device_id", ev.DeviceID,
				"kind", ev.Kind.String(),
				"error", err,
			)

			continue
		}
		p.delivered.Add(1)
	}
}

// Delivered returns the number of successful sink writes.
func (p *Pump) Delivered() uint64 { return p.delivered.Load() }

// Failed returns the number of failed sink writes.
func (p *Pump) Failed() uint64 { return p.failed.Load() }

// Close closes every sink and joins their errors.
func (p *Pump) Close() error {
	var errs []error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
