package influxsink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/robot"
	"github.com/arloliu/go-robolink/sink"
)

// Measurement is the measurement telemetry points are written to.
const Measurement = "robot_telemetry"

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
)

// ErrConnectionFailed is returned when the server cannot be reached or is unhealthy.
var ErrConnectionFailed = errors.New("influxdb connection failed")

// Config configures the InfluxDB sink.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval time.Duration
}

// pointWriter is the part of the non-blocking api.WriteAPI used by the sink.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Sink writes telemetry events as points. Events of other kinds are skipped.
//
// Every point carries the tags device_id and kind and the fields payload and size. Numeric
// key=value pairs in the payload, e.g. "A1=10.5,A2=-3", become additional float fields.
type Sink struct {
	writer pointWriter
	close  func()
	logger logger.Logger
}

var _ sink.Sink = (*Sink)(nil)

// Dial connects to the server, verifies its health and returns the sink.
// Asynchronous write failures are logged.
func Dial(ctx context.Context, cfg Config, l logger.Logger) (*Sink, error) {
	if l == nil {
		l = logger.GetLogger()
	}
	l = l.With("sink", "influxdb", "url", cfg.URL)

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flush.Milliseconds())),
	)

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			l.Warn("influxdb write failed", "error", err)
		}
	}()

	s := newSink(writeAPI, l)
	s.close = client.Close

	return s, nil
}

func newSink(w pointWriter, l logger.Logger) *Sink {
	return &Sink{writer: w, logger: l}
}

func (s *Sink) Name() string { return "influxdb" }

func (s *Sink) Write(ctx context.Context, ev robot.Event) error {
	if ev.Kind != robot.EventTelemetry {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writer.WritePoint(NewPoint(ev))

	return nil
}

// Close flushes buffered points and closes the client.
func (s *Sink) Close() error {
	s.writer.Flush()
	if s.close != nil {
		s.close()
	}

	return nil
}

// NewPoint converts a telemetry event to a point.
func NewPoint(ev robot.Event) *write.Point {
	fields := map[string]any{
		"payload": string(ev.Payload),
		"size":    len(ev.Payload),
	}
	for k, v := range numericFields(string(ev.Payload)) {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}

	ts := ev.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	return write.NewPoint(Measurement,
		map[string]string{
			"device_id": ev.DeviceID,
			"kind":      ev.Kind.String(),
		},
		fields,
		ts,
	)
}

func numericFields(payload string) map[string]float64 {
	out := map[string]float64{}
	tokens := strings.FieldsFunc(payload, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	for _, tok := range tokens {
		k, v, ok := strings.Cut(tok, "=")
		if !ok || k == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out[strings.ToLower(k)] = f
	}

	return out
}
