package redissink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/robot"
	"github.com/arloliu/go-robolink/sink"
)

// DefaultMaxLen is the approximate stream length kept when Config.MaxLen is zero.
const DefaultMaxLen = 10000

// ErrStreamRequired is returned for an empty stream name.
var ErrStreamRequired = errors.New("redis stream name is required")

// Config configures the redis stream sink.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// streamClient is the part of redis.Cmdable used by the sink.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Sink appends every event to a redis stream with XADD, trimming it to about MaxLen entries.
type Sink struct {
	client streamClient
	stream string
	maxLen int64
	logger logger.Logger
}

var _ sink.Sink = (*Sink)(nil)

// Dial connects to redis, checks the connection with PING and returns the sink.
func Dial(ctx context.Context, cfg Config, l logger.Logger) (*Sink, error) {
	if cfg.Stream == "" {
		return nil, ErrStreamRequired
	}
	if l == nil {
		l = logger.GetLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return newSink(client, cfg, l.With("sink", "redis", "addr", cfg.Addr)), nil
}

func newSink(client streamClient, cfg Config, l logger.Logger) *Sink {
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}

	return &Sink{client: client, stream: cfg.Stream, maxLen: maxLen, logger: l}
}

func (s *Sink) Name() string { return "redis" }

func (s *Sink) Write(ctx context.Context, ev robot.Event) error {
	rec := sink.NewRecord(ev)
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"device":         rec.DeviceID,
			"kind":           rec.Kind,
			"correlation_id": rec.CorrelationID,
			"unmatched":      strconv.FormatBool(rec.Unmatched),
			"binary":         strconv.FormatBool(rec.Binary),
			"payload":        rec.Payload,
			"received_at":    rec.ReceivedAt.Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}

	s.logger.Debug("event appended", "stream", s.stream, "id", id, "device_id", ev.DeviceID)

	return nil
}

func (s *Sink) Close() error {
	return s.client.Close()
}
