package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-robolink/codec"
	"github.com/arloliu/go-robolink/logger"
)

func TestConnectionConfigDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConnectionConfig()
	require.NoError(err)
	require.Equal(3*time.Second, cfg.connectTimeout)
	require.Equal(3, cfg.maxConnectAttempts)
	require.Equal(5*time.Second, cfg.AckTimeout())
	require.Zero(cfg.CommandRetries())
	require.Equal(8, cfg.maxInFlight)
	require.True(cfg.AutoReconnect())
	require.Zero(cfg.maxReconnectAttempts)
	require.Equal(100*time.Millisecond, cfg.initialRetryDelay)
	require.Equal(10*time.Second, cfg.maxRetryDelay)
	require.InDelta(2.0, cfg.retryMultiplier, 0.001)
	require.Equal(3*time.Second, cfg.closeTimeout)
	require.Equal(codec.DefaultMaxBuffered, cfg.maxBufferedBytes)
	require.NotNil(cfg.logger)
}

func TestConnectionConfigOptions(t *testing.T) {
	require := require.New(t)

	l := logger.NewMockLogger()
	cfg, err := NewConnectionConfig(
		WithConnectTimeout(time.Second),
		WithMaxConnectAttempts(5),
		WithAckTimeout(500*time.Millisecond),
		WithCommandRetries(2),
		WithMaxInFlight(4),
		WithAutoReconnect(false),
		WithMaxReconnectAttempts(10),
		WithBackoff(50*time.Millisecond, 5*time.Second, 1.5),
		WithBackoffJitter(0.2),
		WithCloseTimeout(time.Second),
		WithMaxBufferedBytes(4096),
		WithLogger(l),
	)
	require.NoError(err)
	require.Equal(time.Second, cfg.connectTimeout)
	require.Equal(5, cfg.maxConnectAttempts)
	require.Equal(500*time.Millisecond, cfg.AckTimeout())
	require.Equal(2, cfg.CommandRetries())
	require.Equal(4, cfg.maxInFlight)
	require.False(cfg.AutoReconnect())
	require.Equal(10, cfg.maxReconnectAttempts)
	require.Equal(50*time.Millisecond, cfg.initialRetryDelay)
	require.Equal(5*time.Second, cfg.maxRetryDelay)
	require.InDelta(0.2, cfg.retryJitter, 0.001)
	require.Equal(4096, cfg.maxBufferedBytes)
	require.Same(l, cfg.logger)
}

func TestConnectionConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		opt  ConnOption
	}{
		{"connect timeout too short", WithConnectTimeout(time.Millisecond)},
		{"connect attempts zero", WithMaxConnectAttempts(0)},
		{"ack timeout too long", WithAckTimeout(time.Hour)},
		{"negative retries", WithCommandRetries(-1)},
		{"in-flight too large", WithMaxInFlight(1000)},
		{"negative reconnect attempts", WithMaxReconnectAttempts(-1)},
		{"multiplier below one", WithBackoff(time.Second, time.Second, 0.5)},
		{"jitter above one", WithBackoffJitter(1.5)},
		{"close timeout too long", WithCloseTimeout(time.Hour)},
		{"buffer too small", WithMaxBufferedBytes(10)},
		{"nil handler", WithStateChangeHandler(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConnectionConfig(tt.opt)
			require.Error(t, err)
		})
	}

	_, err := NewConnectionConfig(WithBackoff(time.Second, 500*time.Millisecond, 2))
	require.Error(t, err)

	require.ErrorIs(t, WithAckTimeout(time.Second).apply(nil), ErrConnConfigNil)
}

func TestConnectionConfigUpdate(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConnectionConfig()
	require.NoError(err)

	require.NoError(cfg.Update(WithAckTimeout(time.Second), WithCommandRetries(3), WithAutoReconnect(false)))
	require.Equal(time.Second, cfg.AckTimeout())
	require.Equal(3, cfg.CommandRetries())
	require.False(cfg.AutoReconnect())

	require.Error(cfg.Update(WithMaxInFlight(2)))
	require.Equal(8, cfg.maxInFlight)
}

func TestBackoff(t *testing.T) {
	require := require.New(t)

	b := newBackoff(100*time.Millisecond, time.Second, 2, 0)
	require.Equal(100*time.Millisecond, b.Next())
	require.Equal(200*time.Millisecond, b.Next())
	require.Equal(400*time.Millisecond, b.Next())
	require.Equal(800*time.Millisecond, b.Next())
	require.Equal(time.Second, b.Next())
	require.Equal(time.Second, b.Next())
	require.Equal(6, b.Attempts())

	b.Reset()
	require.Zero(b.Attempts())
	require.Equal(100*time.Millisecond, b.Next())

	jittered := newBackoff(time.Second, time.Second, 2, 0.5)
	for i := 0; i < 20; i++ {
		d := jittered.Next()
		require.GreaterOrEqual(d, 500*time.Millisecond)
		require.LessOrEqual(d, 1500*time.Millisecond)
	}
}
