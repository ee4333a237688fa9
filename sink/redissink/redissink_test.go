package redissink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/robot"
)

type fakeClient struct {
	args   []*redis.XAddArgs
	err    error
	closed bool
}

func (c *fakeClient) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	c.args = append(c.args, a)
	return redis.NewStringResult("1-0", c.err)
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

func TestWrite(t *testing.T) {
	require := require.New(t)

	client := &fakeClient{}
	s := newSink(client, Config{Stream: "robolink:events"}, logger.GetLogger())
	require.Equal("redis", s.Name())

	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(s.Write(context.Background(), robot.Event{
		DeviceID: "FANUC-1", Kind: robot.EventError, CorrelationID: "c9",
		Payload: []byte("axis limit"), ReceivedAt: at, Unmatched: true,
	}))

	require.Len(client.args, 1)
	a := client.args[0]
	require.Equal("robolink:events", a.Stream)
	require.EqualValues(DefaultMaxLen, a.MaxLen)
	require.True(a.Approx)
	require.Equal(map[string]any{
		"device":         "FANUC-1",
		"kind":           "error",
		"correlation_id": "c9",
		"unmatched":      "true",
		"binary":         "false",
		"payload":        "axis limit",
		"received_at":    "2026-05-06T07:08:09Z",
	}, a.Values)

	require.NoError(s.Close())
	require.True(client.closed)
}

func TestWriteError(t *testing.T) {
	s := newSink(&fakeClient{err: errors.New("OOM")}, Config{Stream: "s", MaxLen: 5}, logger.GetLogger())
	err := s.Write(context.Background(), robot.Event{DeviceID: "A", Kind: robot.EventAck})
	require.ErrorContains(t, err, "OOM")
}

func TestDial(t *testing.T) {
	_, err := Dial(context.Background(), Config{Addr: "127.0.0.1:1"}, nil)
	require.ErrorIs(t, err, ErrStreamRequired)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = Dial(ctx, Config{Addr: "127.0.0.1:1", Stream: "s"}, nil)
	require.Error(t, err)
}
