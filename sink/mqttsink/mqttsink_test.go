package mqttsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/robot"
	"github.com/arloliu/go-robolink/sink"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newToken(err error, complete bool) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}

	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu          sync.Mutex
	msgs        []published
	err         error
	hang        bool
	disconnects int
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.msgs = append(c.msgs, published{topic, qos, retained, payload.([]byte)})

	return newToken(c.err, !c.hang)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disconnects++
}

func TestWrite(t *testing.T) {
	require := require.New(t)

	client := &fakeClient{}
	s := newSink(client, Config{TopicPrefix: "plant/", QoS: 1}, logger.GetLogger())
	require.Equal("mqtt", s.Name())

	now := time.Now()
	ack := robot.Event{DeviceID: "KUKA-1", Kind: robot.EventAck, CorrelationID: "c1", Payload: []byte("PTP 1,2,3"), ReceivedAt: now}
	down := robot.Event{DeviceID: "KUKA-1", Kind: robot.EventDisconnected, Payload: []byte("eof"), ReceivedAt: now}
	require.NoError(s.Write(context.Background(), ack))
	require.NoError(s.Write(context.Background(), down))

	require.Len(client.msgs, 2)
	require.Equal("plant/KUKA-1/ack", client.msgs[0].topic)
	require.Equal(byte(1), client.msgs[0].qos)
	require.False(client.msgs[0].retained)
	require.Equal("plant/KUKA-1/disconnected", client.msgs[1].topic)
	require.True(client.msgs[1].retained)

	var rec sink.Record
	require.NoError(json.Unmarshal(client.msgs[0].payload, &rec))
	require.Equal("KUKA-1", rec.DeviceID)
	require.Equal("ack", rec.Kind)
	require.Equal("c1", rec.CorrelationID)
	require.Equal("PTP 1,2,3", rec.Payload)
	require.True(now.Equal(rec.ReceivedAt))

	require.NoError(s.Close())
	require.Equal(1, client.disconnects)
}

func TestWriteErrors(t *testing.T) {
	t.Run("publish error", func(t *testing.T) {
		s := newSink(&fakeClient{err: errors.New("not connected")}, Config{}, logger.GetLogger())
		err := s.Write(context.Background(), robot.Event{DeviceID: "A", Kind: robot.EventTelemetry})
		require.ErrorIs(t, err, ErrPublishFailed)
	})

	t.Run("context done", func(t *testing.T) {
		s := newSink(&fakeClient{hang: true}, Config{}, logger.GetLogger())
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := s.Write(ctx, robot.Event{DeviceID: "A", Kind: robot.EventTelemetry})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestDefaultPrefix(t *testing.T) {
	s := newSink(&fakeClient{}, Config{}, logger.GetLogger())
	require.Equal(t, "robolink/ABB-1/telemetry", s.Topic(robot.Event{DeviceID: "ABB-1", Kind: robot.EventTelemetry}))
}

func TestDialInvalidQoS(t *testing.T) {
	_, err := Dial(context.Background(), Config{Broker: "tcp://localhost:1", QoS: 3}, nil)
	require.ErrorIs(t, err, ErrInvalidQoS)
}

func TestDialUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, Config{Broker: "tcp://127.0.0.1:1", ClientID: "test"}, nil)
	require.ErrorIs(t, err, ErrConnectionFailed)
}
