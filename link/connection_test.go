package link

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-robolink/eventq"
	"github.com/arloliu/go-robolink/robot"
)

func waitOutcome(t *testing.T, fut *robot.Future) robot.Outcome {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := fut.Wait(ctx)
	require.NoError(t, err, "command %s not resolved", fut.CorrelationID())

	return out
}

func TestConnectionSendAck(t *testing.T) {
	require := require.New(t)

	pf := newPipeFactory(echoAck)
	conn, q := newTestConn(t, kuka1, pf.Factory(t))
	require.Equal(Idle, conn.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(conn.Connect(ctx))
	require.Equal(Ready, conn.State())
	require.Equal("connected", conn.Info().Status)

	// connect on an open connection is a no-op
	require.NoError(conn.Connect(ctx))
	require.Equal(1, pf.Dials())

	dev := pf.NextDevice(t)

	cmd := robot.NewCommand(kuka1.ID, []byte("PTP 10,20,30"))
	fut, err := conn.Send(ctx, cmd)
	require.NoError(err)

	out := waitOutcome(t, fut)
	require.True(out.Ok())
	require.Equal(cmd.CorrelationID, out.CorrelationID)
	require.Equal([]byte("PTP 10,20,30"), out.Payload)

	got := <-dev.received
	require.Equal(cmd.CorrelationID, got.CorrelationID)
	require.Equal([]byte("PTP 10,20,30"), got.Payload)

	ev := q.Wait(t, robot.EventAck)
	require.Equal(kuka1.ID, ev.DeviceID)
	require.Equal(cmd.CorrelationID, ev.CorrelationID)
	require.False(ev.Unmatched)
	require.False(ev.ReceivedAt.IsZero())

	waitState(t, conn, Ready)

	info := conn.Info()
	require.Empty(info.InFlight)
	require.EqualValues(1, info.Metrics.CommandSendCount)
	require.EqualValues(1, info.Metrics.CommandAckCount)
	require.False(info.LastActivity.IsZero())
}

func TestConnectionTelemetryAndRejection(t *testing.T) {
	require := require.New(t)

	pf := newPipeFactory(func(cmd robot.Event) [][]byte {
		return [][]byte{kukaEvent(t, robot.Event{
			Kind:          robot.EventError,
			CorrelationID: cmd.CorrelationID,
			Payload:       []byte("axis limit"),
		})}
	})
	conn, q := newTestConn(t, kuka1, pf.Factory(t))
	require.NoError(conn.Connect(context.Background()))
	dev := pf.NextDevice(t)

	dev.Send(kukaEvent(t, robot.Event{Kind: robot.EventTelemetry, Payload: []byte("A1=10.0")}))
	tel := q.Wait(t, robot.EventTelemetry)
	require.Equal(kuka1.ID, tel.DeviceID)
	require.Equal([]byte("A1=10.0"), tel.Payload)

	fut, err := conn.Send(context.Background(), robot.NewCommand(kuka1.ID, []byte("PTP 999,0,0")))
	require.NoError(err)

	out := waitOutcome(t, fut)
	require.ErrorIs(out.Err, robot.ErrCommandRejected)
	require.ErrorIs(out.Err, robot.ErrCommand)
	require.Contains(out.Err.Error(), "axis limit")
	require.Equal([]byte("axis limit"), out.Payload)

	ev := q.Wait(t, robot.EventError)
	require.Equal(fut.CorrelationID(), ev.CorrelationID)
	require.EqualValues(1, conn.Info().Metrics.CommandRejectCount)
}

func TestConnectionAckTimeout(t *testing.T) {
	require := require.New(t)

	var mu sync.Mutex
	mute := true
	pf := newPipeFactory(func(cmd robot.Event) [][]byte {
		mu.Lock()
		defer mu.Unlock()
		if mute {
			return nil
		}
		return echoAck(cmd)
	})
	conn, _ := newTestConn(t, kuka1, pf.Factory(t), WithAckTimeout(200*time.Millisecond))
	require.NoError(conn.Connect(context.Background()))

	start := time.Now()
	fut, err := conn.Send(context.Background(), robot.NewCommand(kuka1.ID, []byte("PTP 1,2,3")))
	require.NoError(err)
	require.Equal(AwaitingAck, conn.State())

	out := waitOutcome(t, fut)
	require.ErrorIs(out.Err, robot.ErrCommandTimeout)
	require.GreaterOrEqual(time.Since(start), 200*time.Millisecond)
	waitState(t, conn, Ready)
	require.EqualValues(1, conn.Info().Metrics.CommandTimeoutCount)

	mu.Lock()
	mute = false
	mu.Unlock()

	fut, err = conn.Send(context.Background(), robot.NewCommand(kuka1.ID, []byte("PTP 4,5,6")))
	require.NoError(err)
	require.True(waitOutcome(t, fut).Ok())
}

func TestConnectionCommandRetry(t *testing.T) {
	require := require.New(t)

	var mu sync.Mutex
	seen := map[string]int{}
	pf := newPipeFactory(func(cmd robot.Event) [][]byte {
		mu.Lock()
		defer mu.Unlock()

		seen[cmd.CorrelationID]++
		if seen[cmd.CorrelationID] < 2 {
			return nil
		}
		return echoAck(cmd)
	})
	conn, _ := newTestConn(t, kuka1, pf.Factory(t),
		WithAckTimeout(100*time.Millisecond),
		WithCommandRetries(2),
	)
	require.NoError(conn.Connect(context.Background()))

	fut, err := conn.Send(context.Background(), robot.NewCommand(kuka1.ID, []byte("LIN 0,0,0")))
	require.NoError(err)
	require.True(waitOutcome(t, fut).Ok())

	m := conn.Info().Metrics
	require.EqualValues(1, m.CommandRetryCount)
	require.EqualValues(1, m.CommandSendCount)
	require.Zero(m.CommandTimeoutCount)
}

func TestConnectionFullBlockingEventQueue(t *testing.T) {
	require := require.New(t)

	events, err := eventq.New(eventq.WithCapacity(1), eventq.WithOverflow(eventq.Block))
	require.NoError(err)
	defer events.Close()

	pf := newPipeFactory(echoAck)
	conn, _ := newTestConn(t, kuka1, pf.Factory(t),
		WithEventQueue(events),
		WithAckTimeout(300*time.Millisecond),
	)
	require.NoError(conn.Connect(context.Background()))

	// the first ack fills the queue, the second waits for room
	for _, payload := range []string{"PTP 1,1,1", "PTP 2,2,2"} {
		fut, err := conn.Send(context.Background(), robot.NewCommand(kuka1.ID, []byte(payload)))
		require.NoError(err)
		require.True(waitOutcome(t, fut).Ok(), payload)
	}

	// the reader is parked on the full queue, so this ack is never read
	start := time.Now()
	fut, err := conn.Send(context.Background(), robot.NewCommand(kuka1.ID, []byte("PTP 3,3,3")))
	require.NoError(err)
	require.ErrorIs(waitOutcome(t, fut).Err, robot.ErrCommandTimeout)
	require.Less(time.Since(start), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	start = time.Now()
	require.NoError(conn.Disconnect(ctx))
	require.Less(time.Since(start), time.Second)
	require.Equal(Closed, conn.State())

	ev, ok := events.Poll(0)
	require.True(ok)
	require.Equal(robot.EventAck, ev.Kind)
}

func TestConnectionNotConnectedAndBusy(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		require := require.New(t)

		conn, _ := newTestConn(t, kuka1, newPipeFactory(silent).Factory(t))
		_, err := conn.Send(context.Background(), robot.NewCommand(kuka1.ID, []byte("PTP 0,0,0")))
		require.ErrorIs(err, robot.ErrNotConnected)
		require.ErrorIs(err, robot.ErrConnection)
	})

	t.Run("single command in flight", func(t *testing.T) {
		require := require.New(t)

		conn, _ := newTestConn(t, kuka1, newPipeFactory(silent).Factory(t))
		require.NoError(conn.Connect(context.Background()))

		_, err := conn.Send(context.Background(), robot.NewCommand(kuka1.ID, []byte("PTP 0,0,0")))
		require.NoError(err)

		_, err = conn.Send(context.Background(), robot.NewCommand(kuka1.ID, []byte("PTP 1,1,1")))
		require.ErrorIs(err, robot.ErrConnectionBusy)
	})

	t.Run("pipelining", func(t *testing.T) {
		require := require.New(t)

		dev := kuka1
		dev.Pipelining = true
		conn, _ := newTestConn(t, dev, newPipeFactory(silent).Factory(t), WithMaxInFlight(2))
		require.NoError(conn.Connect(context.Background()))

		for i := 0; i < 2; i++ {
			_, err := conn.Send(context.Background(), robot.NewCommand(dev.ID, []byte("PTP 0,0,0")))
			require.NoError(err)
		}

		_, err := conn.Send(context.Background(), robot.NewCommand(dev.ID, []byte("PTP 0,0,0")))
		require.ErrorIs(err, robot.ErrConnectionBusy)
		require.Len(conn.Info().InFlight, 2)
	})

	t.Run("duplicate correlation id", func(t *testing.T) {
		require := require.New(t)

		dev := kuka1
		dev.Pipelining = true
		conn, _ := newTestConn(t, dev, newPipeFactory(silent).Factory(t))
		require.NoError(conn.Connect(context.Background()))

		cmd := robot.NewCommand(dev.ID, []byte("PTP 0,0,0"))
		_, err := conn.Send(context.Background(), cmd)
		require.NoError(err)

		_, err = conn.Send(context.Background(), cmd)
		require.ErrorIs(err, ErrDuplicateCorrelation)
	})

	t.Run("encode error", func(t *testing.T) {
		require := require.New(t)

		conn, _ := newTestConn(t, kuka1, newPipeFactory(silent).Factory(t))
		require.NoError(conn.Connect(context.Background()))

		_, err := conn.Send(context.Background(), robot.NewCommand(kuka1.ID, []byte("PTP\n0")))
		require.ErrorIs(err, robot.ErrEncode)
		require.Equal(Ready, conn.State())
	})
}

func TestConnectionPipelinedOutOfOrder(t *testing.T) {
	require := require.New(t)

	dev := kuka1
	dev.Pipelining = true
	pf := newPipeFactory(silent)
	conn, _ := newTestConn(t, dev, pf.Factory(t))
	require.NoError(conn.Connect(context.Background()))
	device := pf.NextDevice(t)

	first, err := conn.Send(context.Background(), robot.NewCommand(dev.ID, []byte("PTP 1,0,0")))
	require.NoError(err)
	second, err := conn.Send(context.Background(), robot.NewCommand(dev.ID, []byte("PTP 2,0,0")))
	require.NoError(err)

	device.Send(kukaEvent(t, robot.Event{Kind: robot.EventAck, CorrelationID: second.CorrelationID(), Payload: []byte("2")}))
	require.Equal([]byte("2"), waitOutcome(t, second).Payload)

	_, done := first.Outcome()
	require.False(done)
	require.Equal(AwaitingAck, conn.State())

	device.Send(kukaEvent(t, robot.Event{Kind: robot.EventAck, CorrelationID: first.CorrelationID(), Payload: []byte("1")}))
	require.Equal([]byte("1"), waitOutcome(t, first).Payload)
	waitState(t, conn, Ready)
}

func TestConnectionCancelledCommand(t *testing.T) {
	require := require.New(t)

	pf := newPipeFactory(silent)
	conn, q := newTestConn(t, kuka1, pf.Factory(t))
	require.NoError(conn.Connect(context.Background()))
	dev := pf.NextDevice(t)

	ctx, cancel := context.WithCancel(context.Background())
	fut, err := conn.Send(ctx, robot.NewCommand(kuka1.ID, []byte("PTP 0,0,0")))
	require.NoError(err)
	cancel()

	out := waitOutcome(t, fut)
	require.ErrorIs(out.Err, context.Canceled)
	waitState(t, conn, Ready)

	// a late acknowledgement is published but matches nothing
	dev.Send(kukaEvent(t, robot.Event{Kind: robot.EventAck, CorrelationID: fut.CorrelationID()}))
	ev := q.Wait(t, robot.EventAck)
	require.True(ev.Unmatched)
	require.Equal(fut.CorrelationID(), ev.CorrelationID)
}

func TestConnectionUncorrelatedAck(t *testing.T) {
	require := require.New(t)

	pf := newPipeFactory(silent)
	conn, q := newTestConn(t, kuka1, pf.Factory(t))
	require.NoError(conn.Connect(context.Background()))
	dev := pf.NextDevice(t)

	// no command outstanding
	dev.Send([]byte("<Ack id=\"nobody\">late</Ack>\n"))
	require.True(q.Wait(t, robot.EventAck).Unmatched)

	fut, err := conn.Send(context.Background(), robot.NewCommand(kuka1.ID, []byte("PTP 0,0,0")))
	require.NoError(err)
	dev.Send(kukaEvent(t, robot.Event{Kind: robot.EventAck, CorrelationID: fut.CorrelationID()}))
	require.True(waitOutcome(t, fut).Ok())
}

func TestConnectionFaultAndReconnect(t *testing.T) {
	require := require.New(t)

	rec := &stateRecorder{}
	pf := newPipeFactory(silent)
	conn, q := newTestConn(t, kuka1, pf.Factory(t), WithStateChangeHandler(rec.handler))
	require.NoError(conn.Connect(context.Background()))
	dev := pf.NextDevice(t)

	fut, err := conn.Send(context.Background(), robot.NewCommand(kuka1.ID, []byte("PTP 0,0,0")))
	require.NoError(err)

	// the device drops the link while the command awaits its ack
	dev.Close()

	out := waitOutcome(t, fut)
	require.ErrorIs(out.Err, robot.ErrConnectionFailed)

	ev := q.Wait(t, robot.EventDisconnected)
	require.Equal(kuka1.ID, ev.DeviceID)

	pf.NextDevice(t)
	waitState(t, conn, Ready)
	require.Equal(2, pf.Dials())

	states := rec.States()
	require.Contains(states, Faulted)
	require.Contains(states, Reconnecting)
	require.Equal(Ready, states[len(states)-1])

	faulted := indexOf(states, Faulted)
	require.Equal(Reconnecting, states[faulted+1])
	require.Equal(Ready, states[faulted+2])
	require.Zero(conn.Info().Metrics.ConnRetryGauge)
}

func TestConnectionFaultWithoutReconnect(t *testing.T) {
	require := require.New(t)

	pf := newPipeFactory(silent)
	conn, q := newTestConn(t, kuka1, pf.Factory(t), WithAutoReconnect(false))
	require.NoError(conn.Connect(context.Background()))
	pf.NextDevice(t).Close()

	q.Wait(t, robot.EventDisconnected)
	waitState(t, conn, Closed)
	require.Equal(1, pf.Dials())

	// a closed connection can be opened again
	require.NoError(conn.Connect(context.Background()))
	require.Equal(Ready, conn.State())
}

func TestConnectionReconnectExhausted(t *testing.T) {
	require := require.New(t)

	pf := newPipeFactory(silent)
	conn, _ := newTestConn(t, kuka1, pf.Factory(t), WithMaxReconnectAttempts(2))
	require.NoError(conn.Connect(context.Background()))

	pf.SetDialErr(errors.New("no route to host"))
	pf.NextDevice(t).Close()

	waitState(t, conn, Closed)
	require.Equal(3, pf.Dials())
}

func TestConnectionUnrecoverableStream(t *testing.T) {
	require := require.New(t)

	pf := newPipeFactory(silent)
	conn, q := newTestConn(t, kuka1, pf.Factory(t), WithMaxBufferedBytes(1024))
	require.NoError(conn.Connect(context.Background()))
	dev := pf.NextDevice(t)

	dev.Send([]byte(strings.Repeat("x", 2048)))

	ev := q.Wait(t, robot.EventDisconnected)
	require.Contains(string(ev.Payload), "unrecoverable")
	pf.NextDevice(t)
	waitState(t, conn, Ready)
	require.NotZero(conn.Info().Metrics.DecodeErrCount)
}

func TestConnectionMalformedFrameSkipped(t *testing.T) {
	require := require.New(t)

	pf := newPipeFactory(silent)
	conn, q := newTestConn(t, kuka1, pf.Factory(t))
	require.NoError(conn.Connect(context.Background()))
	dev := pf.NextDevice(t)

	dev.Send([]byte("<Broken\n<Tel>A1=1</Tel>\n"))
	require.Equal([]byte("A1=1"), q.Wait(t, robot.EventTelemetry).Payload)
	require.Equal(Ready, conn.State())
	require.EqualValues(1, conn.Info().Metrics.DecodeErrCount)
}

func TestConnectionDisconnect(t *testing.T) {
	require := require.New(t)

	pf := newPipeFactory(silent)
	conn, q := newTestConn(t, kuka1, pf.Factory(t))
	require.NoError(conn.Connect(context.Background()))

	fut, err := conn.Send(context.Background(), robot.NewCommand(kuka1.ID, []byte("PTP 0,0,0")))
	require.NoError(err)

	require.NoError(conn.Disconnect(context.Background()))
	require.Equal(Closed, conn.State())
	require.Equal("disconnected", conn.Info().Status)

	out := waitOutcome(t, fut)
	require.ErrorIs(out.Err, robot.ErrConnectionClosing)
	q.Wait(t, robot.EventDisconnected)

	// idempotent
	require.NoError(conn.Disconnect(context.Background()))
	require.Equal(Closed, conn.State())

	_, err = conn.Send(context.Background(), robot.NewCommand(kuka1.ID, []byte("PTP 0,0,0")))
	require.ErrorIs(err, robot.ErrNotConnected)

	// reopen
	require.NoError(conn.Connect(context.Background()))
	require.Equal(Ready, conn.State())
	require.Equal(2, pf.Dials())
}

func TestConnectionDisconnectIdle(t *testing.T) {
	require := require.New(t)

	conn, _ := newTestConn(t, kuka1, newPipeFactory(silent).Factory(t))
	require.NoError(conn.Disconnect(context.Background()))
	require.Equal(Closed, conn.State())
}

func TestConnectionConnectFailure(t *testing.T) {
	require := require.New(t)

	pf := newPipeFactory(silent)
	pf.SetDialErr(errors.New("connection refused"))
	conn, _ := newTestConn(t, kuka1, pf.Factory(t), WithMaxConnectAttempts(2))

	err := conn.Connect(context.Background())
	require.ErrorIs(err, robot.ErrConnectionFailed)
	require.ErrorIs(err, robot.ErrConnectRefused)
	require.Equal(Idle, conn.State())
	require.Equal(2, pf.Dials())

	pf.SetDialErr(nil)
	require.NoError(conn.Connect(context.Background()))
}

func TestConnectionConnectCancelled(t *testing.T) {
	require := require.New(t)

	pf := newPipeFactory(silent)
	pf.SetDialErr(errors.New("connection refused"))
	conn, _ := newTestConn(t, kuka1, pf.Factory(t),
		WithMaxConnectAttempts(100),
		WithBackoff(time.Second, time.Second, 1),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := conn.Connect(ctx)
	require.ErrorIs(err, robot.ErrConnectionFailed)
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Equal(Idle, conn.State())
}

func TestNewConnectionInvalid(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConnectionConfig()
	require.NoError(err)

	_, err = NewConnection(context.Background(), robot.Device{}, nil, cfg)
	require.ErrorIs(err, robot.ErrUnknownBrand)

	_, err = NewConnection(context.Background(), kuka1, nil, nil)
	require.ErrorIs(err, ErrConnConfigNil)
}

func indexOf(states []State, s State) int {
	for i, v := range states {
		if v == s {
			return i
		}
	}

	return -1
}
