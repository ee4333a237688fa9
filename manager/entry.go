package manager

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-robolink/codec"
	"github.com/arloliu/go-robolink/internal/queue"
	"github.com/arloliu/go-robolink/link"
	"github.com/arloliu/go-robolink/robot"
)

// job is a command accepted by Send and waiting in the device backlog.
type job struct {
	cmd    robot.Command
	ctx    context.Context //nolint:containedctx
	future *robot.Future
}

// entry is the manager side of one registered device.
type entry struct {
	device robot.Device
	codec  codec.Codec

	// opMu serializes Connect, Disconnect and Unregister of the device.
	opMu sync.Mutex

	// mu guards conn and idleState.
	mu        sync.Mutex
	conn      *link.Connection
	idleState link.State

	backlog  queue.Queue[*job]
	reserved atomic.Int32
	wake     chan struct{}
	closing  atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newEntry(dev robot.Device, c codec.Codec) *entry {
	return &entry{
		device:    dev,
		codec:     c,
		idleState: link.Idle,
		backlog:   queue.NewLockFreeQueue[*job](),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (e *entry) connection() *link.Connection {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.conn
}

func (e *entry) setConnection(conn *link.Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.conn = conn
}

// detach drops the connection, remembering state as the reported state of the device.
func (e *entry) detach(state link.State) *link.Connection {
	e.mu.Lock()
	defer e.mu.Unlock()

	conn := e.conn
	e.conn = nil
	e.idleState = state

	return conn
}

func (e *entry) state() link.State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return e.conn.State()
	}

	return e.idleState
}

// enqueue adds j to the backlog unless size commands are already waiting.
func (e *entry) enqueue(j *job, size int) bool {
	if int(e.reserved.Add(1)) > size {
		e.reserved.Add(-1)
		return false
	}

	e.backlog.Enqueue(j)
	e.signal()

	return true
}

func (e *entry) dequeue() (*job, bool) {
	j, ok := e.backlog.Dequeue()
	if ok {
		e.reserved.Add(-1)
	}

	return j, ok
}

// drainBacklog fails every waiting command with err.
func (e *entry) drainBacklog(err error) int {
	n := 0
	for {
		j, ok := e.dequeue()
		if !ok {
			return n
		}
		j.future.Fail(err)
		n++
	}
}

func (e *entry) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
