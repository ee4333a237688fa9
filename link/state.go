package link

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-robolink/logger"
	"github.com/arloliu/go-robolink/robot"
)

// State represents the lifecycle stage of a device connection.
type State uint32

const (
	// Idle is the initial state, no transport is open.
	Idle State = iota
	// Connecting means the transport is being opened.
	Connecting
	// Ready means the connection is open and no command is outstanding.
	Ready
	// Sending means a command frame is being written.
	Sending
	// AwaitingAck means at least one command waits for its acknowledgement.
	AwaitingAck
	// Disconnecting means Disconnect is tearing the connection down.
	Disconnecting
	// Closed means the connection was torn down; Connect may open it again.
	Closed
	// Faulted means the transport failed.
	Faulted
	// Reconnecting means the connection tries to reopen after a fault.
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Sending:
		return "sending"
	case AwaitingAck:
		return "awaiting-ack"
	case Disconnecting:
		return "disconnecting"
	case Closed:
		return "closed"
	case Faulted:
		return "faulted"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// IsActive reports whether commands can flow, i.e. Ready, Sending or AwaitingAck.
func (s State) IsActive() bool {
	return s == Ready || s == Sending || s == AwaitingAck
}

// Status summarizes the state as "connected", "error" or "disconnected".
func (s State) Status() string {
	switch {
	case s.IsActive():
		return "connected"
	case s == Faulted || s == Reconnecting:
		return "error"
	default:
		return "disconnected"
	}
}

var transitions = map[State][]State{
	Idle:          {Connecting, Closed},
	Connecting:    {Ready, Idle, Disconnecting, Closed},
	Ready:         {Sending, Faulted, Disconnecting},
	Sending:       {AwaitingAck, Ready, Faulted, Disconnecting},
	AwaitingAck:   {Ready, Sending, Faulted, Disconnecting},
	Faulted:       {Reconnecting, Closed, Disconnecting},
	Reconnecting:  {Ready, Closed, Disconnecting},
	Disconnecting: {Closed},
	Closed:        {Connecting},
}

// CanTransition reports whether next is reachable from cur in one step.
func CanTransition(cur State, next State) bool {
	for _, s := range transitions[cur] {
		if s == next {
			return true
		}
	}

	return false
}

// StateChangeHandler is invoked when the state of a device connection changes.
//
// Note: the handler is invoked synchronously while the state manager is locked. It must not
// change the state itself and should return quickly.
type StateChangeHandler func(dev robot.Device, prevState State, newState State)

// StateMgr manages the state of one device connection.
//
// Transitions are validated against the lifecycle graph and are safe for concurrent use.
type StateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	device   robot.Device
	logger   logger.Logger
	handlers []StateChangeHandler
}

// NewStateMgr creates a StateMgr in the Idle state.
func NewStateMgr(dev robot.Device, l logger.Logger, handlers ...StateChangeHandler) *StateMgr {
	if l == nil {
		l = logger.GetLogger()
	}

	sm := &StateMgr{
		device:   dev,
		logger:   l,
		handlers: make([]StateChangeHandler, 0, len(handlers)),
	}
	sm.cond = sync.NewCond(&sm.mu)
	sm.state.Store(uint32(Idle))
	sm.AddHandler(handlers...)

	return sm
}

// State returns the current state.
func (sm *StateMgr) State() State {
	return State(sm.state.Load())
}

// AddHandler adds handlers invoked on every state change.
func (sm *StateMgr) AddHandler(handlers ...StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			sm.handlers = append(sm.handlers, h)
		}
	}
}

// To transitions to next.
//
// It returns robot.ErrInvalidTransition when next is not reachable from the current state,
// which includes next being the current state.
func (sm *StateMgr) To(next State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cur := sm.State()
	if !CanTransition(cur, next) {
		return fmt.Errorf("%w: %s -> %s", robot.ErrInvalidTransition, cur, next)
	}

	sm.state.Store(uint32(next))
	sm.cond.Broadcast()

	sm.logger.Debug("connection state changed", "prev_state", cur.String(), "state", next.String())
	for _, h := range sm.handlers {
		h(sm.device, cur, next)
	}

	return nil
}

// WaitState waits until the state equals state or ctx is done.
func (sm *StateMgr) WaitState(ctx context.Context, state State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		sm.cond.Broadcast()
	})
	defer stopFunc()

	for sm.State() != state {
		if err := ctx.Err(); err != nil {
			return err
		}
		sm.cond.Wait()
	}

	return nil
}
