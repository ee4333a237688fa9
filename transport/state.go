package transport

import "sync/atomic"

// State is the lifecycle state of a Transport.
type State uint32

const (
	// Disconnected is the initial and final state.
	Disconnected State = iota
	// Connecting means Open is in progress.
	Connecting
	// Connected means the link is established and I/O is allowed.
	Connected
	// Closing means Close is in progress.
	Closing
	// Faulted means an I/O error broke the link; Close returns it to Disconnected.
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// atomicState holds a State and allows only the documented transitions.
type atomicState struct {
	state atomic.Uint32
}

func (st *atomicState) Get() State {
	return State(st.state.Load())
}

func (st *atomicState) Set(state State) {
	st.state.Store(uint32(state))
}

func (st *atomicState) cas(from State, to State) bool {
	return st.state.CompareAndSwap(uint32(from), uint32(to))
}

func (st *atomicState) ToConnecting() bool {
	return st.cas(Disconnected, Connecting)
}

func (st *atomicState) ToConnected() bool {
	if st.Get() == Connected {
		return true
	}

	return st.cas(Connecting, Connected)
}

// ToFaulted is allowed from Connecting and Connected.
func (st *atomicState) ToFaulted() bool {
	if st.cas(Connected, Faulted) {
		return true
	}

	return st.cas(Connecting, Faulted)
}

// ToClosing is allowed from every state except Disconnected and Closing.
func (st *atomicState) ToClosing() bool {
	for _, from := range []State{Connected, Connecting, Faulted} {
		if st.cas(from, Closing) {
			return true
		}
	}

	return false
}
