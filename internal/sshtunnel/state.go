// state.go tracks the provider's connection state.
//
// Transitions are recorded in a fixed ring buffer (50 entries) for the status
// endpoint, and registered callbacks run on every change.

package sshtunnel

import (
	"sync"
	"time"
)

// State is the lifecycle state of the provider's connection.
type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateClosed
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const stateTransitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StateChangeCallback is called when the state changes. Callbacks run
// synchronously on the goroutine that changed the state.
type StateChangeCallback func(from, to State)

type stateTracker struct {
	mu          sync.RWMutex
	current     State
	transitions [stateTransitionBufferSize]StateTransition
	head        int // next write position
	count       int
	callbacks   []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{current: StateUninitialized}
}

// set moves to state and records the transition. Setting the current state
// again is a no-op.
func (st *stateTracker) set(state State, reason string) {
	st.mu.Lock()
	from := st.current
	if from == state {
		st.mu.Unlock()
		return
	}
	st.current = state
	st.transitions[st.head] = StateTransition{
		From:      from,
		To:        state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	st.head = (st.head + 1) % stateTransitionBufferSize
	if st.count < stateTransitionBufferSize {
		st.count++
	}

	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(from, state)
	}
}

func (st *stateTracker) get() State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// history returns transitions oldest first.
func (st *stateTracker) history() []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if st.count == 0 {
		return nil
	}
	result := make([]StateTransition, st.count)
	if st.count < stateTransitionBufferSize {
		copy(result, st.transitions[:st.count])
	} else {
		n := copy(result, st.transitions[st.head:])
		copy(result[n:], st.transitions[:st.head])
	}
	return result
}

func (st *stateTracker) onChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}
