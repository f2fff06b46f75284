// events.go keeps a log of connection lifecycle events.
//
// Where state.go answers "what state are we in", the event log answers "what
// happened": each failed attempt with its phase and cause, successful
// connects, invalidations and releases. The newest 100 events are kept.

package sshtunnel

import (
	"sync"
	"time"
)

const eventBufferSize = 100

// EventType identifies a lifecycle event.
type EventType string

const (
	EventAttemptFailed   EventType = "attempt_failed"
	EventConnected       EventType = "connected"
	EventAcquireFailed   EventType = "acquire_failed"
	EventKeepaliveFailed EventType = "keepalive_failed"
	EventInvalidated     EventType = "invalidated"
	EventReleased        EventType = "released"
)

// Phase names the step of an acquisition attempt.
type Phase string

const (
	PhaseTransport Phase = "ssh"
	PhaseForward   Phase = "forward"
	PhasePool      Phase = "pool"
)

// Event is one entry in the lifecycle log.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Attempt   int       `json:"attempt,omitempty"`
	Phase     Phase     `json:"phase,omitempty"`
	Details   string    `json:"details"`
}

type eventLog struct {
	mu     sync.RWMutex
	events [eventBufferSize]Event
	head   int
	count  int
}

func newEventLog() *eventLog {
	return &eventLog{}
}

func (el *eventLog) record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	el.events[el.head] = e
	el.head = (el.head + 1) % eventBufferSize
	if el.count < eventBufferSize {
		el.count++
	}
}

// history returns events oldest first.
func (el *eventLog) history() []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()

	if el.count == 0 {
		return nil
	}
	result := make([]Event, el.count)
	if el.count < eventBufferSize {
		copy(result, el.events[:el.count])
	} else {
		n := copy(result, el.events[el.head:])
		copy(result[n:], el.events[:el.head])
	}
	return result
}
