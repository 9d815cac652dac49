// Package streamcore holds the server side lifecycle of event streams: the
// registry of token-addressed streams, the operations multiplexed onto each
// of them and the frame queue feeding the attached connection.
package streamcore

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Stream.
type State int

const (
	StateUnattached State = iota
	StateAttached
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateAttached:
		return "attached"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event drives a State transition.
type Event int

const (
	EventAttach Event = iota
	EventDetach
	EventTerminate
)

func (e Event) String() string {
	switch e {
	case EventAttach:
		return "attach"
	case EventDetach:
		return "detach"
	case EventTerminate:
		return "terminate"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

var (
	ErrStreamOpen        = errors.New("stream already open")
	ErrStreamTerminated  = errors.New("stream terminated")
	ErrNotAttached       = errors.New("stream not attached")
	ErrStreamExists      = errors.New("stream already registered")
	ErrOperationExists   = errors.New("operation already exists")
	ErrOperationNotFound = errors.New("operation not found")
	ErrShuttingDown      = errors.New("shutting down")
)

// Transition returns the state reached by applying e to s.
func Transition(s State, e Event) (State, error) {
	if s == StateTerminated {
		return s, ErrStreamTerminated
	}
	switch e {
	case EventAttach:
		if s == StateAttached {
			return s, ErrStreamOpen
		}
		return StateAttached, nil
	case EventDetach:
		if s != StateAttached {
			return s, ErrNotAttached
		}
		return StateUnattached, nil
	case EventTerminate:
		return StateTerminated, nil
	}
	return s, fmt.Errorf("unknown event %s", e)
}
