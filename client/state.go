package client

import "fmt"

// ConnState is the lifecycle state of the shared single connection.
type ConnState int

const (
	// StateIdle has no connection and no connection attempt.
	StateIdle ConnState = iota
	// StateConnecting is registering and opening the event stream.
	StateConnecting
	// StateConnected has an open event stream.
	StateConnected
	// StateBackoff is waiting before the next connection attempt.
	StateBackoff
	// StateClosed is terminal: the client was disposed.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// ConnEvent drives ConnState transitions.
type ConnEvent int

const (
	// EventDial starts a connection attempt.
	EventDial ConnEvent = iota
	// EventEstablished reports an open event stream.
	EventEstablished
	// EventLost reports a failed attempt or a closed connection.
	EventLost
	// EventWait starts a retry delay.
	EventWait
	// EventDispose closes the client.
	EventDispose
)

func (e ConnEvent) String() string {
	switch e {
	case EventDial:
		return "dial"
	case EventEstablished:
		return "established"
	case EventLost:
		return "lost"
	case EventWait:
		return "wait"
	case EventDispose:
		return "dispose"
	default:
		return fmt.Sprintf("ConnEvent(%d)", int(e))
	}
}

// Transition returns the state following s on e, or an error when e is not
// valid in s.
func Transition(s ConnState, e ConnEvent) (ConnState, error) {
	if e == EventDispose {
		return StateClosed, nil
	}
	switch s {
	case StateIdle:
		switch e {
		case EventDial:
			return StateConnecting, nil
		case EventWait:
			return StateBackoff, nil
		}
	case StateBackoff:
		switch e {
		case EventDial:
			return StateConnecting, nil
		case EventLost:
			return StateIdle, nil
		}
	case StateConnecting:
		switch e {
		case EventEstablished:
			return StateConnected, nil
		case EventLost:
			return StateIdle, nil
		}
	case StateConnected:
		if e == EventLost {
			return StateIdle, nil
		}
	}
	return s, fmt.Errorf("invalid transition %s on %s", s, e)
}
