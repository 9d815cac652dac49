// Package sse implements the Server-Sent Events framing used by the
// GraphQL over SSE protocol: a resumable parser that turns raw body chunks
// into typed messages and the matching encoder.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Event is the SSE event name carried by every protocol message.
type Event string

const (
	EventNext     Event = "next"
	EventComplete Event = "complete"
)

// Framing selects how message data is shaped on the wire.
type Framing int

const (
	// Unkeyed framing is used by distinct connections: the data of a next
	// event is the bare execution result and complete carries no data.
	Unkeyed Framing = iota
	// Keyed framing is used by single connections: data is an envelope of
	// the form {"id": ..., "payload": ...}.
	Keyed
)

func (f Framing) String() string {
	switch f {
	case Unkeyed:
		return "unkeyed"
	case Keyed:
		return "keyed"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

var (
	ErrInvalidEvent     = errors.New("invalid stream event")
	ErrInvalidData      = errors.New("invalid stream data")
	ErrUnsupportedField = errors.New("unsupported stream field")
)

// ValidateEvent returns the Event named by s or an error wrapping
// ErrInvalidEvent.
func ValidateEvent(s string) (Event, error) {
	switch e := Event(s); e {
	case EventNext, EventComplete:
		return e, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEvent, s)
}

// Message is one protocol message.
//
// ID is only set for keyed framing. Payload is the execution result and is
// only set for next events.
type Message struct {
	Event   Event
	ID      string
	Payload json.RawMessage
}

// envelope is the keyed data shape.
type envelope struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks m against the rules of framing f.
func (m Message) Validate(f Framing) error {
	if _, err := ValidateEvent(string(m.Event)); err != nil {
		return err
	}
	if f == Keyed && m.ID == "" {
		return fmt.Errorf("%w: keyed message requires an id", ErrInvalidData)
	}
	if f == Unkeyed && m.ID != "" {
		return fmt.Errorf("%w: unkeyed message cannot carry an id", ErrInvalidData)
	}
	switch m.Event {
	case EventNext:
		if !isObject(m.Payload) {
			return fmt.Errorf("%w: next payload must be an object", ErrInvalidData)
		}
	case EventComplete:
		if len(m.Payload) != 0 {
			return fmt.Errorf("%w: complete cannot carry a payload", ErrInvalidData)
		}
	}
	return nil
}

// decodeData turns the accumulated data of one SSE message into a Message.
func decodeData(f Framing, e Event, data []byte, hasData bool) (Message, error) {
	msg := Message{Event: e}

	if f == Unkeyed {
		switch e {
		case EventNext:
			if !hasData || len(bytes.TrimSpace(data)) == 0 {
				return msg, fmt.Errorf("%w: next event requires data", ErrInvalidData)
			}
			if !json.Valid(data) {
				return msg, fmt.Errorf("%w: data is not valid JSON", ErrInvalidData)
			}
			if !isObject(data) {
				return msg, fmt.Errorf("%w: next data must be an object", ErrInvalidData)
			}
			msg.Payload = bytes.Clone(data)
		case EventComplete:
			if hasData && len(data) != 0 {
				return msg, fmt.Errorf("%w: complete event cannot carry data", ErrInvalidData)
			}
		}
		return msg, nil
	}

	if !hasData || len(bytes.TrimSpace(data)) == 0 {
		return msg, fmt.Errorf("%w: %s event requires data", ErrInvalidData, e)
	}
	if !isObject(data) {
		return msg, fmt.Errorf("%w: data must be an object", ErrInvalidData)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	if env.ID == "" {
		return msg, fmt.Errorf("%w: missing operation id", ErrInvalidData)
	}
	msg.ID = env.ID
	if e == EventNext {
		if !isObject(env.Payload) {
			return msg, fmt.Errorf("%w: next payload must be an object", ErrInvalidData)
		}
		msg.Payload = env.Payload
	}
	return msg, nil
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) >= 2 && b[0] == '{'
}
