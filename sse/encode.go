package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Ping is a comment frame. Parsers ignore it; servers use it as the first
// write on a fresh stream and as a keepalive.
var Ping = []byte(":\n\n")

// Encode serializes m as a single SSE frame using framing f.
//
// The data line is omitted for unkeyed complete messages. Payload JSON is
// compacted so every frame carries at most one data line.
func Encode(m Message, f Framing) ([]byte, error) {
	if err := m.Validate(f); err != nil {
		return nil, err
	}

	var data []byte
	switch f {
	case Keyed:
		b, err := json.Marshal(envelope{ID: m.ID, Payload: m.Payload})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		data = b
	default:
		if m.Event == EventNext {
			var buf bytes.Buffer
			if err := json.Compact(&buf, m.Payload); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
			}
			data = buf.Bytes()
		}
	}

	out := make([]byte, 0, len("event: \ndata: \n\n")+len(m.Event)+len(data))
	out = append(out, "event: "...)
	out = append(out, m.Event...)
	out = append(out, '\n')
	if data != nil {
		out = append(out, "data: "...)
		out = append(out, data...)
		out = append(out, '\n')
	}
	out = append(out, '\n')
	return out, nil
}

// MustEncode is like Encode but panics on invalid messages.
func MustEncode(m Message, f Framing) []byte {
	b, err := Encode(m, f)
	if err != nil {
		panic(err)
	}
	return b
}
