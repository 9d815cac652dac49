package sse

import (
	"bytes"
	"fmt"
)

// ParseError is a terminal protocol violation found while parsing a stream.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sse: %s: %v", e.Reason, e.Err)
	}
	return "sse: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser incrementally decodes an SSE byte stream. It is not safe for
// concurrent use; one Parser serves exactly one connection.
type Parser struct {
	framing Framing

	buf []byte
	// danglingCR is set when the last chunk ended on a '\r' so that a '\n'
	// opening the next chunk is treated as part of the same terminator.
	danglingCR bool

	event    []byte
	hasEvent bool
	data     []byte
	hasData  bool

	err error
}

// NewParser creates a Parser for framing f.
func NewParser(f Framing) *Parser {
	return &Parser{framing: f}
}

// Parse consumes chunk and returns every message completed by it. The
// returned slice is empty, never nil, when no message is complete yet.
//
// Any error is terminal: the parser keeps returning it on later calls.
func (p *Parser) Parse(chunk []byte) ([]Message, error) {
	if p.err != nil {
		return nil, p.err
	}
	out := []Message{}

	if p.danglingCR && len(chunk) > 0 {
		p.danglingCR = false
		if chunk[0] == '\n' {
			chunk = chunk[1:]
		}
	}
	p.buf = append(p.buf, chunk...)

	pos := 0
	for pos < len(p.buf) {
		rest := p.buf[pos:]
		i := bytes.IndexAny(rest, "\r\n")
		if i < 0 {
			break
		}
		line := rest[:i]
		next := pos + i + 1
		if rest[i] == '\r' {
			switch {
			case i+1 < len(rest) && rest[i+1] == '\n':
				next++
			case i+1 == len(rest):
				p.danglingCR = true
			}
		}

		msg, ok, err := p.processLine(line)
		if err != nil {
			p.err = err
			p.buf = nil
			return nil, err
		}
		if ok {
			out = append(out, msg)
		}
		pos = next
	}

	if pos >= len(p.buf) {
		p.buf = p.buf[:0]
	} else {
		p.buf = p.buf[pos:]
	}
	return out, nil
}

func (p *Parser) processLine(line []byte) (Message, bool, error) {
	if len(line) == 0 {
		return p.dispatch()
	}
	if line[0] == ':' {
		return Message{}, false, nil
	}
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return Message{}, false, nil
	}
	field := line[:colon]
	value := line[colon+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}

	switch string(field) {
	case "event":
		p.event = append(p.event[:0], value...)
		p.hasEvent = true
	case "data":
		if p.hasData {
			p.data = append(p.data, '\n')
		}
		p.data = append(p.data, value...)
		p.hasData = true
	case "id":
	case "retry":
		return Message{}, false, &ParseError{Reason: "retry field", Err: ErrUnsupportedField}
	}
	return Message{}, false, nil
}

func (p *Parser) dispatch() (Message, bool, error) {
	defer p.reset()

	if !p.hasEvent && !p.hasData {
		return Message{}, false, nil
	}
	e, err := ValidateEvent(string(p.event))
	if err != nil {
		return Message{}, false, &ParseError{Reason: "unexpected event", Err: err}
	}
	msg, err := decodeData(p.framing, e, p.data, p.hasData)
	if err != nil {
		return Message{}, false, &ParseError{Reason: "malformed data", Err: err}
	}
	return msg, true, nil
}

func (p *Parser) reset() {
	p.event = p.event[:0]
	p.hasEvent = false
	p.data = p.data[:0]
	p.hasData = false
}
