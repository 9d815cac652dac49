package graphql

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// Error is a GraphQL error as it appears in a response.
type Error struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Result is an execution result, including the incremental delivery
// fields. Executors are free to produce their own JSON instead.
type Result struct {
	Data       any            `json:"data,omitempty"`
	Errors     []Error        `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
	HasNext    *bool          `json:"hasNext,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Label      string         `json:"label,omitempty"`
}

// Marshal encodes v as a result payload.
func Marshal(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// ErrorResult returns a payload carrying a single error message.
func ErrorResult(msg string) json.RawMessage {
	b, _ := json.Marshal(Result{Errors: []Error{{Message: msg}}})
	return b
}

// Outcome is what an Executor produces for an operation: a *Rejection, a
// Single result or a Streaming source.
type Outcome interface {
	outcome()
}

// Single is an outcome with exactly one result.
type Single struct {
	Result json.RawMessage
}

// Streaming is an outcome whose results arrive over time.
type Streaming struct {
	Source ResultSource
}

func (Single) outcome()     {}
func (Streaming) outcome()  {}
func (*Rejection) outcome() {}

// Rejection is an immediate HTTP response produced instead of executing an
// operation. It doubles as an error so hooks can return it.
type Rejection struct {
	Status int
	Errors []Error
	Header http.Header
}

// Reject builds a Rejection with a single error message.
func Reject(status int, msg string) *Rejection {
	return &Rejection{Status: status, Errors: []Error{{Message: msg}}}
}

func (r *Rejection) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Message)
	}
	return http.StatusText(r.Status) + ": " + strings.Join(msgs, "; ")
}

// ResultSource yields the results of a streaming operation.
type ResultSource interface {
	// Next blocks for the next result. It returns io.EOF once the source is
	// exhausted.
	Next(ctx context.Context) (json.RawMessage, error)
	// Close cancels the source and releases its resources. It is safe to
	// call more than once.
	Close() error
}

// Executor runs GraphQL operations.
type Executor interface {
	Execute(ctx context.Context, op *Operation) (Outcome, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, op *Operation) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, op *Operation) (Outcome, error) {
	return f(ctx, op)
}
