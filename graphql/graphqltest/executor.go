// Package graphqltest provides a small deterministic executor for exercising
// transports without a real GraphQL engine.
package graphqltest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ggoodman/graphql-sse-go/graphql"
	"github.com/vektah/gqlparser/v2/ast"
)

// Greetings are the values streamed by the greetings subscription.
var Greetings = []string{"Hi", "Bonjour", "Hola", "Ciao", "Zdravo"}

// ErrBoom is returned by the source behind the boom subscription.
var ErrBoom = errors.New("boom")

// Executor resolves a fixed schema by looking at the first root field:
//
//	{ getValue }                   single result {"getValue":"value"}
//	mutation { setValue }          single result {"setValue":"value"}
//	subscription { greetings }     five results, then completion
//	subscription { ticks }         one result per TickInterval until closed
//	subscription { idle }          nothing until closed
//	subscription { boom }          one result, then ErrBoom
//	{ forbidden }                  rejected with 403
type Executor struct {
	// TickInterval paces the ticks subscription. Defaults to 10ms.
	TickInterval time.Duration
	// BeforeExecute, when set, runs before any operation is resolved. It can
	// block to widen race windows in tests.
	BeforeExecute func(ctx context.Context, op *graphql.Operation)

	closed   atomic.Int64
	executed atomic.Int64
}

var _ graphql.Executor = (*Executor)(nil)

// Closed reports how many streaming sources have been closed.
func (e *Executor) Closed() int64 { return e.closed.Load() }

// Executed reports how many operations have been resolved.
func (e *Executor) Executed() int64 { return e.executed.Load() }

func (e *Executor) Execute(ctx context.Context, op *graphql.Operation) (graphql.Outcome, error) {
	if e.BeforeExecute != nil {
		e.BeforeExecute(ctx, op)
	}
	e.executed.Add(1)

	field := rootField(op)
	switch op.Type() {
	case ast.Query, ast.Mutation:
		switch field {
		case "getValue", "setValue":
			return single(map[string]any{field: "value"})
		case "forbidden":
			return graphql.Reject(http.StatusForbidden, "Forbidden"), nil
		}
	case ast.Subscription:
		switch field {
		case "greetings":
			return e.stream(ctx, func(ctx context.Context, emit graphql.Emit) error {
				for _, g := range Greetings {
					if err := emitData(emit, field, g); err != nil {
						return err
					}
				}
				return nil
			}), nil
		case "ticks":
			return e.stream(ctx, func(ctx context.Context, emit graphql.Emit) error {
				interval := e.TickInterval
				if interval <= 0 {
					interval = 10 * time.Millisecond
				}
				t := time.NewTicker(interval)
				defer t.Stop()
				for i := 0; ; i++ {
					if err := emitData(emit, field, i); err != nil {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-t.C:
					}
				}
			}), nil
		case "idle":
			return e.stream(ctx, func(ctx context.Context, emit graphql.Emit) error {
				<-ctx.Done()
				return nil
			}), nil
		case "boom":
			return e.stream(ctx, func(ctx context.Context, emit graphql.Emit) error {
				if err := emitData(emit, field, 1); err != nil {
					return err
				}
				return ErrBoom
			}), nil
		}
	}
	return single(graphql.Result{Errors: []graphql.Error{{Message: fmt.Sprintf("Cannot query field %q", field)}}})
}

func (e *Executor) stream(ctx context.Context, producer func(context.Context, graphql.Emit) error) graphql.Outcome {
	return graphql.Streaming{Source: &countingSource{
		ResultSource: graphql.Generate(ctx, producer),
		closed:       &e.closed,
	}}
}

type countingSource struct {
	graphql.ResultSource
	closed *atomic.Int64
	once   atomic.Bool
}

func (s *countingSource) Close() error {
	if s.once.CompareAndSwap(false, true) {
		s.closed.Add(1)
	}
	return s.ResultSource.Close()
}

func rootField(op *graphql.Operation) string {
	if op.Definition == nil {
		return ""
	}
	for _, sel := range op.Definition.SelectionSet {
		if f, ok := sel.(*ast.Field); ok {
			return f.Name
		}
	}
	return ""
}

func single(data any) (graphql.Outcome, error) {
	var v any = data
	if _, ok := data.(graphql.Result); !ok {
		v = graphql.Result{Data: data}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return graphql.Single{Result: b}, nil
}

func emitData(emit graphql.Emit, field string, value any) error {
	b, err := json.Marshal(graphql.Result{Data: map[string]any{field: value}})
	if err != nil {
		return err
	}
	return emit(b)
}
