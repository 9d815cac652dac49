package graphql

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// Emit hands one result to the consumer of a generated source. It returns
// an error once the source has been closed.
type Emit func(result json.RawMessage) error

// Generate starts producer in its own goroutine and exposes what it emits as
// a ResultSource. The source is exhausted when producer returns; a non-nil
// return value is reported by Next after every emitted result has been
// consumed. Closing the source cancels the context handed to producer.
func Generate(ctx context.Context, producer func(ctx context.Context, emit Emit) error) ResultSource {
	ctx, cancel := context.WithCancel(ctx)
	g := &generated{
		results: make(chan json.RawMessage),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go func() {
		defer close(g.done)
		g.err = producer(ctx, func(result json.RawMessage) error {
			select {
			case g.results <- result:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return g
}

type generated struct {
	results chan json.RawMessage
	done    chan struct{}
	err     error

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (g *generated) Next(ctx context.Context) (json.RawMessage, error) {
	select {
	case r := <-g.results:
		return r, nil
	case <-g.done:
		if g.err != nil {
			return nil, g.err
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *generated) Close() error {
	g.closeOnce.Do(g.cancel)
	<-g.done
	return nil
}

// Results returns a source that yields each of results in order.
func Results(results ...json.RawMessage) ResultSource {
	return &sliceSource{results: results}
}

type sliceSource struct {
	mu      sync.Mutex
	results []json.RawMessage
	closed  bool
}

func (s *sliceSource) Next(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.results) == 0 {
		return nil, io.EOF
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r, nil
}

func (s *sliceSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
