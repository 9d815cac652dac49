package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/ggoodman/graphql-sse-go/graphql"
)

// Iterator pulls the results of one subscription.
type Iterator struct {
	results     *queue[json.RawMessage]
	unsubscribe func()
	once        sync.Once
}

// Iterate subscribes to req and returns an iterator over its results. The
// caller must Close the iterator unless Next has returned an error.
func (c *Client) Iterate(ctx context.Context, req graphql.Request) *Iterator {
	it := &Iterator{results: newQueue[json.RawMessage]()}
	it.unsubscribe = c.Subscribe(ctx, req, SinkFuncs{
		OnNext:     func(result json.RawMessage) { it.results.push(result) },
		OnError:    func(err error) { it.results.close(err) },
		OnComplete: func() { it.results.close(io.EOF) },
	})
	return it
}

// Next returns the next result. It returns io.EOF once the operation has
// completed, the subscription's error if it failed, and an ErrAborted error
// if ctx ends while waiting.
func (it *Iterator) Next(ctx context.Context) (json.RawMessage, error) {
	return it.results.pop(ctx)
}

// Close unsubscribes. Results not yet consumed are discarded.
func (it *Iterator) Close() error {
	it.once.Do(func() {
		it.unsubscribe()
		it.results.close(io.EOF)
	})
	return nil
}

// Results subscribes to req and yields its results. Stopping the iteration
// early unsubscribes. A failed subscription yields its error last;
// cancellation of ctx ends the iteration without an error.
func (c *Client) Results(ctx context.Context, req graphql.Request) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		it := c.Iterate(ctx, req)
		defer it.Close()
		for {
			result, err := it.Next(ctx)
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, ErrAborted):
				return
			case err != nil:
				yield(nil, err)
				return
			}
			if !yield(result, nil) {
				return
			}
		}
	}
}
