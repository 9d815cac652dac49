// Package client is a GraphQL over Server-Sent Events client.
//
// In the default distinct connections mode every subscription opens its own
// event stream. With WithSingleConnection all subscriptions share one
// stream, registered with a PUT and keyed by operation id.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/ggoodman/graphql-sse-go/graphql"
	"github.com/ggoodman/graphql-sse-go/sse"
)

const (
	tokenHeader          = "X-GraphQL-Event-Stream-Token"
	operationIDParam     = "operationId"
	eventStreamMediaType = "text/event-stream"
	jsonMediaType        = "application/json; charset=utf-8"
	resultMediaTypes     = "application/graphql-response+json, application/json"
	maxErrorBody         = 64 << 10
)

// Client subscribes to GraphQL operations over Server-Sent Events.
type Client struct {
	url    string
	cfg    config
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelCauseFunc
	single *manager
}

// New returns a client for the endpoint at rawURL.
func New(rawURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.retryAttempts < 0 {
		return nil, fmt.Errorf("retry attempts must not be negative")
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Client{url: u.String(), cfg: cfg, log: cfg.logger, ctx: ctx, cancel: cancel}
	if cfg.singleConnection {
		c.single = newManager(c)
		if !cfg.lazy {
			go c.single.keep()
		}
	}
	return c, nil
}

// Dispose closes the client. Running subscriptions complete, pending waits
// and requests are aborted. It is safe to call more than once.
func (c *Client) Dispose() {
	c.cancel(ErrClosed)
	if c.single != nil {
		c.single.dispose()
	}
}

// Subscribe runs req and delivers its results to sink until the operation
// completes, fails or is unsubscribed. Unsubscribing or cancelling ctx ends
// the subscription with Complete and, in single connection mode, cancels
// the operation on the server. Once unsubscribe returns no further Next call
// begins; it does not wait for a Next already in progress, so it may be
// called from within the sink.
func (c *Client) Subscribe(ctx context.Context, req graphql.Request, sink Sink) (unsubscribe func()) {
	g := &guardedSink{sink: sink}
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(c.ctx, func() { cancel(ErrClosed) })

	go func() {
		defer stop()
		defer cancel(nil)
		c.run(ctx, req, g)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.stop()
			cancel(ErrAborted)
		})
	}
}

// run drives one subscription through its attempts.
func (c *Client) run(ctx context.Context, req graphql.Request, sink *guardedSink) {
	retries := 0
	delivered := func(result json.RawMessage) {
		retries = 0
		sink.next(result)
	}
	for {
		var err error
		if c.single != nil {
			err = c.single.subscribe(ctx, req, delivered)
		} else {
			err = c.distinct(ctx, req, delivered)
		}
		switch {
		case err == nil:
			sink.complete()
			return
		case ctx.Err() != nil || errors.Is(err, ErrAborted):
			sink.complete()
			return
		case !IsRetryable(err) || retries >= c.cfg.retryAttempts:
			c.log.WarnContext(ctx, "client.subscribe.fail", slog.String("err", err.Error()), slog.Int("retries", retries))
			sink.error(err)
			return
		}

		delay := c.cfg.retry(retries)
		c.log.InfoContext(ctx, "client.subscribe.retry", slog.String("err", err.Error()), slog.Int("retries", retries), slog.Duration("delay", delay))
		if err := sleep(ctx, delay); err != nil {
			sink.complete()
			return
		}
		retries++
	}
}

// newRequest builds a request carrying the configured headers.
func (c *Client) newRequest(ctx context.Context, method, target string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, err
	}
	if c.cfg.headers != nil {
		h, err := c.cfg.headers(ctx)
		if err != nil {
			return nil, &CallbackError{Err: err}
		}
		for k, vs := range h {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", jsonMediaType)
	}
	return req, nil
}

// do sends req and classifies transport failures. Responses whose status is
// not want are drained, closed and returned as a *NetworkError.
func (c *Client) do(ctx context.Context, req *http.Request, want ...int) (*http.Response, error) {
	resp, err := c.cfg.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, aborted(ctx)
		}
		return nil, &NetworkError{Message: req.Method + " failed", Err: err}
	}
	for _, w := range want {
		if resp.StatusCode == w {
			return resp, nil
		}
	}
	defer resp.Body.Close()
	return nil, &NetworkError{Status: resp.StatusCode, Message: errorMessage(resp.Body)}
}

// errorMessage extracts the first GraphQL error message of an error body.
func errorMessage(body io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(b) == 0 {
		return ""
	}
	var payload struct {
		Errors []graphql.Error `json:"errors"`
	}
	if err := json.Unmarshal(b, &payload); err == nil && len(payload.Errors) > 0 {
		return payload.Errors[0].Message
	}
	return ""
}

// inspect runs the message hook.
func (c *Client) inspect(msg sse.Message) error {
	if c.cfg.onMessage == nil {
		return nil
	}
	if err := c.cfg.onMessage(msg); err != nil {
		return &CallbackError{Err: err}
	}
	return nil
}
