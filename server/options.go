package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/graphql-sse-go/auth"
	"github.com/ggoodman/graphql-sse-go/graphql"
	"github.com/ggoodman/graphql-sse-go/tokens"
)

// DefaultAttachTimeout bounds how long a registered stream may wait for its
// event stream request.
const DefaultAttachTimeout = 30 * time.Second

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger         *slog.Logger
	path           string
	authenticator  auth.Authenticator
	ledger         tokens.Ledger
	keepAlive      time.Duration
	reconnectGrace time.Duration
	attachTimeout  time.Duration

	onConnect   func(r *http.Request) error
	onOperation func(ctx context.Context, op *graphql.Operation) error
	onNext      func(ctx context.Context, op *graphql.Operation, result json.RawMessage) (json.RawMessage, error)
	onComplete  func(ctx context.Context, op *graphql.Operation)
}

// WithLogger sets the logger used by the handler. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithPath sets the URL path the handler serves. Defaults to "/".
func WithPath(path string) Option {
	return func(c *newConfig) { c.path = path }
}

// WithAuthenticator sets the authenticator run for stream registrations.
// Defaults to auth.RandomTokens(), which accepts everyone.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *newConfig) { c.authenticator = a }
}

// WithTokenLedger sets the ledger recording issued stream tokens. Handlers
// sharing a ledger never issue the same token twice. Defaults to an
// in-memory ledger.
func WithTokenLedger(l tokens.Ledger) Option {
	return func(c *newConfig) { c.ledger = l }
}

// WithKeepAlive sets the ping interval on open event streams.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// WithReconnectGrace keeps registered streams and their operations alive for
// d after the event stream drops, so that the client can reattach.
func WithReconnectGrace(d time.Duration) Option {
	return func(c *newConfig) { c.reconnectGrace = d }
}

// WithAttachTimeout terminates registered streams whose event stream is not
// opened within d. Zero disables the timeout.
func WithAttachTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.attachTimeout = d }
}

// WithOnConnect runs before an event stream request is served. Returning a
// *graphql.Rejection responds with it; any other error responds 500.
func WithOnConnect(fn func(r *http.Request) error) Option {
	return func(c *newConfig) { c.onConnect = fn }
}

// WithOnOperation runs after an operation is parsed and before it executes.
// Errors are handled as for WithOnConnect.
func WithOnOperation(fn func(ctx context.Context, op *graphql.Operation) error) Option {
	return func(c *newConfig) { c.onOperation = fn }
}

// WithOnNext may replace each result before it is sent.
func WithOnNext(fn func(ctx context.Context, op *graphql.Operation, result json.RawMessage) (json.RawMessage, error)) Option {
	return func(c *newConfig) { c.onNext = fn }
}

// WithOnComplete runs once an operation has queued its complete message.
// It does not run for cancelled operations.
func WithOnComplete(fn func(ctx context.Context, op *graphql.Operation)) Option {
	return func(c *newConfig) { c.onComplete = fn }
}
