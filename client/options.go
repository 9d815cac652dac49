package client

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/graphql-sse-go/sse"
	"github.com/google/uuid"
)

// DefaultRetryAttempts is the number of retries after the first attempt.
const DefaultRetryAttempts = 5

// Doer sends HTTP requests. *http.Client implements it; cookie and
// credential policy belong to the supplied client's jar and transport.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Client.
type Option func(*config)

type config struct {
	singleConnection bool
	lazy             bool
	lazyCloseTimeout time.Duration
	headers          func(ctx context.Context) (http.Header, error)
	httpClient       Doer
	retryAttempts    int
	retry            func(attempt int) time.Duration
	generateID       func() string
	onMessage        func(msg sse.Message) error
	onNonLazyError   func(err error)
	logger           *slog.Logger
}

func defaultConfig() config {
	return config{
		lazy:          true,
		httpClient:    http.DefaultClient,
		retryAttempts: DefaultRetryAttempts,
		retry:         Backoff,
		generateID:    uuid.NewString,
		onNonLazyError: func(err error) {
			slog.Default().Error("client.nonlazy.fail", slog.String("err", err.Error()))
		},
		logger: slog.New(slog.DiscardHandler),
	}
}

// WithSingleConnection multiplexes every subscription over one shared event
// stream. The default opens a distinct stream per subscription.
func WithSingleConnection(on bool) Option {
	return func(c *config) { c.singleConnection = on }
}

// WithLazy controls whether the single connection is opened on the first
// subscription and closed after the last one (the default), or opened
// eagerly and kept open until Dispose.
func WithLazy(on bool) Option {
	return func(c *config) { c.lazy = on }
}

// WithLazyCloseTimeout keeps an idle lazy connection open for d so that a
// quick resubscription can reuse it.
func WithLazyCloseTimeout(d time.Duration) Option {
	return func(c *config) { c.lazyCloseTimeout = d }
}

// WithHeaders adds headers to every request. fn runs per request.
func WithHeaders(fn func(ctx context.Context) (http.Header, error)) Option {
	return func(c *config) { c.headers = fn }
}

// WithHTTPClient sets the client used to send requests. Defaults to
// http.DefaultClient.
func WithHTTPClient(d Doer) Option {
	return func(c *config) { c.httpClient = d }
}

// WithRetryAttempts sets how many times a network failure is retried before
// it is reported. Zero disables retries.
func WithRetryAttempts(n int) Option {
	return func(c *config) { c.retryAttempts = n }
}

// WithRetry sets the delay before retry number attempt, counting from zero.
// Defaults to Backoff.
func WithRetry(fn func(attempt int) time.Duration) Option {
	return func(c *config) { c.retry = fn }
}

// WithGenerateID sets the operation id generator used in single connection
// mode. Defaults to random UUIDs.
func WithGenerateID(fn func() string) Option {
	return func(c *config) { c.generateID = fn }
}

// WithOnMessage is called with every message received, before it is
// dispatched. Returning an error fails the connection without retries.
func WithOnMessage(fn func(msg sse.Message) error) Option {
	return func(c *config) { c.onMessage = fn }
}

// WithOnNonLazyError receives the error that ends a non-lazy connection once
// its retries are exhausted. Defaults to logging with slog.Default().
func WithOnNonLazyError(fn func(err error)) Option {
	return func(c *config) { c.onNonLazyError = fn }
}

// WithLogger sets the client's logger. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}
