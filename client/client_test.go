package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/graphql-sse-go/client"
	"github.com/ggoodman/graphql-sse-go/graphql"
	"github.com/ggoodman/graphql-sse-go/graphql/graphqltest"
	"github.com/ggoodman/graphql-sse-go/server"
	"github.com/ggoodman/graphql-sse-go/sse"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

var (
	getValue  = graphql.Request{Query: "{ getValue }"}
	greetings = graphql.Request{Query: "subscription { greetings }"}
	ticks     = graphql.Request{Query: "subscription { ticks }"}
)

func TestDistinctSubscribe(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv.URL)

	rec := newRecorder()
	c.Subscribe(context.Background(), greetings, rec)
	rec.wait(t)

	require.NoError(t, rec.err)
	require.True(t, rec.completed)
	require.Len(t, rec.results, len(graphqltest.Greetings))
	for i, g := range graphqltest.Greetings {
		require.JSONEq(t, fmt.Sprintf(`{"data":{"greetings":%q}}`, g), rec.results[i])
	}
	require.Equal(t, 1, srv.count(http.MethodPost))
}

func TestSingleConnectionIterate(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv.URL, client.WithSingleConnection(true))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	it := c.Iterate(ctx, getValue)
	defer it.Close()

	result, err := it.Next(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"data":{"getValue":"value"}}`, string(result))

	_, err = it.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 1, srv.count(http.MethodPut))
	require.Equal(t, 1, srv.count(http.MethodGet))
}

func TestSingleConnectionResults(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv.URL, client.WithSingleConnection(true))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	var got []string
	for result, err := range c.Results(ctx, greetings) {
		require.NoError(t, err)
		var v struct {
			Data struct {
				Greetings string `json:"greetings"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(result, &v))
		got = append(got, v.Data.Greetings)
	}
	require.Equal(t, graphqltest.Greetings, got)
	require.Zero(t, srv.count(http.MethodDelete))
}

func TestSingleConnectionIsShared(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv.URL, client.WithSingleConnection(true))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	first := c.Iterate(ctx, ticks)
	defer first.Close()
	second := c.Iterate(ctx, ticks)
	defer second.Close()

	for _, it := range []*client.Iterator{first, second} {
		_, err := it.Next(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 1, srv.count(http.MethodPut))
	require.Equal(t, 1, srv.count(http.MethodGet))
	require.Equal(t, 2, srv.count(http.MethodPost))
}

func TestLazyConnectionCloses(t *testing.T) {
	t.Run("immediately", func(t *testing.T) {
		srv, _ := newServer(t)
		c := newClient(t, srv.URL, client.WithSingleConnection(true))

		for range 2 {
			rec := newRecorder()
			c.Subscribe(context.Background(), getValue, rec)
			rec.wait(t)
			require.NoError(t, rec.err)
		}
		require.Equal(t, 2, srv.count(http.MethodPut))
	})

	t.Run("after timeout", func(t *testing.T) {
		srv, _ := newServer(t)
		c := newClient(t, srv.URL, client.WithSingleConnection(true), client.WithLazyCloseTimeout(time.Minute))

		for range 2 {
			rec := newRecorder()
			c.Subscribe(context.Background(), getValue, rec)
			rec.wait(t)
			require.NoError(t, rec.err)
		}
		require.Equal(t, 1, srv.count(http.MethodPut))
	})
}

func TestUnsubscribeCancelsOperation(t *testing.T) {
	srv, exec := newServer(t)
	c := newClient(t, srv.URL, client.WithSingleConnection(true))

	unsubscribe := make(chan func(), 1)
	var nexts atomic.Int32
	rec := newRecorder()
	rec.onNext = func() {
		if nexts.Add(1) == 1 {
			(<-unsubscribe)()
		}
	}
	unsubscribe <- c.Subscribe(context.Background(), ticks, rec)
	rec.wait(t)

	require.NoError(t, rec.err)
	require.True(t, rec.completed)
	require.Equal(t, int32(1), nexts.Load())
	require.Equal(t, 1, srv.count(http.MethodDelete))
	require.Eventually(t, func() bool { return exec.Closed() == 1 }, waitTimeout, 5*time.Millisecond)
}

func TestNoNextStartsAfterUnsubscribe(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv.URL, client.WithSingleConnection(true))

	first := make(chan struct{})
	var once sync.Once
	var unsubscribed atomic.Bool
	var late atomic.Int32
	rec := newRecorder()
	rec.onNext = func() {
		if unsubscribed.Load() {
			late.Add(1)
		}
		once.Do(func() { close(first) })
	}
	unsubscribe := c.Subscribe(context.Background(), ticks, rec)

	select {
	case <-first:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the first result")
	}
	unsubscribe()
	unsubscribed.Store(true)
	rec.wait(t)

	require.NoError(t, rec.err)
	require.True(t, rec.completed)
	// Only a delivery that was already under way may still reach the sink.
	require.LessOrEqual(t, late.Load(), int32(1))
}

func TestResultsBreakCancelsOperation(t *testing.T) {
	srv, exec := newServer(t)
	c := newClient(t, srv.URL, client.WithSingleConnection(true))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	n := 0
	for _, err := range c.Results(ctx, ticks) {
		require.NoError(t, err)
		if n++; n == 2 {
			break
		}
	}
	require.Eventually(t, func() bool { return srv.count(http.MethodDelete) == 1 }, waitTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool { return exec.Closed() == 1 }, waitTimeout, 5*time.Millisecond)
}

func TestContextCancelCompletes(t *testing.T) {
	srv, _ := newServer(t)
	c := newClient(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	rec.onNext = cancel
	c.Subscribe(ctx, ticks, rec)
	rec.wait(t)

	require.NoError(t, rec.err)
	require.True(t, rec.completed)
}

func TestRetryAttempts(t *testing.T) {
	t.Run("distinct", func(t *testing.T) {
		srv := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"errors":[{"message":"try later"}]}`, http.StatusInternalServerError)
		})
		c := newClient(t, srv.URL, client.WithRetryAttempts(2))

		rec := newRecorder()
		c.Subscribe(context.Background(), getValue, rec)
		rec.wait(t)

		var netErr *client.NetworkError
		require.ErrorAs(t, rec.err, &netErr)
		require.Equal(t, http.StatusInternalServerError, netErr.Status)
		require.Equal(t, "try later", netErr.Message)
		require.Equal(t, 3, srv.count(http.MethodPost))
	})

	t.Run("single connection", func(t *testing.T) {
		srv := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		c := newClient(t, srv.URL, client.WithSingleConnection(true), client.WithRetryAttempts(2))

		rec := newRecorder()
		c.Subscribe(context.Background(), getValue, rec)
		rec.wait(t)

		var netErr *client.NetworkError
		require.ErrorAs(t, rec.err, &netErr)
		require.Equal(t, http.StatusServiceUnavailable, netErr.Status)
		require.Equal(t, 3, srv.count(http.MethodPut))
	})

	t.Run("disabled", func(t *testing.T) {
		srv := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		c := newClient(t, srv.URL, client.WithRetryAttempts(0))

		rec := newRecorder()
		c.Subscribe(context.Background(), getValue, rec)
		rec.wait(t)

		require.True(t, client.IsRetryable(rec.err))
		require.Equal(t, 1, srv.count(http.MethodPost))
	})
}

func TestRetryCounterResetsAfterDelivery(t *testing.T) {
	next := sse.MustEncode(sse.Message{Event: sse.EventNext, Payload: json.RawMessage(`{"data":{"n":1}}`)}, sse.Unkeyed)
	complete := sse.MustEncode(sse.Message{Event: sse.EventComplete}, sse.Unkeyed)

	var requests atomic.Int32
	srv := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(next)
		if requests.Add(1) == 4 {
			_, _ = w.Write(complete)
		}
	})
	c := newClient(t, srv.URL, client.WithRetryAttempts(1))

	rec := newRecorder()
	c.Subscribe(context.Background(), ticks, rec)
	rec.wait(t)

	require.NoError(t, rec.err)
	require.True(t, rec.completed)
	require.Len(t, rec.results, 4)
	require.Equal(t, 4, srv.count(http.MethodPost))
}

func TestCallbackErrorsAreFatal(t *testing.T) {
	t.Run("on message", func(t *testing.T) {
		srv, _ := newServer(t)
		errRejected := errors.New("rejected")
		c := newClient(t, srv.URL, client.WithOnMessage(func(msg sse.Message) error {
			return errRejected
		}))

		rec := newRecorder()
		c.Subscribe(context.Background(), greetings, rec)
		rec.wait(t)

		var cbErr *client.CallbackError
		require.ErrorAs(t, rec.err, &cbErr)
		require.ErrorIs(t, rec.err, errRejected)
		require.Empty(t, rec.results)
		require.Equal(t, 1, srv.count(http.MethodPost))
	})

	t.Run("headers", func(t *testing.T) {
		srv, _ := newServer(t)
		c := newClient(t, srv.URL, client.WithSingleConnection(true), client.WithHeaders(func(ctx context.Context) (http.Header, error) {
			return nil, errors.New("no credentials")
		}))

		rec := newRecorder()
		c.Subscribe(context.Background(), getValue, rec)
		rec.wait(t)

		var cbErr *client.CallbackError
		require.ErrorAs(t, rec.err, &cbErr)
		require.Zero(t, srv.count(http.MethodPut))
	})
}

func TestHeadersAreSent(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv, _ := newServer(t, server.WithOnConnect(func(r *http.Request) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.Header.Get("Authorization"))
		return nil
	}))
	c := newClient(t, srv.URL, client.WithHeaders(func(ctx context.Context) (http.Header, error) {
		return http.Header{"Authorization": {"Bearer secret"}}, nil
	}))

	rec := newRecorder()
	c.Subscribe(context.Background(), getValue, rec)
	rec.wait(t)

	require.NoError(t, rec.err)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"Bearer secret"}, seen)
}

func TestDispose(t *testing.T) {
	t.Run("aborts retry delay", func(t *testing.T) {
		srv := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		c := newClient(t, srv.URL, client.WithRetry(func(int) time.Duration { return time.Hour }))

		rec := newRecorder()
		c.Subscribe(context.Background(), getValue, rec)
		require.Eventually(t, func() bool { return srv.count(http.MethodPost) == 1 }, waitTimeout, 5*time.Millisecond)

		c.Dispose()
		rec.wait(t)
		require.NoError(t, rec.err)
		require.True(t, rec.completed)
	})

	t.Run("completes running subscriptions", func(t *testing.T) {
		srv, exec := newServer(t)
		c := newClient(t, srv.URL, client.WithSingleConnection(true))

		started := make(chan struct{})
		var once sync.Once
		rec := newRecorder()
		rec.onNext = func() { once.Do(func() { close(started) }) }
		c.Subscribe(context.Background(), ticks, rec)

		select {
		case <-started:
		case <-time.After(waitTimeout):
			t.Fatal("timed out waiting for the first result")
		}
		c.Dispose()
		rec.wait(t)
		require.NoError(t, rec.err)
		require.True(t, rec.completed)
		require.Eventually(t, func() bool { return exec.Closed() == 1 }, waitTimeout, 5*time.Millisecond)
	})

	t.Run("subscribe after dispose", func(t *testing.T) {
		srv, _ := newServer(t)
		c := newClient(t, srv.URL, client.WithSingleConnection(true))
		c.Dispose()
		c.Dispose()

		rec := newRecorder()
		c.Subscribe(context.Background(), getValue, rec)
		rec.wait(t)
		require.NoError(t, rec.err)
		require.True(t, rec.completed)
		require.Zero(t, srv.count(http.MethodPut))
	})
}

func TestNonLazyConnection(t *testing.T) {
	t.Run("opens eagerly", func(t *testing.T) {
		srv, _ := newServer(t)
		newClient(t, srv.URL, client.WithSingleConnection(true), client.WithLazy(false))

		require.Eventually(t, func() bool { return srv.count(http.MethodGet) == 1 }, waitTimeout, 5*time.Millisecond)
		require.Equal(t, 1, srv.count(http.MethodPut))
	})

	t.Run("reports exhausted retries", func(t *testing.T) {
		srv := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		errs := make(chan error, 1)
		newClient(t, srv.URL,
			client.WithSingleConnection(true),
			client.WithLazy(false),
			client.WithRetryAttempts(1),
			client.WithOnNonLazyError(func(err error) { errs <- err }),
		)

		select {
		case err := <-errs:
			var netErr *client.NetworkError
			require.ErrorAs(t, err, &netErr)
			require.Equal(t, http.StatusServiceUnavailable, netErr.Status)
		case <-time.After(waitTimeout):
			t.Fatal("timed out waiting for the non-lazy error")
		}
		require.Equal(t, 2, srv.count(http.MethodPut))
	})
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := client.New("ftp://example.com/graphql")
	require.Error(t, err)

	_, err = client.New("http://example.com/graphql", client.WithRetryAttempts(-1))
	require.Error(t, err)
}

// --- helpers ---

type countingServer struct {
	*httptest.Server

	mu     sync.Mutex
	counts map[string]int
}

func (s *countingServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[method]
}

func newCountingServer(t *testing.T, h http.Handler) *countingServer {
	t.Helper()
	s := &countingServer{counts: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.counts[r.Method]++
		s.mu.Unlock()
		h.ServeHTTP(w, r)
	}))
	return s
}

func newServer(t *testing.T, opts ...server.Option) (*countingServer, *graphqltest.Executor) {
	t.Helper()
	exec := &graphqltest.Executor{TickInterval: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	h, err := server.New(ctx, exec, opts...)
	require.NoError(t, err)

	srv := newCountingServer(t, h)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, exec
}

func newStubServer(t *testing.T, fn http.HandlerFunc) *countingServer {
	t.Helper()
	srv := newCountingServer(t, fn)
	t.Cleanup(srv.Close)
	return srv
}

// newClient returns a client that retries without delay. It is disposed
// before the server shuts down.
func newClient(t *testing.T, url string, opts ...client.Option) *client.Client {
	t.Helper()
	opts = append([]client.Option{client.WithRetry(func(int) time.Duration { return 0 })}, opts...)
	c, err := client.New(url, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Dispose)
	return c
}

// recorder is a Sink that keeps everything it receives.
type recorder struct {
	onNext func()

	results   []string
	err       error
	completed bool
	done      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) Next(result json.RawMessage) {
	r.results = append(r.results, string(result))
	if r.onNext != nil {
		r.onNext()
	}
}

func (r *recorder) Error(err error) {
	r.err = err
	close(r.done)
}

func (r *recorder) Complete() {
	r.completed = true
	close(r.done)
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the subscription to end")
	}
}
