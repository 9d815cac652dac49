package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/graphql-sse-go/graphql"
	"github.com/ggoodman/graphql-sse-go/sse"
)

const cancelTimeout = 5 * time.Second

var errIdle = errors.New("connection idle")

// connection is one registered event stream and the operations waiting on
// it.
type connection struct {
	token  string
	cancel context.CancelCauseFunc

	mu  sync.Mutex
	ops map[string]*queue[sse.Message]
	err error

	done chan struct{}
}

// register starts routing messages for id. It returns nil when the
// connection has already ended.
func (cn *connection) register(id string) *queue[sse.Message] {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.ops == nil {
		return nil
	}
	q := newQueue[sse.Message]()
	cn.ops[id] = q
	return q
}

func (cn *connection) unregister(id string) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	delete(cn.ops, id)
}

// Err returns the error that ended the connection.
func (cn *connection) Err() error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.err
}

func (cn *connection) close(cause error) { cn.cancel(cause) }

// read dispatches messages from body until it ends, then fails every
// waiting operation with the reason.
func (cn *connection) read(ctx context.Context, body io.ReadCloser, inspect func(sse.Message) error, onEnd func(*connection)) {
	defer body.Close()
	err := cn.pump(ctx, body, inspect)

	cn.mu.Lock()
	cn.err = err
	ops := cn.ops
	cn.ops = nil
	cn.mu.Unlock()

	for _, q := range ops {
		q.close(err)
	}
	onEnd(cn)
	close(cn.done)
}

func (cn *connection) pump(ctx context.Context, body io.Reader, inspect func(sse.Message) error) error {
	p := sse.NewParser(sse.Keyed)
	buf := make([]byte, 32<<10)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			msgs, err := p.Parse(buf[:n])
			if err != nil {
				return err
			}
			for _, msg := range msgs {
				if err := inspect(msg); err != nil {
					return err
				}
				cn.mu.Lock()
				q := cn.ops[msg.ID]
				cn.mu.Unlock()
				if q != nil {
					q.push(msg)
				}
			}
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return aborted(ctx)
			}
			if errors.Is(rerr, io.EOF) {
				return &NetworkError{Message: "connection closed while operations were active"}
			}
			return &NetworkError{Message: "read failed", Err: rerr}
		}
	}
}

// dial is one in-flight connection attempt shared by every waiter.
type dial struct {
	done chan struct{}
	conn *connection
	err  error
}

// manager owns the shared connection of a single connection mode client.
type manager struct {
	c *Client

	mu        sync.Mutex
	state     ConnState
	conn      *connection
	dialing   *dial
	refs      int
	idleTimer *time.Timer
}

func newManager(c *Client) *manager {
	return &manager{c: c}
}

// State returns the current connection state.
func (m *manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *manager) transition(e ConnEvent) {
	next, err := Transition(m.state, e)
	if err != nil {
		m.c.log.Debug("client.state.invalid", slog.String("err", err.Error()))
		return
	}
	m.state = next
}

// acquire returns the shared connection, opening it if needed, and holds a
// reference on it until release.
func (m *manager) acquire(ctx context.Context) (*connection, error) {
	m.mu.Lock()
	m.refs++
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	m.mu.Unlock()

	conn, err := m.connection(ctx)
	if err != nil {
		m.release()
		return nil, err
	}
	return conn, nil
}

// release drops a reference. A lazy connection closes once unreferenced,
// after the configured delay.
func (m *manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs--
	m.maybeIdleLocked()
}

func (m *manager) maybeIdleLocked() {
	if m.refs > 0 || !m.c.cfg.lazy || m.conn == nil {
		return
	}
	if d := m.c.cfg.lazyCloseTimeout; d > 0 {
		if m.idleTimer == nil {
			m.idleTimer = time.AfterFunc(d, m.closeIdle)
		}
		return
	}
	m.closeLocked(errIdle)
}

func (m *manager) closeIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleTimer = nil
	if m.refs == 0 {
		m.closeLocked(errIdle)
	}
}

func (m *manager) closeLocked(cause error) {
	if m.conn == nil {
		return
	}
	m.c.log.Debug("client.connection.close", slog.String("reason", cause.Error()))
	m.conn.close(cause)
	m.conn = nil
	m.transition(EventLost)
}

// connection returns the live connection or waits for one to be dialed.
func (m *manager) connection(ctx context.Context) (*connection, error) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.conn != nil {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	d := m.dialing
	if d == nil {
		d = &dial{done: make(chan struct{})}
		m.dialing = d
		m.transition(EventDial)
		go m.dial(d)
	}
	m.mu.Unlock()

	select {
	case <-d.done:
		return d.conn, d.err
	case <-ctx.Done():
		return nil, aborted(ctx)
	}
}

func (m *manager) dial(d *dial) {
	conn, err := m.c.connect(m.c.ctx, m.onEnd)

	m.mu.Lock()
	m.dialing = nil
	switch {
	case err != nil:
		m.transition(EventLost)
	case m.state == StateClosed:
		conn.close(ErrClosed)
		conn, err = nil, ErrClosed
	default:
		m.conn = conn
		m.transition(EventEstablished)
		m.maybeIdleLocked()
	}
	d.conn, d.err = conn, err
	close(d.done)
	m.mu.Unlock()
}

// onEnd forgets a connection whose stream has ended.
func (m *manager) onEnd(conn *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == conn {
		m.conn = nil
		m.transition(EventLost)
	}
}

func (m *manager) dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	if m.conn != nil {
		m.conn.close(ErrClosed)
		m.conn = nil
	}
	m.transition(EventDispose)
}

// keep holds a non-lazy connection open until the client is disposed,
// reconnecting on failures. Once retries are exhausted the error is handed
// to the non-lazy error hook.
func (m *manager) keep() {
	ctx := m.c.ctx
	retries := 0
	for {
		conn, err := m.connection(ctx)
		if err == nil {
			retries = 0
			select {
			case <-conn.done:
				err = conn.Err()
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		if !IsRetryable(err) || retries >= m.c.cfg.retryAttempts {
			m.c.log.Warn("client.nonlazy.fail", slog.String("err", err.Error()))
			m.c.cfg.onNonLazyError(err)
			return
		}

		delay := m.c.cfg.retry(retries)
		m.mu.Lock()
		m.transition(EventWait)
		m.mu.Unlock()
		m.c.log.Info("client.connect.retry", slog.String("err", err.Error()), slog.Int("retries", retries), slog.Duration("delay", delay))
		if err := sleep(ctx, delay); err != nil {
			return
		}
		retries++
	}
}

// connect registers a stream and opens it.
func (c *Client) connect(parent context.Context, onEnd func(*connection)) (*connection, error) {
	ctx, cancel := context.WithCancelCause(parent)

	req, err := c.newRequest(ctx, http.MethodPut, c.url, nil)
	if err != nil {
		cancel(err)
		return nil, err
	}
	req.Header.Set("Accept", "text/plain")
	resp, err := c.do(ctx, req, http.StatusCreated)
	if err != nil {
		cancel(err)
		return nil, err
	}
	b, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		cancel(err)
		return nil, &NetworkError{Message: "reading token failed", Err: err}
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		cancel(nil)
		return nil, &NetworkError{Status: resp.StatusCode, Message: "empty stream token"}
	}

	req, err = c.newRequest(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		cancel(err)
		return nil, err
	}
	req.Header.Set("Accept", eventStreamMediaType)
	req.Header.Set(tokenHeader, token)
	resp, err = c.do(ctx, req, http.StatusOK)
	if err != nil {
		cancel(err)
		return nil, err
	}

	conn := &connection{
		token:  token,
		cancel: cancel,
		ops:    make(map[string]*queue[sse.Message]),
		done:   make(chan struct{}),
	}
	go conn.read(ctx, resp.Body, c.inspect, onEnd)
	c.log.InfoContext(ctx, "client.connect.ok")
	return conn, nil
}

// subscribe runs one attempt of req over the shared connection.
func (m *manager) subscribe(ctx context.Context, req graphql.Request, deliver func(json.RawMessage)) error {
	conn, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer m.release()

	id := m.c.cfg.generateID()
	results := conn.register(id)
	if results == nil {
		return conn.Err()
	}
	defer conn.unregister(id)

	completed, err := m.c.execute(ctx, conn.token, req.WithOperationID(id))
	if err == nil && !completed {
		completed, err = consume(ctx, results, deliver)
	}
	if !completed && errors.Is(err, ErrAborted) {
		m.c.cancelOperation(conn.token, id)
	}
	return err
}

// consume delivers results routed to one operation until it completes.
func consume(ctx context.Context, results *queue[sse.Message], deliver func(json.RawMessage)) (bool, error) {
	for {
		if ctx.Err() != nil {
			return false, aborted(ctx)
		}
		msg, err := results.pop(ctx)
		if err != nil {
			return false, err
		}
		if msg.Event == sse.EventComplete {
			return true, nil
		}
		deliver(msg.Payload)
	}
}

// execute sends an operation to the stream identified by token. It reports
// completed when the server answered 204, meaning the operation finished
// without producing results.
func (c *Client) execute(ctx context.Context, token string, req graphql.Request) (completed bool, err error) {
	body, err := json.Marshal(req)
	if err != nil {
		return false, err
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Accept", resultMediaTypes)
	httpReq.Header.Set(tokenHeader, token)

	resp, err := c.do(ctx, httpReq, http.StatusAccepted, http.StatusNoContent)
	if err != nil {
		return false, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusNoContent, nil
}

// cancelOperation asks the server to stop operation id. Failures are only
// logged; the server drops the operation with its stream anyway.
func (c *Client) cancelOperation(token, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	target := c.url
	if strings.Contains(target, "?") {
		target += "&"
	} else {
		target += "?"
	}
	target += url.Values{operationIDParam: {id}}.Encode()

	req, err := c.newRequest(ctx, http.MethodDelete, target, nil)
	if err != nil {
		c.log.WarnContext(ctx, "client.operation.cancel.fail", slog.String("err", err.Error()))
		return
	}
	req.Header.Set(tokenHeader, token)
	resp, err := c.do(ctx, req, http.StatusOK)
	if err != nil {
		c.log.InfoContext(ctx, "client.operation.cancel.fail", slog.String("err", err.Error()))
		return
	}
	resp.Body.Close()
	c.log.DebugContext(ctx, "client.operation.cancel.ok")
}
