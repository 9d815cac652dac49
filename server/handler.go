// Package server implements the GraphQL over Server-Sent Events protocol as
// an http.Handler.
//
// One handler serves both protocol modes on a single path:
//
//   - Distinct connections: a GET or POST accepting text/event-stream and
//     carrying no registered stream token executes its operation directly
//     and streams the results on the response.
//   - Single connection: a PUT registers a stream and returns its token; a
//     GET accepting text/event-stream with that token attaches the event
//     stream; GET or POST requests with the token and an operation id in
//     extensions.operationId enqueue operations whose results arrive on the
//     attached stream; DELETE cancels an operation by id.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/graphql-sse-go/auth"
	"github.com/ggoodman/graphql-sse-go/graphql"
	"github.com/ggoodman/graphql-sse-go/internal/logctx"
	"github.com/ggoodman/graphql-sse-go/internal/streamcore"
	"github.com/ggoodman/graphql-sse-go/tokens/memoryledger"
	"github.com/google/uuid"
	"github.com/vektah/gqlparser/v2/ast"
)

var (
	_ http.Handler = (*Handler)(nil)
)

const (
	// TokenHeader carries the stream token in single connection mode.
	TokenHeader = "X-GraphQL-Event-Stream-Token"
	// TokenQueryParam is the query parameter fallback for TokenHeader.
	TokenQueryParam = "token"
	// OperationIDQueryParam names the operation to cancel on DELETE.
	OperationIDQueryParam = "operationId"
)

const (
	jsonContentType        = "application/json; charset=utf-8"
	eventStreamContentType = "text/event-stream; charset=utf-8"
	textContentType        = "text/plain; charset=utf-8"
)

var (
	jsonMediaType            = contenttype.NewMediaType("application/json")
	graphqlResponseMediaType = contenttype.NewMediaType("application/graphql-response+json")
	eventStreamMediaType     = contenttype.NewMediaType("text/event-stream")
	textMediaType            = contenttype.NewMediaType("text/plain")

	operationMediaTypes = []contenttype.MediaType{graphqlResponseMediaType, jsonMediaType, eventStreamMediaType}
	tokenMediaTypes     = []contenttype.MediaType{textMediaType}
)

// Handler serves GraphQL over Server-Sent Events.
type Handler struct {
	mux  *http.ServeMux
	log  *slog.Logger
	ctx  context.Context
	exec graphql.Executor
	auth auth.Authenticator
	reg  *streamcore.Registry
	cfg  *newConfig
}

// New constructs a Handler executing operations with executor. ctx bounds
// the lifetime of every operation the handler runs.
func New(ctx context.Context, executor graphql.Executor, opts ...Option) (*Handler, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}

	cfg := &newConfig{
		logger:        slog.Default(),
		path:          "/",
		attachTimeout: DefaultAttachTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.path == "" || cfg.path[0] != '/' {
		return nil, fmt.Errorf("path must start with '/', got %q", cfg.path)
	}
	if cfg.authenticator == nil {
		cfg.authenticator = auth.RandomTokens()
	}
	if cfg.ledger == nil {
		cfg.ledger = memoryledger.New()
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &Handler{
		log:  log,
		ctx:  ctx,
		exec: executor,
		auth: cfg.authenticator,
		cfg:  cfg,
		reg: streamcore.NewRegistry(cfg.ledger, streamcore.Config{
			KeepAlive:      cfg.keepAlive,
			ReconnectGrace: cfg.reconnectGrace,
			AttachTimeout:  cfg.attachTimeout,
			Logger:         log,
		}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("PUT %s", cfg.path), h.handlePut)
	mux.HandleFunc(fmt.Sprintf("GET %s", cfg.path), h.handleGetPost)
	mux.HandleFunc(fmt.Sprintf("POST %s", cfg.path), h.handleGetPost)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", cfg.path), h.handleDelete)
	mux.HandleFunc(cfg.path, h.handleMethodNotAllowed)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Shutdown stops accepting streams and operations, cancels the running
// operations so that each sends its complete message, and waits for every
// event stream to finish. Streams still open when ctx ends are closed.
func (h *Handler) Shutdown(ctx context.Context) error {
	return h.reg.Shutdown(ctx)
}

func tokenFrom(r *http.Request) string {
	if tok := r.Header.Get(TokenHeader); tok != "" {
		return tok
	}
	return r.URL.Query().Get(TokenQueryParam)
}

func streamCtx(ctx context.Context, s *streamcore.Stream) context.Context {
	mode := "single"
	if s.Token() == "" {
		mode = "distinct"
	}
	return logctx.WithStreamData(ctx, &logctx.StreamData{Fingerprint: logctx.Fingerprint(s.Token()), Mode: mode})
}

func (h *Handler) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "GET, POST, PUT, DELETE")
	writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	h.log.InfoContext(r.Context(), "http.method.unsupported")
}

// handlePut registers a stream for the authenticated caller and responds
// with its token.
func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.put.start")

	if _, _, err := contenttype.GetAcceptableMediaType(r, tokenMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "Not acceptable")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	token, err := h.auth.Authenticate(ctx, r)
	if err != nil {
		var rej *graphql.Rejection
		switch {
		case errors.As(err, &rej):
			writeRejection(w, rej)
		case errors.Is(err, auth.ErrUnauthorized):
			writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
		case errors.Is(err, auth.ErrForbidden):
			writeJSONError(w, http.StatusForbidden, "Forbidden")
		default:
			writeJSONError(w, http.StatusInternalServerError, "Internal server error")
			h.log.ErrorContext(ctx, "auth.err", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		return
	}

	s, err := h.reg.Register(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, streamcore.ErrStreamExists):
			writeJSONError(w, http.StatusConflict, "Stream already registered")
			h.log.WarnContext(ctx, "stream.register.conflict")
		case errors.Is(err, streamcore.ErrShuttingDown):
			writeJSONError(w, http.StatusServiceUnavailable, "Server is shutting down")
			h.log.InfoContext(ctx, "stream.register.shutdown")
		default:
			writeJSONError(w, http.StatusInternalServerError, "Internal server error")
			h.log.ErrorContext(ctx, "stream.register.fail", slog.String("err", err.Error()))
		}
		return
	}

	ctx = streamCtx(ctx, s)
	w.Header().Set("Content-Type", textContentType)
	w.WriteHeader(http.StatusCreated)
	if _, err := w.Write([]byte(token)); err != nil {
		h.log.ErrorContext(ctx, "stream.register.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "stream.register.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetPost dispatches on the negotiated media type: event stream
// requests attach a registered stream or run a distinct operation, anything
// else enqueues an operation on a registered stream.
func (h *Handler) handleGetPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accepted, _, err := contenttype.GetAcceptableMediaType(r, operationMediaTypes)
	if err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "Not acceptable")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	if r.Method == http.MethodPost && r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			h.log.WarnContext(ctx, "content_type.unsupported")
			return
		}
	}

	stream := h.reg.Lookup(tokenFrom(r))

	if accepted.Matches(eventStreamMediaType) {
		if h.cfg.onConnect != nil {
			if err := h.cfg.onConnect(r); err != nil {
				writeError(w, err)
				h.log.InfoContext(ctx, "connect.hook.reject", slog.String("err", err.Error()))
				return
			}
		}
		if stream == nil {
			h.serveDistinct(w, r)
			return
		}
		h.serveAttach(w, r, stream)
		return
	}

	if stream == nil {
		writeJSONError(w, http.StatusNotFound, "Stream not found")
		h.log.InfoContext(ctx, "stream.load.miss")
		return
	}
	h.enqueue(w, r, stream)
}

// serveAttach streams the frames of a registered stream until the client
// goes away or the stream terminates.
func (h *Handler) serveAttach(w http.ResponseWriter, r *http.Request, s *streamcore.Stream) {
	start := time.Now()
	ctx := streamCtx(r.Context(), s)

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "Streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	if err := s.Attach(); err != nil {
		switch {
		case errors.Is(err, streamcore.ErrStreamOpen):
			writeJSONError(w, http.StatusConflict, "Stream already open")
			h.log.WarnContext(ctx, "stream.attach.conflict")
		default:
			writeJSONError(w, http.StatusNotFound, "Stream not found")
			h.log.InfoContext(ctx, "stream.attach.miss", slog.String("err", err.Error()))
		}
		return
	}

	writeEventStreamHeaders(w)
	f.Flush()
	h.log.InfoContext(ctx, "stream.attach.ok")

	if err := s.Serve(ctx, &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}); err != nil && !errors.Is(err, context.Canceled) {
		h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "stream.detach", slog.Duration("dur", time.Since(start)))
}

// serveDistinct executes one operation and streams its results on the
// response.
func (h *Handler) serveDistinct(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "Streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	req, err := graphql.ParseRequest(r)
	if err != nil {
		writeError(w, err)
		h.log.InfoContext(ctx, "request.params.invalid", slog.String("err", err.Error()))
		return
	}
	op, err := h.prepare(ctx, r, req)
	if err != nil {
		writeError(w, err)
		h.log.InfoContext(ctx, "operation.prepare.reject", slog.String("err", err.Error()))
		return
	}
	// The id only keys frames on registered streams.
	op.ID = ""
	ctx = operationCtx(ctx, op)

	s, err := h.reg.AdHoc()
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Server is shutting down")
		h.log.InfoContext(ctx, "stream.adhoc.shutdown")
		return
	}
	ctx = streamCtx(ctx, s)

	execCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()
	defer cancel()

	if err := s.Reserve(op.ID, cancel); err != nil {
		s.Close()
		writeJSONError(w, http.StatusServiceUnavailable, "Server is shutting down")
		h.log.InfoContext(ctx, "operation.reserve.fail", slog.String("err", err.Error()))
		return
	}

	src, err := h.execute(execCtx, op)
	if err != nil {
		s.Close()
		writeError(w, err)
		h.log.InfoContext(ctx, "operation.execute.reject", slog.String("err", err.Error()))
		return
	}
	if !s.Upgrade(op.ID, src) {
		_ = src.Close()
		s.Close()
		writeJSONError(w, http.StatusServiceUnavailable, "Operation cancelled")
		return
	}

	if err := s.Attach(); err != nil {
		s.Close()
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		h.log.ErrorContext(ctx, "stream.attach.fail", slog.String("err", err.Error()))
		return
	}
	writeEventStreamHeaders(w)
	f.Flush()

	s.From(execCtx, op.ID, src, h.hooks(op))
	if err := s.Serve(ctx, &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}); err != nil && !errors.Is(err, context.Canceled) {
		h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "operation.distinct.done", slog.Duration("dur", time.Since(start)))
}

// enqueue reserves an operation on a registered stream, executes it and
// hands its results to the stream.
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, s *streamcore.Stream) {
	start := time.Now()
	ctx := streamCtx(r.Context(), s)

	req, err := graphql.ParseRequest(r)
	if err != nil {
		writeError(w, err)
		h.log.InfoContext(ctx, "request.params.invalid", slog.String("err", err.Error()))
		return
	}
	id := req.OperationID()
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "Operation ID is missing")
		h.log.InfoContext(ctx, "operation.id.missing")
		return
	}
	ctx = logctx.WithOperationData(ctx, &logctx.OperationData{ID: id})

	// Operations outlive the request that enqueued them. They end when they
	// complete, are cancelled or the handler's context ends.
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(h.ctx, cancel)
	release := func() {
		stop()
		cancel()
	}

	if err := s.Reserve(id, release); err != nil {
		release()
		switch {
		case errors.Is(err, streamcore.ErrOperationExists):
			writeJSONError(w, http.StatusConflict, "Operation with ID already exists")
			h.log.WarnContext(ctx, "operation.reserve.conflict")
		case errors.Is(err, streamcore.ErrShuttingDown):
			writeJSONError(w, http.StatusServiceUnavailable, "Server is shutting down")
			h.log.InfoContext(ctx, "operation.reserve.shutdown")
		default:
			writeJSONError(w, http.StatusNotFound, "Stream not found")
			h.log.InfoContext(ctx, "operation.reserve.miss", slog.String("err", err.Error()))
		}
		return
	}
	h.log.InfoContext(ctx, "operation.reserve.ok")

	op, err := h.prepare(execCtx, r, req)
	if err != nil {
		s.Release(id)
		writeError(w, err)
		h.log.InfoContext(ctx, "operation.prepare.reject", slog.String("err", err.Error()))
		return
	}
	ctx = operationCtx(ctx, op)
	execCtx = operationCtx(execCtx, op)

	src, err := h.execute(execCtx, op)
	if err != nil {
		s.Release(id)
		writeError(w, err)
		h.log.InfoContext(ctx, "operation.execute.reject", slog.String("err", err.Error()))
		return
	}
	if !s.Upgrade(id, src) {
		_ = src.Close()
		w.WriteHeader(http.StatusNoContent)
		h.log.InfoContext(ctx, "operation.cancel.early")
		return
	}

	s.From(execCtx, id, src, h.hooks(op))
	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "operation.enqueue.ok", slog.Duration("dur", time.Since(start)))
}

// handleDelete cancels an operation on a registered stream.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	s := h.reg.Lookup(tokenFrom(r))
	if s == nil {
		writeJSONError(w, http.StatusNotFound, "Stream not found")
		h.log.InfoContext(ctx, "stream.load.miss")
		return
	}
	ctx = streamCtx(ctx, s)

	id := r.URL.Query().Get(OperationIDQueryParam)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "Operation ID is missing")
		h.log.InfoContext(ctx, "operation.id.missing")
		return
	}
	ctx = logctx.WithOperationData(ctx, &logctx.OperationData{ID: id})

	if err := s.Cancel(id); err != nil {
		writeJSONError(w, http.StatusNotFound, "Operation not found")
		h.log.InfoContext(ctx, "operation.cancel.miss")
		return
	}
	w.WriteHeader(http.StatusOK)
	h.log.InfoContext(ctx, "http.delete.ok")
}

// prepare parses the operation, applies transport rules and runs the
// operation hook.
func (h *Handler) prepare(ctx context.Context, r *http.Request, req *graphql.Request) (*graphql.Operation, error) {
	op, err := graphql.NewOperation(r, req)
	if err != nil {
		return nil, err
	}
	if r.Method == http.MethodGet && op.Type() == ast.Mutation {
		rej := graphql.Reject(http.StatusMethodNotAllowed, "Cannot perform mutations over GET")
		rej.Header = http.Header{"Allow": []string{http.MethodPost}}
		return nil, rej
	}
	if h.cfg.onOperation != nil {
		if err := h.cfg.onOperation(ctx, op); err != nil {
			return nil, err
		}
	}
	return op, nil
}

// execute runs op and normalizes its outcome to a result source. A
// *graphql.Rejection outcome is returned as the error.
func (h *Handler) execute(ctx context.Context, op *graphql.Operation) (graphql.ResultSource, error) {
	out, err := h.exec.Execute(ctx, op)
	if err != nil {
		var rej *graphql.Rejection
		if !errors.As(err, &rej) {
			h.log.ErrorContext(ctx, "operation.execute.fail", slog.String("err", err.Error()))
		}
		return nil, err
	}
	switch out := out.(type) {
	case *graphql.Rejection:
		return nil, out
	case graphql.Single:
		return graphql.Results(out.Result), nil
	case graphql.Streaming:
		if out.Source == nil {
			return nil, fmt.Errorf("executor returned a nil source")
		}
		return out.Source, nil
	default:
		return nil, fmt.Errorf("unexpected outcome %T", out)
	}
}

func (h *Handler) hooks(op *graphql.Operation) streamcore.Hooks {
	var hooks streamcore.Hooks
	if fn := h.cfg.onNext; fn != nil {
		hooks.OnNext = func(ctx context.Context, result json.RawMessage) (json.RawMessage, error) {
			return fn(ctx, op, result)
		}
	}
	if fn := h.cfg.onComplete; fn != nil {
		hooks.OnComplete = func(ctx context.Context) { fn(ctx, op) }
	}
	return hooks
}

func operationCtx(ctx context.Context, op *graphql.Operation) context.Context {
	return logctx.WithOperationData(ctx, &logctx.OperationData{ID: op.ID, Name: op.Name(), Type: string(op.Type())})
}
