package streamcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/graphql-sse-go/graphql"
	"github.com/ggoodman/graphql-sse-go/internal/logctx"
	"github.com/ggoodman/graphql-sse-go/sse"
)

// DefaultKeepAlive is the interval between keepalive pings on an attached
// stream.
const DefaultKeepAlive = 12 * time.Second

// FrameWriter delivers encoded frames to the attached connection. Each call
// must flush.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// Hooks observe the results of one operation.
type Hooks struct {
	// OnNext may replace a result before it is framed.
	OnNext func(ctx context.Context, result json.RawMessage) (json.RawMessage, error)
	// OnComplete runs after the complete frame has been queued.
	OnComplete func(ctx context.Context)
}

// Config tunes stream lifecycles.
type Config struct {
	// KeepAlive is the ping interval while attached.
	KeepAlive time.Duration
	// ReconnectGrace keeps a registered stream and its operations alive for
	// this long after its connection drops. Zero tears the stream down
	// immediately.
	ReconnectGrace time.Duration
	// AttachTimeout terminates registered streams that are never attached.
	// Zero disables the timeout.
	AttachTimeout time.Duration
	Logger        *slog.Logger
}

type slot struct {
	source graphql.ResultSource
	cancel context.CancelFunc
}

// Stream is one event stream and the operations multiplexed onto it.
type Stream struct {
	token       string
	framing     sse.Framing
	adHoc       bool
	cfg         Config
	log         *slog.Logger
	logCtx      context.Context
	onTerminate func(*Stream)

	mu       sync.Mutex
	state    State
	ops      map[string]*slot
	pending  [][]byte
	draining bool
	timer    *time.Timer

	wake chan struct{}
	done chan struct{}
}

func newStream(token string, adHoc bool, cfg Config, onTerminate func(*Stream)) *Stream {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	framing, mode := sse.Keyed, "single"
	if adHoc {
		framing, mode = sse.Unkeyed, "distinct"
	}
	return &Stream{
		token:       token,
		framing:     framing,
		adHoc:       adHoc,
		cfg:         cfg,
		log:         log,
		logCtx:      logctx.WithStreamData(context.Background(), &logctx.StreamData{Fingerprint: logctx.Fingerprint(token), Mode: mode}),
		onTerminate: onTerminate,
		ops:         make(map[string]*slot),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Token returns the bearer token of a registered stream, or "" for an ad hoc
// stream.
func (s *Stream) Token() string { return s.token }

// Framing reports how frames on this stream are keyed.
func (s *Stream) Framing() sse.Framing { return s.framing }

// Done is closed once the stream has terminated.
func (s *Stream) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open reports whether a connection is attached.
func (s *Stream) Open() bool { return s.State() == StateAttached }

// Reserve records an operation before it is executed so that a concurrent
// Cancel can observe it. cancel is invoked if the operation is cancelled.
func (s *Stream) Reserve(id string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == StateTerminated:
		return ErrStreamTerminated
	case s.draining:
		return ErrShuttingDown
	}
	if _, ok := s.ops[id]; ok {
		return ErrOperationExists
	}
	s.ops[id] = &slot{cancel: cancel}
	return nil
}

// Contains reports whether an operation with id is reserved or streaming.
func (s *Stream) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ops[id]
	return ok
}

// Operations returns the number of tracked operations.
func (s *Stream) Operations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

// Upgrade attaches src to a reserved operation. It reports false when the
// reservation is gone, in which case the caller owns src and must close it.
func (s *Stream) Upgrade(id string, src graphql.ResultSource) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.ops[id]
	if !ok {
		return false
	}
	sl.source = src
	return true
}

// Release drops a reservation that will not produce results, such as a
// rejected operation. No complete frame is queued.
func (s *Stream) Release(id string) {
	s.mu.Lock()
	sl, ok := s.ops[id]
	delete(s.ops, id)
	s.mu.Unlock()
	if ok {
		finalize(sl)
	}
	s.afterRemoval()
}

// Cancel removes an operation on behalf of the client. Its source is closed
// asynchronously and no complete frame is sent for it.
func (s *Stream) Cancel(id string) error {
	s.mu.Lock()
	sl, ok := s.ops[id]
	if !ok {
		s.mu.Unlock()
		return ErrOperationNotFound
	}
	delete(s.ops, id)
	s.mu.Unlock()

	finalize(sl)
	s.log.InfoContext(s.logCtx, "operation.cancel.ok", slog.String("op", id))
	s.afterRemoval()
	return nil
}

// From drains src in the background, framing every result for operation id
// and finishing with exactly one complete frame unless the operation is
// removed first.
func (s *Stream) From(ctx context.Context, id string, src graphql.ResultSource, hooks Hooks) {
	go s.pump(ctx, id, src, hooks)
}

func (s *Stream) pump(ctx context.Context, id string, src graphql.ResultSource, hooks Hooks) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "operation.panic", slog.String("err", fmt.Sprint(r)))
		}
		sl, ok := s.complete(id)
		if ok && hooks.OnComplete != nil {
			s.safely(ctx, func() { hooks.OnComplete(ctx) })
		}
		_ = src.Close()
		if sl != nil && sl.cancel != nil {
			sl.cancel()
		}
	}()

	for {
		res, err := src.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.WarnContext(ctx, "operation.source.fail", slog.String("err", err.Error()))
				s.next(ctx, id, graphql.ErrorResult(err.Error()))
			}
			return
		}
		if !s.Contains(id) {
			return
		}
		if hooks.OnNext != nil {
			res, err = hooks.OnNext(ctx, res)
			if err != nil {
				s.log.WarnContext(ctx, "operation.next.hook.fail", slog.String("err", err.Error()))
				return
			}
		}
		s.next(ctx, id, res)
	}
}

func (s *Stream) next(ctx context.Context, id string, result json.RawMessage) {
	frame, err := sse.Encode(sse.Message{Event: sse.EventNext, ID: id, Payload: result}, s.framing)
	if err != nil {
		s.log.ErrorContext(ctx, "operation.result.invalid", slog.String("err", err.Error()))
		return
	}
	s.mu.Lock()
	if _, ok := s.ops[id]; ok && s.state != StateTerminated {
		s.pending = append(s.pending, frame)
	}
	s.mu.Unlock()
	s.notify()
}

// complete removes the operation and queues its complete frame. It reports
// false when the operation had already been removed.
func (s *Stream) complete(id string) (*slot, bool) {
	frame := sse.MustEncode(sse.Message{Event: sse.EventComplete, ID: id}, s.framing)

	s.mu.Lock()
	sl, ok := s.ops[id]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	delete(s.ops, id)
	if s.state != StateTerminated {
		s.pending = append(s.pending, frame)
	}
	s.mu.Unlock()

	s.afterRemoval()
	return sl, true
}

func (s *Stream) afterRemoval() {
	s.notify()
	s.mu.Lock()
	idle := s.draining && s.state == StateUnattached && len(s.ops) == 0
	s.mu.Unlock()
	if idle {
		s.terminate()
	}
}

func (s *Stream) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream) safely(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "operation.hook.panic", slog.String("err", fmt.Sprint(r)))
		}
	}()
	fn()
}

// Attach claims the stream for a connection. A second attach while one is
// open fails with ErrStreamOpen and leaves the first untouched.
func (s *Stream) Attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Transition(s.state, EventAttach)
	if err != nil {
		return err
	}
	s.state = next
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return nil
}

// Serve writes frames to w until ctx ends, the stream terminates or, for ad
// hoc and draining streams, every operation has completed. The stream must
// have been attached first; Serve always detaches it on return.
func (s *Stream) Serve(ctx context.Context, w FrameWriter) error {
	defer s.detach()

	if err := w.WriteFrame(sse.Ping); err != nil {
		return err
	}
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		frames, finished := s.take()
		for i, f := range frames {
			if err := w.WriteFrame(f); err != nil {
				s.requeue(frames[i:])
				return err
			}
		}
		if finished {
			return nil
		}

		select {
		case <-s.wake:
		case <-ticker.C:
			if err := w.WriteFrame(sse.Ping); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		}
	}
}

func (s *Stream) take() ([][]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.pending
	s.pending = nil
	finished := (s.adHoc || s.draining) && len(s.ops) == 0
	return frames, finished
}

func (s *Stream) requeue(frames [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return
	}
	s.pending = append(append([][]byte{}, frames...), s.pending...)
}

func (s *Stream) detach() {
	s.mu.Lock()
	next, err := Transition(s.state, EventDetach)
	if err != nil {
		s.mu.Unlock()
		return
	}
	s.state = next
	grace := s.cfg.ReconnectGrace
	if s.adHoc || s.draining || grace <= 0 {
		s.mu.Unlock()
		s.terminate()
		return
	}
	s.timer = time.AfterFunc(grace, s.expire)
	s.mu.Unlock()
	s.log.InfoContext(s.logCtx, "stream.detach.grace", slog.Duration("grace", grace))
}

func (s *Stream) armAttachTimeout() {
	if s.cfg.AttachTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUnattached && s.timer == nil {
		s.timer = time.AfterFunc(s.cfg.AttachTimeout, s.expire)
	}
}

func (s *Stream) expire() {
	s.mu.Lock()
	unattached := s.state == StateUnattached
	s.mu.Unlock()
	if unattached {
		s.log.InfoContext(s.logCtx, "stream.expire")
		s.terminate()
	}
}

// Drain stops the stream from accepting operations and cancels the running
// ones so that each still sends its complete frame. The stream terminates
// once every operation has completed and queued frames are flushed.
func (s *Stream) Drain() {
	s.mu.Lock()
	if s.state == StateTerminated || s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	cancels := make([]context.CancelFunc, 0, len(s.ops))
	for _, sl := range s.ops {
		if sl.cancel != nil {
			cancels = append(cancels, sl.cancel)
		}
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.afterRemoval()
}

// Close terminates the stream immediately, cancelling every operation
// without completing it.
func (s *Stream) Close() { s.terminate() }

func (s *Stream) terminate() {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminated
	slots := s.ops
	s.ops = make(map[string]*slot)
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	close(s.done)
	s.mu.Unlock()

	for _, sl := range slots {
		finalize(sl)
	}
	s.log.InfoContext(s.logCtx, "stream.terminate", slog.Int("ops_cancelled", len(slots)))
	if s.onTerminate != nil {
		s.onTerminate(s)
	}
}

func finalize(sl *slot) {
	if sl.cancel != nil {
		sl.cancel()
	}
	if sl.source != nil {
		go sl.source.Close()
	}
}
