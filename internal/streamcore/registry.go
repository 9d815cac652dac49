package streamcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/graphql-sse-go/internal/logctx"
	"github.com/ggoodman/graphql-sse-go/tokens"
)

const retireTimeout = 5 * time.Second

// Registry owns every stream served by one handler.
type Registry struct {
	cfg    Config
	ledger tokens.Ledger
	log    *slog.Logger

	mu      sync.Mutex
	streams map[string]*Stream
	adHoc   map[*Stream]struct{}
	closing bool
}

// NewRegistry creates a registry that records token usage in ledger.
func NewRegistry(ledger tokens.Ledger, cfg Config) *Registry {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
		cfg.Logger = log
	}
	return &Registry{
		cfg:     cfg,
		ledger:  ledger,
		log:     log,
		streams: make(map[string]*Stream),
		adHoc:   make(map[*Stream]struct{}),
	}
}

// Register creates the stream addressed by token. Tokens that are live or
// were ever used before are refused with ErrStreamExists.
func (r *Registry) Register(ctx context.Context, token string) (*Stream, error) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, ok := r.streams[token]; ok {
		r.mu.Unlock()
		return nil, ErrStreamExists
	}
	r.mu.Unlock()

	ok, err := r.ledger.Claim(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("claim token: %w", err)
	}
	if !ok {
		return nil, ErrStreamExists
	}

	s := newStream(token, false, r.cfg, r.remove)

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		r.retire(token)
		return nil, ErrShuttingDown
	}
	r.streams[token] = s
	r.mu.Unlock()

	s.armAttachTimeout()
	return s, nil
}

// Lookup returns the live stream for token, or nil.
func (r *Registry) Lookup(token string) *Stream {
	if token == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[token]
}

// AdHoc creates an unregistered single-operation stream for a distinct
// connection. It terminates as soon as its connection ends.
func (r *Registry) AdHoc() (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return nil, ErrShuttingDown
	}
	s := newStream("", true, r.cfg, r.remove)
	r.adHoc[s] = struct{}{}
	return s, nil
}

// Len returns the number of live registered streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *Registry) remove(s *Stream) {
	r.mu.Lock()
	if s.adHoc {
		delete(r.adHoc, s)
	} else if cur, ok := r.streams[s.token]; ok && cur == s {
		delete(r.streams, s.token)
	}
	r.mu.Unlock()

	if !s.adHoc {
		r.retire(s.token)
	}
}

func (r *Registry) retire(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), retireTimeout)
	defer cancel()
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{Fingerprint: logctx.Fingerprint(token), Mode: "single"})
	if err := r.ledger.Retire(ctx, token); err != nil {
		r.log.ErrorContext(ctx, "stream.retire.fail", slog.String("err", err.Error()))
	}
}

// Shutdown refuses new streams, drains the existing ones and waits for them
// to terminate. Streams still alive when ctx ends are closed forcibly.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	all := make([]*Stream, 0, len(r.streams)+len(r.adHoc))
	for _, s := range r.streams {
		all = append(all, s)
	}
	for s := range r.adHoc {
		all = append(all, s)
	}
	r.mu.Unlock()

	r.log.InfoContext(ctx, "registry.shutdown.start", slog.Int("streams", len(all)))
	for _, s := range all {
		s.Drain()
	}
	for i, s := range all {
		select {
		case <-s.Done():
		case <-ctx.Done():
			for _, rest := range all[i:] {
				rest.Close()
			}
			r.log.WarnContext(ctx, "registry.shutdown.forced")
			return ctx.Err()
		}
	}
	r.log.InfoContext(ctx, "registry.shutdown.ok")
	return nil
}
