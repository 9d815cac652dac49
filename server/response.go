package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/ggoodman/graphql-sse-go/graphql"
	"github.com/ggoodman/graphql-sse-go/internal/streamcore"
)

var _ streamcore.FrameWriter = (*lockedWriteFlusher)(nil)

// writeJSONError emits the GraphQL-shaped error body used for every 4xx and
// 5xx response: {"errors":[{"message":"<reason>"}]}. It must be called before
// the status is written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeErrors(w, status, []graphql.Error{{Message: msg}})
}

func writeErrors(w http.ResponseWriter, status int, errs []graphql.Error) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"errors": errs})
}

// writeRejection responds with rej, including any headers it carries.
func writeRejection(w http.ResponseWriter, rej *graphql.Rejection) {
	for k, vs := range rej.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	errs := rej.Errors
	if len(errs) == 0 {
		errs = []graphql.Error{{Message: http.StatusText(rej.Status)}}
	}
	writeErrors(w, rej.Status, errs)
}

// writeError responds with err when it is a *graphql.Rejection and with a
// generic 500 otherwise.
func writeError(w http.ResponseWriter, err error) {
	var rej *graphql.Rejection
	if errors.As(err, &rej) {
		writeRejection(w, rej)
		return
	}
	writeJSONError(w, http.StatusInternalServerError, "Internal server error")
}

func writeEventStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent frame writes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

// WriteFrame writes one complete frame and flushes it.
func (l *lockedWriteFlusher) WriteFrame(frame []byte) error {
	if l.ctx != nil && l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	if _, err := l.Writer.Write(frame); err != nil {
		return err
	}
	l.Flusher.Flush()
	return nil
}
