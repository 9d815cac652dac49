package client

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	backoffBase     = time.Second
	backoffMaxShift = 10
	jitterFloor     = 300 * time.Millisecond
	jitterCeiling   = 3000 * time.Millisecond
)

// Backoff is the default retry delay: one second doubled per attempt plus a
// random jitter in [300ms, 3s).
func Backoff(attempt int) time.Duration {
	shift := min(max(attempt, 0), backoffMaxShift)
	jitter := jitterFloor + rand.N(jitterCeiling-jitterFloor)
	return backoffBase<<shift + jitter
}

// sleep waits for d or until ctx ends, in which case it returns an
// ErrAborted error.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return aborted(ctx)
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return aborted(ctx)
	}
}
