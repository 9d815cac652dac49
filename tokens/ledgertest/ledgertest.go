// Package ledgertest holds the conformance suite every tokens.Ledger
// implementation is expected to pass.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/graphql-sse-go/tokens"
	"github.com/google/uuid"
)

// LedgerFactory creates a new Ledger instance for testing.
type LedgerFactory func(t *testing.T) tokens.Ledger

// RunLedgerTests runs the complete Ledger test suite against the provided factory.
func RunLedgerTests(t *testing.T, factory LedgerFactory) {
	t.Run("Claim_FreshTokenSucceedsOnce", func(t *testing.T) { testClaimOnce(t, factory) })
	t.Run("Claim_RetiredTokenIsRejected", func(t *testing.T) { testRetiredNotReclaimable(t, factory) })
	t.Run("Claim_ConcurrentClaimsHaveOneWinner", func(t *testing.T) { testConcurrentClaims(t, factory) })
	t.Run("Status_TracksLifecycle", func(t *testing.T) { testStatusLifecycle(t, factory) })
	t.Run("EmptyTokenRejected", func(t *testing.T) { testEmptyToken(t, factory) })
}

func newContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testClaimOnce(t *testing.T, factory LedgerFactory) {
	l := factory(t)
	ctx := newContext(t)
	tok := uuid.NewString()

	ok, err := l.Claim(ctx, tok)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok {
		t.Fatalf("expected first claim to succeed")
	}
	ok, err = l.Claim(ctx, tok)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatalf("expected second claim to fail")
	}
}

func testRetiredNotReclaimable(t *testing.T, factory LedgerFactory) {
	l := factory(t)
	ctx := newContext(t)
	tok := uuid.NewString()

	if ok, err := l.Claim(ctx, tok); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := l.Retire(ctx, tok); err != nil {
		t.Fatalf("retire: %v", err)
	}
	ok, err := l.Claim(ctx, tok)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if ok {
		t.Fatalf("retired token was reclaimed")
	}
}

func testConcurrentClaims(t *testing.T, factory LedgerFactory) {
	l := factory(t)
	ctx := newContext(t)
	tok := uuid.NewString()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Claim(ctx, tok)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if want, got := int32(1), wins.Load(); want != got {
		t.Fatalf("winning claims: want %d got %d", want, got)
	}
}

func testStatusLifecycle(t *testing.T, factory LedgerFactory) {
	l := factory(t)
	ctx := newContext(t)
	tok := uuid.NewString()

	steps := []struct {
		do   func() error
		want tokens.Status
	}{
		{func() error { return nil }, tokens.StatusUnknown},
		{func() error { _, err := l.Claim(ctx, tok); return err }, tokens.StatusLive},
		{func() error { return l.Retire(ctx, tok) }, tokens.StatusRetired},
	}
	for i, step := range steps {
		if err := step.do(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		got, err := l.Status(ctx, tok)
		if err != nil {
			t.Fatalf("step %d status: %v", i, err)
		}
		if step.want != got {
			t.Fatalf("step %d status: want %s got %s", i, step.want, got)
		}
	}
}

func testEmptyToken(t *testing.T, factory LedgerFactory) {
	l := factory(t)
	ctx := newContext(t)

	if _, err := l.Claim(ctx, ""); !errors.Is(err, tokens.ErrEmptyToken) {
		t.Fatalf("claim empty: expected ErrEmptyToken, got %v", err)
	}
	if err := l.Retire(ctx, ""); !errors.Is(err, tokens.ErrEmptyToken) {
		t.Fatalf("retire empty: expected ErrEmptyToken, got %v", err)
	}
}

// RetentionFactory creates a Ledger that forgets retired tokens after
// retention.
type RetentionFactory func(t *testing.T, retention time.Duration) tokens.Ledger

// RunRetentionTests checks that retired tokens are evicted once the
// retention has passed and remembered until then.
func RunRetentionTests(t *testing.T, factory RetentionFactory) {
	t.Run("Retire_EvictedAfterRetention", func(t *testing.T) { testRetention(t, factory) })
}

func testRetention(t *testing.T, factory RetentionFactory) {
	const retention = 200 * time.Millisecond
	l := factory(t, retention)
	ctx := newContext(t)
	tok := uuid.NewString()

	if ok, err := l.Claim(ctx, tok); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := l.Retire(ctx, tok); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if st, err := l.Status(ctx, tok); err != nil || st != tokens.StatusRetired {
		t.Fatalf("status before retention: st=%s err=%v", st, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := l.Status(ctx, tok)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st == tokens.StatusUnknown {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("retired token still %s after retention", st)
		}
		time.Sleep(retention / 4)
	}
}
