package redisledger

import (
	"testing"
	"time"

	"github.com/ggoodman/graphql-sse-go/tokens"
	"github.com/ggoodman/graphql-sse-go/tokens/ledgertest"
)

func TestRedisLedger(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	l, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis ledger tests: %v", err)
		return
	}
	_ = l.Close()

	ledgertest.RunLedgerTests(t, func(t *testing.T) tokens.Ledger {
		ll, err := NewFromEnv()
		if err != nil {
			t.Fatalf("NewFromEnv: %v", err)
		}
		t.Cleanup(func() { _ = ll.Close() })
		return ll
	})

	ledgertest.RunRetentionTests(t, func(t *testing.T, retention time.Duration) tokens.Ledger {
		ll, err := NewFromEnv()
		if err != nil {
			t.Fatalf("NewFromEnv: %v", err)
		}
		t.Cleanup(func() { _ = ll.Close() })
		ll.retention = retention
		return ll
	})
}
