// Package tokens tracks the lifetime of event stream tokens. A token may be
// claimed once; after its stream terminates it is retired and can never be
// claimed again, even by another server instance sharing the ledger.
package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Status is the lifecycle state of a token in a Ledger.
type Status int

const (
	StatusUnknown Status = iota
	StatusLive
	StatusRetired
)

func (s Status) String() string {
	switch s {
	case StatusLive:
		return "live"
	case StatusRetired:
		return "retired"
	default:
		return "unknown"
	}
}

var ErrEmptyToken = errors.New("empty token")

// Ledger records which tokens have been handed out.
type Ledger interface {
	// Claim marks token live. It reports false when the token is already
	// live or has been retired.
	Claim(ctx context.Context, token string) (bool, error)
	// Retire marks token as permanently used.
	Retire(ctx context.Context, token string) error
	// Status reports the current state of token.
	Status(ctx context.Context, token string) (Status, error)
}

// Key derives the storage key for token. Ledgers persist digests, never the
// bearer tokens themselves.
func Key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
