// Package memoryledger provides a process-local tokens.Ledger. State is lost
// on exit, which is fine for single-instance servers and tests.
package memoryledger

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/graphql-sse-go/tokens"
)

// DefaultRetention is how long a retired token is remembered.
const DefaultRetention = 24 * time.Hour

type entry struct {
	status    tokens.Status
	retiredAt time.Time
}

type retired struct {
	key string
	at  time.Time
}

type Ledger struct {
	retention time.Duration
	now       func() time.Time

	mu     sync.Mutex
	tokens map[string]entry
	// retired keys in retirement order, oldest first.
	expiry []retired
}

var _ tokens.Ledger = (*Ledger)(nil)

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetention sets how long retired tokens are remembered before they are
// forgotten. Defaults to DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.retention = d
		}
	}
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		retention: DefaultRetention,
		now:       time.Now,
		tokens:    make(map[string]entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Len reports how many tokens are remembered.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
	return len(l.tokens)
}

func (l *Ledger) Claim(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, tokens.ErrEmptyToken
	}
	key := tokens.Key(token)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
	if _, ok := l.tokens[key]; ok {
		return false, nil
	}
	l.tokens[key] = entry{status: tokens.StatusLive}
	return true, nil
}

func (l *Ledger) Retire(ctx context.Context, token string) error {
	if token == "" {
		return tokens.ErrEmptyToken
	}
	key := tokens.Key(token)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
	now := l.now()
	if e, ok := l.tokens[key]; ok && e.status == tokens.StatusRetired {
		return nil
	}
	l.tokens[key] = entry{status: tokens.StatusRetired, retiredAt: now}
	l.expiry = append(l.expiry, retired{key: key, at: now})
	return nil
}

func (l *Ledger) Status(ctx context.Context, token string) (tokens.Status, error) {
	if token == "" {
		return tokens.StatusUnknown, tokens.ErrEmptyToken
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
	return l.tokens[tokens.Key(token)].status, nil
}

// sweepLocked forgets retired tokens older than the retention.
func (l *Ledger) sweepLocked() {
	cutoff := l.now().Add(-l.retention)
	n := 0
	for n < len(l.expiry) && !l.expiry[n].at.After(cutoff) {
		r := l.expiry[n]
		if e, ok := l.tokens[r.key]; ok && e.status == tokens.StatusRetired && e.retiredAt.Equal(r.at) {
			delete(l.tokens, r.key)
		}
		l.expiry[n] = retired{}
		n++
	}
	l.expiry = l.expiry[n:]
}
