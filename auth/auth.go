package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden indicates the caller authenticated but may not register a stream.
var ErrForbidden = errors.New("forbidden")

// tokenBytes is the entropy of a stream token.
const tokenBytes = 32

// Authenticator validates a stream registration request and returns the
// token that will address the new stream.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (token string, err error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, r *http.Request) (string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) (string, error) {
	return f(ctx, r)
}

// NewToken returns a fresh URL-safe token with 256 bits of entropy.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RandomTokens admits every request and issues a random token. It is the
// default for servers that do not authenticate stream registration.
func RandomTokens() Authenticator {
	return AuthenticatorFunc(func(context.Context, *http.Request) (string, error) {
		return NewToken()
	})
}
