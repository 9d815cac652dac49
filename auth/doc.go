// Package auth decides who may register an event stream. The PUT request of
// the single connection handshake is passed to an Authenticator, which
// either rejects it or returns the bearer token that will address the new
// stream.
//
// Tokens are capabilities: anyone holding one can attach to the stream and
// enqueue operations on it. Every Authenticator in this package therefore
// mints tokens with NewToken, which draws from crypto/rand.
//
// # Access Token Authentication
//
// NewFromDiscovery builds an Authenticator that requires an RFC 9068 access
// token in the Authorization header before issuing a stream token. The
// issuer's JWKS location is learned through OpenID Connect discovery and
// keys are refreshed automatically.
//
// Example:
//
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://api.example/graphql/stream",
//	    auth.WithRequiredScopes("graphql:subscribe"),
//	)
//	if err != nil { log.Fatal(err) }
//	h, err := server.New(ctx, exec, server.WithAuthenticator(authn))
//
// Failed verification is reported as ErrUnauthorized (401); a valid token
// lacking required scopes as ErrForbidden (403).
package auth
