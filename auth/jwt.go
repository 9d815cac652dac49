package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Principal is the verified subject of an access token.
type Principal interface {
	Subject() string
	// Claims unmarshals the token claims into ref.
	Claims(ref any) error
}

type principal struct {
	sub    string
	claims jwt.MapClaims
}

func (p *principal) Subject() string { return p.sub }

func (p *principal) Claims(ref any) error {
	b, err := json.Marshal(p.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// JWTOption configures access token validation.
type JWTOption func(*jwtConfig)

type jwtConfig struct {
	audiences      []string
	requiredScopes []string
	allowedAlgs    []string
	leeway         time.Duration
	onVerified     func(ctx context.Context, p Principal)
}

// WithRequiredScopes requires every listed scope to be present.
func WithRequiredScopes(scopes ...string) JWTOption {
	return func(c *jwtConfig) { c.requiredScopes = append(c.requiredScopes, scopes...) }
}

// WithAdditionalAudiences accepts tokens minted for other audiences too,
// typically for local development against a production issuer.
func WithAdditionalAudiences(aud ...string) JWTOption {
	return func(c *jwtConfig) { c.audiences = append(c.audiences, aud...) }
}

// WithAllowedAlgs overrides the accepted signing algorithms. Default RS256.
func WithAllowedAlgs(algs ...string) JWTOption {
	return func(c *jwtConfig) { c.allowedAlgs = algs }
}

// WithLeeway sets the tolerated clock skew. Default 60s.
func WithLeeway(d time.Duration) JWTOption {
	return func(c *jwtConfig) { c.leeway = d }
}

// WithVerifiedHook is invoked with the principal of every accepted request.
func WithVerifiedHook(fn func(ctx context.Context, p Principal)) JWTOption {
	return func(c *jwtConfig) { c.onVerified = fn }
}

// JWT authenticates stream registrations with bearer access tokens.
type JWT struct {
	cfg     jwtConfig
	issuer  string
	keyfunc jwt.Keyfunc
}

var _ Authenticator = (*JWT)(nil)

// NewFromDiscovery performs OIDC discovery against issuer to locate its JWKS
// and returns a JWT authenticator for tokens addressed to audience.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...JWTOption) (*JWT, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return NewFromJWKS(ctx, meta.Issuer, meta.JwksURI, audience, opts...)
}

// NewFromJWKS returns a JWT authenticator that verifies signatures with the
// key set served at jwksURL. Keys are refreshed in the background until ctx
// ends.
func NewFromJWKS(ctx context.Context, issuer, jwksURL, audience string, opts ...JWTOption) (*JWT, error) {
	if issuer == "" || jwksURL == "" || audience == "" {
		return nil, errors.New("issuer, jwks url and audience are required")
	}
	cfg := jwtConfig{
		audiences:   []string{audience},
		allowedAlgs: []string{"RS256"},
		leeway:      60 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &JWT{
		cfg:    cfg,
		issuer: issuer,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(cfg.allowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// Authenticate verifies the request's bearer token and issues a stream
// token.
func (a *JWT) Authenticate(ctx context.Context, r *http.Request) (string, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return "", fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	p, err := a.Verify(ctx, raw)
	if err != nil {
		return "", err
	}
	if a.cfg.onVerified != nil {
		a.cfg.onVerified(ctx, p)
	}
	return NewToken()
}

// Verify validates an RFC 9068 access token.
func (a *JWT) Verify(ctx context.Context, raw string) (Principal, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.allowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.issuer),
		jwt.WithLeeway(a.cfg.leeway),
	)
	parsed, err := parser.Parse(raw, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}

	aud, err := claims.GetAudience()
	if err != nil || !slices.ContainsFunc(aud, func(s string) bool { return slices.Contains(a.cfg.audiences, s) }) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	if len(a.cfg.requiredScopes) > 0 {
		scopeStr, _ := claims["scope"].(string)
		have := strings.Fields(scopeStr)
		for _, want := range a.cfg.requiredScopes {
			if !slices.Contains(have, want) {
				return nil, fmt.Errorf("%w: missing scope %q", ErrForbidden, want)
			}
		}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &principal{sub: sub, claims: claims}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
