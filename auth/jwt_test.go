package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string
}

func newMockOIDC(t *testing.T, keysJSON []byte) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys"}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		})
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(handler)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	b, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	tok.Header["typ"] = "at+jwt"
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func putRequest(bearer string) *http.Request {
	r := httptest.NewRequest(http.MethodPut, "/graphql/stream", nil)
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	return r
}

const testAudience = "https://api.example.com/graphql/stream"

func newTestAuthenticator(t *testing.T, opts ...JWTOption) (*JWT, *rsa.PrivateKey, string, string) {
	t.Helper()
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a, err := NewFromDiscovery(ctx, oidc.issuer, testAudience, append([]JWTOption{WithLeeway(0)}, opts...)...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return a, pk, kid, oidc.issuer
}

func claimsFor(issuer string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   "user-123",
		"aud":   testAudience,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "graphql:subscribe",
	}
}

func TestJWT_IssuesStreamToken(t *testing.T) {
	var seen string
	a, pk, kid, issuer := newTestAuthenticator(t, WithVerifiedHook(func(_ context.Context, p Principal) { seen = p.Subject() }))

	tok, err := a.Authenticate(context.Background(), putRequest(signToken(t, pk, kid, claimsFor(issuer))))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if want, got := 43, len(tok); want != got {
		t.Fatalf("stream token length: want %d got %d", want, got)
	}
	if want, got := "user-123", seen; want != got {
		t.Fatalf("verified subject: want %q got %q", want, got)
	}
}

func TestJWT_Rejections(t *testing.T) {
	a, pk, kid, issuer := newTestAuthenticator(t, WithRequiredScopes("graphql:subscribe"))

	wrongAud := claimsFor(issuer)
	wrongAud["aud"] = "https://elsewhere.example"
	expired := claimsFor(issuer)
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	noScope := claimsFor(issuer)
	noScope["scope"] = "graphql:query"
	otherIssuer := claimsFor("https://evil.example")

	cases := []struct {
		name   string
		bearer string
		target error
	}{
		{"missing bearer", "", ErrUnauthorized},
		{"garbage", "not-a-jwt", ErrUnauthorized},
		{"wrong audience", signToken(t, pk, kid, wrongAud), ErrUnauthorized},
		{"expired", signToken(t, pk, kid, expired), ErrUnauthorized},
		{"issuer mismatch", signToken(t, pk, kid, otherIssuer), ErrUnauthorized},
		{"missing scope", signToken(t, pk, kid, noScope), ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), putRequest(tc.bearer))
			if !errors.Is(err, tc.target) {
				t.Fatalf("want %v got %v", tc.target, err)
			}
		})
	}
}

func TestJWT_AdditionalAudiences(t *testing.T) {
	a, pk, kid, issuer := newTestAuthenticator(t, WithAdditionalAudiences("http://localhost:8080/graphql/stream"))
	c := claimsFor(issuer)
	c["aud"] = []string{"http://localhost:8080/graphql/stream"}
	if _, err := a.Authenticate(context.Background(), putRequest(signToken(t, pk, kid, c))); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
}

func TestJWT_RejectsHMAC(t *testing.T) {
	a, _, kid, issuer := newTestAuthenticator(t)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claimsFor(issuer))
	tok.Header["kid"] = kid
	tok.Header["typ"] = "at+jwt"
	s, err := tok.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := a.Authenticate(context.Background(), putRequest(s)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized got %v", err)
	}
}

func TestNewTokenIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok, err := NewToken()
		if err != nil {
			t.Fatalf("new token: %v", err)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}
