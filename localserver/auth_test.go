package localserver

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

type mockIdP struct {
	srv    *httptest.Server
	issuer string
}

func newMockIdP(t *testing.T, keysJSON []byte) *mockIdP {
	t.Helper()
	m := &mockIdP{}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 m.issuer,
			"jwks_uri":               m.issuer + "/keys",
			"authorization_endpoint": m.issuer + "/oauth2/auth",
			"token_endpoint":         m.issuer + "/oauth2/token",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(mux)
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
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signRS256(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestVerifierConfigValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := newVerifier(ctx, &AuthConfig{}); err == nil {
		t.Fatalf("expected error with no key source")
	}
	if _, err := newVerifier(ctx, &AuthConfig{Secret: []byte("s"), JWKSURL: "http://x"}); err == nil {
		t.Fatalf("expected error with two key sources")
	}
}

func TestVerifierSecret(t *testing.T) {
	v, err := newVerifier(context.Background(), &AuthConfig{Secret: []byte("s3cret"), Audience: "cluster"})
	if err != nil {
		t.Fatal(err)
	}
	mint := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	exp := time.Now().Add(time.Minute).Unix()

	if err := v.verify(mint(jwt.MapClaims{"aud": "cluster", "exp": exp, "cid": "c1"}), "c1"); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	cases := map[string]string{
		"missing":      "",
		"wrong client": mint(jwt.MapClaims{"aud": "cluster", "exp": exp, "cid": "c2"}),
		"no client":    mint(jwt.MapClaims{"aud": "cluster", "exp": exp}),
		"empty client": mint(jwt.MapClaims{"aud": "cluster", "exp": exp, "cid": ""}),
		"wrong aud":    mint(jwt.MapClaims{"aud": "other", "exp": exp}),
		"no expiry":    mint(jwt.MapClaims{"aud": "cluster"}),
		"expired":      mint(jwt.MapClaims{"aud": "cluster", "exp": time.Now().Add(-time.Hour).Unix()}),
		"not a jwt":    "garbage",
	}
	for name, tok := range cases {
		if err := v.verify(tok, "c1"); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
}

func TestVerifierJWKS(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	idp := newMockIdP(t, jwks)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for name, cfg := range map[string]*AuthConfig{
		"jwks url":  {JWKSURL: idp.issuer + "/keys", Issuer: idp.issuer},
		"discovery": {DiscoveryIssuer: idp.issuer},
	} {
		t.Run(name, func(t *testing.T) {
			v, err := newVerifier(ctx, cfg)
			if err != nil {
				t.Fatalf("new verifier: %v", err)
			}
			now := time.Now()
			tok := signRS256(t, pk, kid, jwt.MapClaims{
				"iss": idp.issuer,
				"sub": "driver",
				"cid": "c1",
				"exp": now.Add(time.Hour).Unix(),
				"iat": now.Unix(),
			})
			if err := v.verify(tok, "c1"); err != nil {
				t.Fatalf("verify: %v", err)
			}
			bad := signRS256(t, pk, kid, jwt.MapClaims{
				"iss": "https://elsewhere",
				"exp": now.Add(time.Hour).Unix(),
			})
			if err := v.verify(bad, "c1"); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected issuer mismatch to fail, got %v", err)
			}
		})
	}
}
