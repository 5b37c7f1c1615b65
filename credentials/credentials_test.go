package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignerMintsVerifiableToken(t *testing.T) {
	secret := []byte("s3cret")
	s, err := NewSigner(SignerConfig{Secret: secret, Issuer: "tests", Audience: "cluster", TTL: time.Minute})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	tok, err := s.Token(context.Background(), "client-1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer("tests"),
		jwt.WithAudience("cluster"),
		jwt.WithExpirationRequired(),
	)
	var got claims
	if _, err := parser.ParseWithClaims(tok, &got, func(*jwt.Token) (any, error) { return secret, nil }); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.ClientID != "client-1" || got.Subject != "client-1" {
		t.Fatalf("unexpected claims: %+v", got)
	}
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner(SignerConfig{}); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestStatic(t *testing.T) {
	tok, err := Static("abc").Token(context.Background(), "ignored")
	if err != nil || tok != "abc" {
		t.Fatalf("Static = %q, %v", tok, err)
	}
}
