// Package credentials supplies bearer tokens presented by a client when it
// opens a transport connection to a cluster.
package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Source produces a bearer token for a single connection attempt. A Source
// may be consulted once per dial attempt and MUST be safe for concurrent use.
type Source interface {
	Token(ctx context.Context, clientID string) (string, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context, clientID string) (string, error)

// Token implements Source.
func (f SourceFunc) Token(ctx context.Context, clientID string) (string, error) {
	return f(ctx, clientID)
}

// Static returns a Source that always yields tok.
func Static(tok string) Source {
	return SourceFunc(func(context.Context, string) (string, error) { return tok, nil })
}

// SignerConfig configures a Signer.
type SignerConfig struct {
	// Secret is the HMAC key used to sign tokens. Required.
	Secret []byte
	// Issuer is placed in the iss claim when non-empty.
	Issuer string
	// Subject is placed in the sub claim. Defaults to the client id.
	Subject string
	// Audience is placed in the aud claim when non-empty.
	Audience string
	// TTL bounds token lifetime. Defaults to five minutes.
	TTL time.Duration
}

// Signer mints a short-lived HS256 JWT for every connection attempt. The
// client id of the connecting session is carried in the "cid" claim.
type Signer struct {
	cfg SignerConfig
	now func() time.Time
}

// ErrMissingSecret is returned by NewSigner when no signing secret is set.
var ErrMissingSecret = errors.New("credentials: signing secret is required")

// NewSigner validates cfg and returns a Signer.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &Signer{cfg: cfg, now: time.Now}, nil
}

type claims struct {
	ClientID string `json:"cid,omitempty"`
	jwt.RegisteredClaims
}

// Token implements Source.
func (s *Signer) Token(_ context.Context, clientID string) (string, error) {
	now := s.now()
	sub := s.cfg.Subject
	if sub == "" {
		sub = clientID
	}
	c := claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
		},
	}
	if s.cfg.Audience != "" {
		c.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.cfg.Secret)
}

var _ Source = (*Signer)(nil)
