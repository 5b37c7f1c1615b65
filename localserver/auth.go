package localserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when a connecting client presents no token or
// an invalid one.
var ErrUnauthorized = errors.New("unauthorized")

// AuthConfig enables bearer-token verification on the websocket endpoint.
// Exactly one of Secret, JWKSURL or DiscoveryIssuer must be set.
type AuthConfig struct {
	// Secret verifies HS256 tokens.
	Secret []byte
	// JWKSURL verifies asymmetric tokens against a remote key set.
	JWKSURL string
	// DiscoveryIssuer finds the key set through OIDC discovery. Issuer
	// defaults to it.
	DiscoveryIssuer string
	// Issuer, when set, must match the iss claim.
	Issuer string
	// Audience, when set, must appear in the aud claim.
	Audience string
	// AllowedAlgs defaults to HS256 with Secret and RS256 with JWKSURL.
	AllowedAlgs []string
	// Leeway tolerates clock skew. Defaults to 60s.
	Leeway time.Duration
}

type verifier struct {
	parser  *jwt.Parser
	keyfunc jwt.Keyfunc
}

func newVerifier(ctx context.Context, cfg *AuthConfig) (*verifier, error) {
	set := 0
	for _, ok := range []bool{len(cfg.Secret) > 0, cfg.JWKSURL != "", cfg.DiscoveryIssuer != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of secret, jwks url or discovery issuer is required")
	}
	algs := cfg.AllowedAlgs
	if len(algs) == 0 {
		if len(cfg.Secret) > 0 {
			algs = []string{"HS256"}
		} else {
			algs = []string{"RS256"}
		}
	}
	leeway := cfg.Leeway
	if leeway == 0 {
		leeway = 60 * time.Second
	}

	popts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = cfg.DiscoveryIssuer
	}
	if issuer != "" {
		popts = append(popts, jwt.WithIssuer(issuer))
	}
	if cfg.Audience != "" {
		popts = append(popts, jwt.WithAudience(cfg.Audience))
	}
	v := &verifier{parser: jwt.NewParser(popts...)}

	if len(cfg.Secret) > 0 {
		secret := cfg.Secret
		v.keyfunc = func(*jwt.Token) (any, error) { return secret, nil }
		return v, nil
	}
	jwksURL := cfg.JWKSURL
	if cfg.DiscoveryIssuer != "" {
		u, err := discoverJWKS(ctx, cfg.DiscoveryIssuer)
		if err != nil {
			return nil, err
		}
		jwksURL = u
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	v.keyfunc = kf.Keyfunc
	return v, nil
}

func discoverJWKS(ctx context.Context, issuer string) (string, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return "", fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return "", errors.New("discovery incomplete: missing jwks_uri")
	}
	return meta.JwksURI, nil
}

// verify checks tok and that its cid claim names clientID. Tokens without a
// cid claim are rejected.
func (v *verifier) verify(tok, clientID string) error {
	if tok == "" {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	parsed, err := v.parser.Parse(tok, v.keyfunc)
	if err != nil {
		return fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid claims type")
	}
	cid, _ := claims["cid"].(string)
	if cid == "" {
		return fmt.Errorf("%w: token carries no cid claim", ErrUnauthorized)
	}
	if cid != clientID {
		return fmt.Errorf("%w: token issued for a different client", ErrUnauthorized)
	}
	return nil
}
