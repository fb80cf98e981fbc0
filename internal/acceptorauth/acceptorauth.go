// Package acceptorauth verifies the registration tokens acceptor nodes present
// in their hello frame.
package acceptorauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any token that fails verification.
var ErrUnauthorized = errors.New("unauthorized acceptor")

// Verifier checks that token entitles the caller to register as instanceID.
type Verifier interface {
	Verify(ctx context.Context, instanceID, token string) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, instanceID, token string) error

func (f VerifierFunc) Verify(ctx context.Context, instanceID, token string) error {
	return f(ctx, instanceID, token)
}

// AllowAll accepts every registration. It is used when no secret or JWKS URL
// is configured.
var AllowAll Verifier = VerifierFunc(func(context.Context, string, string) error { return nil })

// Config controls token validation shared by both key sources.
type Config struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

type jwtVerifier struct {
	cfg     Config
	algs    []string
	keyfunc jwt.Keyfunc
}

// NewHMAC verifies HS256 tokens signed with secret.
func NewHMAC(secret []byte, cfg Config) (Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	return newJWTVerifier(cfg, []string{"HS256"}, func(*jwt.Token) (any, error) {
		return secret, nil
	}), nil
}

// NewJWKS verifies RS256/ES256 tokens against the key set served at jwksURL.
// The key set is refreshed in the background until ctx is cancelled.
func NewJWKS(ctx context.Context, jwksURL string, cfg Config) (Verifier, error) {
	if jwksURL == "" {
		return nil, errors.New("jwks url required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newJWTVerifier(cfg, []string{"RS256", "ES256"}, kf.Keyfunc), nil
}

func newJWTVerifier(cfg Config, algs []string, kf jwt.Keyfunc) *jwtVerifier {
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	return &jwtVerifier{cfg: cfg, algs: algs, keyfunc: func(t *jwt.Token) (any, error) {
		if !slices.Contains(algs, t.Method.Alg()) {
			return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
		}
		return kf(t)
	}}
}

// Verify parses token and requires its subject to equal instanceID.
func (v *jwtVerifier) Verify(_ context.Context, instanceID, token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.algs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(token, &claims, v.keyfunc, opts...); err != nil {
		return fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	if claims.Subject != instanceID {
		return fmt.Errorf("%w: subject %q does not match instance %q", ErrUnauthorized, claims.Subject, instanceID)
	}
	return nil
}

var _ Verifier = (*jwtVerifier)(nil)
