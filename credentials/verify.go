package credentials

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks a credential blob before it is presented to the service.
type Verifier interface {
	VerifyBlob(ctx context.Context, blob string) (*Claims, error)
}

// Config controls blob validation.
type Config struct {
	// Issuer, when set, must match the blob's iss claim.
	Issuer      string
	AllowedAlgs []string
	Leeway      time.Duration
}

// DefaultConfig returns a Config with conservative leeway.
func DefaultConfig() *Config {
	return &Config{Leeway: 30 * time.Second}
}

type verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// NewHMACVerifier verifies HS256 blobs signed with key.
func NewHMACVerifier(cfg *Config, key []byte) (Verifier, error) {
	if len(key) == 0 {
		return nil, errors.New("key is required")
	}
	c := normalize(cfg, "HS256")
	return &verifier{cfg: c, keyfunc: func(t *jwt.Token) (any, error) {
		if !slices.Contains(c.AllowedAlgs, t.Method.Alg()) {
			return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
		}
		return key, nil
	}}, nil
}

// NewJWKSVerifier verifies asymmetric blobs using keys served at jwksURI.
// Keys are refreshed in the background for the lifetime of ctx.
func NewJWKSVerifier(ctx context.Context, cfg *Config, jwksURI string) (Verifier, error) {
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	c := normalize(cfg, "RS256")
	return &verifier{cfg: c, keyfunc: func(t *jwt.Token) (any, error) {
		if !slices.Contains(c.AllowedAlgs, t.Method.Alg()) {
			return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
		}
		return kf.Keyfunc(t)
	}}, nil
}

// NewDiscoveryVerifier locates the issuer's JWKS through OIDC discovery and
// returns a JWKS-backed verifier. cfg.Issuer is required.
func NewDiscoveryVerifier(ctx context.Context, cfg *Config) (Verifier, error) {
	if cfg == nil || cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return NewJWKSVerifier(ctx, cfg, meta.JwksURI)
}

func normalize(cfg *Config, defaultAlg string) Config {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{defaultAlg}
	}
	return c
}

func (v *verifier) VerifyBlob(ctx context.Context, blob string) (*Claims, error) {
	if blob == "" {
		return nil, fmt.Errorf("%w: empty blob", ErrBlobInvalid)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(blob, v.keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrBlobExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrBlobInvalid, err)
	}
	if typ, _ := parsed.Header["typ"].(string); typ != BlobType {
		return nil, fmt.Errorf("%w: invalid typ; want %s", ErrBlobInvalid, BlobType)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrBlobInvalid)
	}
	return claimsFrom(mc)
}
