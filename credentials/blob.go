package credentials

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BlobType is the JWT "typ" header carried by credential blobs.
const BlobType = "blob+jwt"

var (
	// ErrBlobInvalid indicates a blob failed signature, issuer or type checks.
	ErrBlobInvalid = errors.New("credentials: invalid blob")
	// ErrBlobExpired indicates a blob was well formed but is past its expiry.
	ErrBlobExpired = errors.New("credentials: blob expired")
)

// Claims are the fields of a credential blob a client cares about.
type Claims struct {
	Username  string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the claims are past their expiry at now.
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Inspect decodes a blob without verifying its signature.
func Inspect(blob string) (*Claims, error) {
	if blob == "" {
		return nil, fmt.Errorf("%w: empty blob", ErrBlobInvalid)
	}
	tok, _, err := jwt.NewParser().ParseUnverified(blob, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobInvalid, err)
	}
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrBlobInvalid)
	}
	return claimsFrom(mc)
}

func claimsFrom(mc jwt.MapClaims) (*Claims, error) {
	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrBlobInvalid)
	}
	c := &Claims{Username: sub}
	c.Issuer, _ = mc.GetIssuer()
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}

// Issuer mints HS256 credential blobs. It is what a service (or the
// in-process memory service) uses to answer remember-me logins.
type Issuer struct {
	Name string
	Key  []byte
	TTL  time.Duration

	now func() time.Time
}

// NewIssuer returns an Issuer signing with key. A zero ttl defaults to 30 days.
func NewIssuer(name string, key []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Issuer{Name: name, Key: key, TTL: ttl, now: time.Now}
}

// Issue mints a blob for username.
func (i *Issuer) Issue(username string) (string, error) {
	if username == "" {
		return "", errors.New("username is required")
	}
	if len(i.Key) == 0 {
		return "", errors.New("signing key is required")
	}
	now := time.Now()
	if i.now != nil {
		now = i.now()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": i.Name,
		"sub": username,
		"iat": now.Unix(),
		"exp": now.Add(i.TTL).Unix(),
	})
	tok.Header["typ"] = BlobType
	s, err := tok.SignedString(i.Key)
	if err != nil {
		return "", fmt.Errorf("sign blob: %w", err)
	}
	return s, nil
}
