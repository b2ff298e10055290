package credentials

import (
	"errors"
	"log/slog"
)

// ErrInvalidCredentials is returned when a Credentials value cannot be used
// for a login attempt.
var ErrInvalidCredentials = errors.New("credentials: invalid")

// Credentials identify the account a session logs in as. Exactly one of
// Password or Blob must be set. A Blob is an opaque, service-issued token
// obtained from an earlier remember-me login.
type Credentials struct {
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	Blob       string `json:"blob,omitempty"`
	RememberMe bool   `json:"remember_me,omitempty"`
}

// Password builds password credentials.
func Password(username, password string, rememberMe bool) Credentials {
	return Credentials{Username: username, Password: password, RememberMe: rememberMe}
}

// FromBlob builds credentials from a remembered blob.
func FromBlob(username, blob string) Credentials {
	return Credentials{Username: username, Blob: blob}
}

// IsBlob reports whether the credentials carry a blob rather than a password.
func (c Credentials) IsBlob() bool { return c.Blob != "" }

// Validate checks the credentials are well formed. It does not contact the
// service.
func (c Credentials) Validate() error {
	if c.Username == "" {
		return errors.Join(ErrInvalidCredentials, errors.New("username is required"))
	}
	switch {
	case c.Password == "" && c.Blob == "":
		return errors.Join(ErrInvalidCredentials, errors.New("password or blob is required"))
	case c.Password != "" && c.Blob != "":
		return errors.Join(ErrInvalidCredentials, errors.New("password and blob are mutually exclusive"))
	}
	return nil
}

// LogValue keeps secrets out of structured logs.
func (c Credentials) LogValue() slog.Value {
	kind := "password"
	if c.IsBlob() {
		kind = "blob"
	}
	return slog.GroupValue(
		slog.String("username", c.Username),
		slog.String("kind", kind),
		slog.Bool("remember_me", c.RememberMe),
	)
}

var _ slog.LogValuer = Credentials{}
