// Package credential detects the presence and replacement of the push
// channel credential.
package credential

import (
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the bearer token used for the backend and the push channel.
type Credential struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// Expired reports whether the credential carries an expiry that has passed.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Source yields the current credential, if any.
type Source interface {
	Current() (Credential, bool)
}

// Parse builds a credential from a raw token. JWTs are decoded without
// verification to learn the subject and expiry; anything else is kept as an
// opaque token.
func Parse(raw string) Credential {
	token := strings.TrimSpace(raw)
	cred := Credential{Token: token}
	if strings.Count(token, ".") != 2 {
		return cred
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return cred
	}
	cred.Subject = claims.Subject
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred
}

// FileSource reads the token from a file. A missing, empty or expired token
// counts as absent.
type FileSource struct {
	Path string
	Now  func() time.Time
}

// Current implements Source.
func (s FileSource) Current() (Credential, bool) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Credential{}, false
	}
	cred := Parse(string(data))
	if cred.Token == "" {
		return Credential{}, false
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	if cred.Expired(now) {
		return Credential{}, false
	}
	return cred, true
}

// Token returns the current token or "".
func (s FileSource) Token() string {
	cred, ok := s.Current()
	if !ok {
		return ""
	}
	return cred.Token
}

// Static is a fixed credential source.
type Static struct {
	Credential Credential
}

// Current implements Source.
func (s Static) Current() (Credential, bool) {
	return s.Credential, s.Credential.Token != ""
}
