package cloud

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenLifetime is assumed when neither the response nor the token
// says when it expires.
const DefaultTokenLifetime = 90 * 24 * time.Hour

// Credential is one access/refresh token pair. Values are never modified
// after construction.
type Credential struct {
	AccessToken      string
	RefreshToken     string
	Username         string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

// ExpiresWithin reports whether the access token expires less than d after now.
func (c *Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return c.ExpiresAt.Sub(now) < d
}

// Expired reports whether the access token is no longer valid at now.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// newCredential builds a Credential from a token response. The username
// falls back to prev when the token does not carry one.
func newCredential(t TokenResponse, prev *Credential, now time.Time) *Credential {
	claims := parseClaims(t.AccessToken)

	c := &Credential{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Username:     claims.username,
	}
	if c.Username == "" && prev != nil {
		c.Username = prev.Username
	}
	if c.RefreshToken == "" && prev != nil {
		c.RefreshToken = prev.RefreshToken
	}

	switch {
	case t.ExpiresIn > 0:
		c.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	case !claims.expiresAt.IsZero():
		c.ExpiresAt = claims.expiresAt
	default:
		c.ExpiresAt = now.Add(DefaultTokenLifetime)
	}

	if t.RefreshExpiresIn > 0 {
		c.RefreshExpiresAt = now.Add(time.Duration(t.RefreshExpiresIn) * time.Second)
	} else {
		c.RefreshExpiresAt = c.ExpiresAt
	}
	return c
}

type tokenClaims struct {
	username  string
	expiresAt time.Time
}

// parseClaims reads the username and exp claims without verifying the
// signature. The broker verifies the token; only its contents are needed here.
func parseClaims(token string) tokenClaims {
	var out tokenClaims
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return out
	}
	if u, ok := claims["username"].(string); ok {
		out.username = u
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.expiresAt = exp.Time
	}
	return out
}
