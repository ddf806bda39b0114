// Package authtoken decodes the JWT handed to Auth.SignIn without
// verifying it: the client never holds the signing secret, so all it
// can do is read the subject and expiry for logging and pre-emptive
// reauth, the same Claims shape internal/auth uses server-side.
package authtoken

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims mirrors the server's internal/auth.Claims payload shape, minus
// the fields only the issuer needs.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Decode parses token without verifying its signature and returns the
// claims it carries. A malformed token (wrong shape, not a JWT at all)
// returns an error; an expired or not-yet-valid token does not, callers
// should check ExpiresAt themselves.
func Decode(token string) (Claims, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// ExpiresAt returns the token's expiry, or the zero Time if it carries
// none.
func (c Claims) ExpiresAt() time.Time {
	if c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.ExpiresAt.Time
}

// ExpiresWithin reports whether the token expires within d of now, or
// has already expired. A token with no expiry claim never reports true.
func (c Claims) ExpiresWithin(d time.Duration, now time.Time) bool {
	exp := c.ExpiresAt()
	if exp.IsZero() {
		return false
	}
	return !exp.After(now.Add(d))
}
