package rdb

import (
	"time"

	"github.com/odinrealtime/rdb-go/internal/authtoken"
)

// Auth is the Database's authentication surface: arm or clear the auth
// token carried on every subsequent request, spec.md §6's `auth`/`deauth`
// frames.
type Auth struct {
	db *Database
}

// Auth returns the database's auth surface.
func (db *Database) Auth() *Auth { return &Auth{db: db} }

// SignIn arms token, queued at medium priority ahead of any already
// queued low-priority work, and blocks until the server acks or rejects
// it.
func (a *Auth) SignIn(token string) error {
	result := <-a.db.session.SetAuthToken(token)
	return result.Err
}

// SignOut clears the armed auth token and tells the server to drop it.
func (a *Auth) SignOut() error {
	result := <-a.db.session.Deauth()
	return result.Err
}

// CurrentToken returns the token currently armed on the session, or "" if
// none.
func (a *Auth) CurrentToken() string {
	return a.db.session.CurrentAuthToken()
}

// Claims does an unverified local decode of the currently armed token
// (subject, expiry), for logging and pre-emptive reauth. The SDK never
// holds a signing secret, so this is informational only: the server is
// always the authority on whether a token is actually valid.
func (a *Auth) Claims() (authtoken.Claims, error) {
	return authtoken.Decode(a.CurrentToken())
}

// ExpiresWithin reports whether the currently armed token's claimed
// expiry falls within d of now. Returns false if there is no token or it
// carries no expiry claim.
func (a *Auth) ExpiresWithin(d time.Duration) bool {
	claims, err := a.Claims()
	if err != nil {
		return false
	}
	return claims.ExpiresWithin(d, time.Now())
}
