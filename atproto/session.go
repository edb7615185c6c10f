package atproto

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinRemaining is how long a cached session must remain valid to be reused.
const MinRemaining = 5 * time.Minute

// DefaultTokenLifetime is assumed when an access token carries no exp claim.
const DefaultTokenLifetime = 2 * time.Hour

// ErrNoCredentials is returned by Authenticate when no identifier or
// password is configured.
var ErrNoCredentials = errors.New("no credentials configured")

// Session is a capability to act on an account's repo.
type Session struct {
	AccessJWT string    `json:"access_jwt"`
	DID       string    `json:"did"`
	Handle    string    `json:"handle,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether s can be used at now for at least MinRemaining.
func (s Session) ValidAt(now time.Time) bool {
	return s.AccessJWT != "" && s.DID != "" && s.ExpiresAt.After(now.Add(MinRemaining))
}

// tokenExpiry reads the exp claim of an access JWT without verifying it;
// the token is only ever sent back to the server that issued it.
func tokenExpiry(token string, now time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return now.Add(DefaultTokenLifetime)
}

// SessionProvider hands out sessions. CachedSession never blocks on the
// network; Authenticate always creates a fresh session.
type SessionProvider interface {
	CachedSession() (Session, bool)
	Authenticate(ctx context.Context) (Session, error)
}

// Acquire returns the cached session when it is valid for at least
// MinRemaining past now, and authenticates otherwise.
func Acquire(ctx context.Context, p SessionProvider, now time.Time) (Session, error) {
	if s, ok := p.CachedSession(); ok && s.ValidAt(now) {
		return s, nil
	}
	return p.Authenticate(ctx)
}

// SessionStore persists the cached session across restarts.
type SessionStore interface {
	LoadSession() (Session, bool, error)
	SaveSession(Session) error
}

// PasswordAuth creates sessions from an identifier and app password and
// caches the latest one. Safe for concurrent use; when two callers refresh
// at once the last writer wins.
type PasswordAuth struct {
	client     *Client
	identifier string
	password   string
	store      SessionStore

	mu     sync.RWMutex
	cached Session
	loaded bool
}

// NewPasswordAuth returns a provider. store may be nil.
func NewPasswordAuth(client *Client, identifier, password string, store SessionStore) *PasswordAuth {
	return &PasswordAuth{
		client:     client,
		identifier: identifier,
		password:   password,
		store:      store,
	}
}

// CachedSession returns the last session, loading it from the store once.
func (p *PasswordAuth) CachedSession() (Session, bool) {
	p.mu.RLock()
	if p.loaded || p.store == nil {
		s := p.cached
		p.mu.RUnlock()
		return s, s.AccessJWT != ""
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		if s, ok, err := p.store.LoadSession(); err == nil && ok {
			p.cached = s
		}
		p.loaded = true
	}
	return p.cached, p.cached.AccessJWT != ""
}

// Authenticate creates a new session and caches it.
func (p *PasswordAuth) Authenticate(ctx context.Context) (Session, error) {
	if p.identifier == "" || p.password == "" {
		return Session{}, ErrNoCredentials
	}
	s, err := p.client.CreateSession(ctx, p.identifier, p.password)
	if err != nil {
		return Session{}, err
	}
	p.mu.Lock()
	p.cached = s
	p.loaded = true
	p.mu.Unlock()
	if p.store != nil {
		// A failed save only costs a login on the next restart.
		_ = p.store.SaveSession(s)
	}
	return s, nil
}

// Forget drops the cached session so the next Acquire logs in again.
func (p *PasswordAuth) Forget() {
	p.mu.Lock()
	p.cached = Session{}
	p.loaded = true
	p.mu.Unlock()
	if p.store != nil {
		_ = p.store.SaveSession(Session{})
	}
}
