package atproto

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProvider struct {
	cached Session
	fresh  Session
	err    error
	auths  int
}

func (f *fakeProvider) CachedSession() (Session, bool) {
	return f.cached, f.cached.AccessJWT != ""
}

func (f *fakeProvider) Authenticate(context.Context) (Session, error) {
	f.auths++
	return f.fresh, f.err
}

func TestAcquireReusesValidSession(t *testing.T) {
	now := time.Now()
	p := &fakeProvider{cached: Session{AccessJWT: "old", DID: "did:x", ExpiresAt: now.Add(time.Hour)}}
	s, err := Acquire(context.Background(), p, now)
	if err != nil {
		t.Fatal(err)
	}
	if s.AccessJWT != "old" || p.auths != 0 {
		t.Errorf("expected cached session, got %+v after %d auths", s, p.auths)
	}
}

func TestAcquireRefreshesNearExpiry(t *testing.T) {
	now := time.Now()
	p := &fakeProvider{
		cached: Session{AccessJWT: "old", DID: "did:x", ExpiresAt: now.Add(4 * time.Minute)},
		fresh:  Session{AccessJWT: "new", DID: "did:x", ExpiresAt: now.Add(time.Hour)},
	}
	s, err := Acquire(context.Background(), p, now)
	if err != nil {
		t.Fatal(err)
	}
	if s.AccessJWT != "new" || p.auths != 1 {
		t.Errorf("expected refreshed session, got %+v after %d auths", s, p.auths)
	}
}

func TestAcquirePropagatesAuthError(t *testing.T) {
	p := &fakeProvider{err: ErrNoCredentials}
	if _, err := Acquire(context.Background(), p, time.Now()); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

type memSessionStore struct {
	mu    sync.Mutex
	s     Session
	saves int
}

func (m *memSessionStore) LoadSession() (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s, m.s.AccessJWT != "", nil
}

func (m *memSessionStore) SaveSession(s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	m.saves++
	return nil
}

func TestPasswordAuthCachesAndPersists(t *testing.T) {
	var calls atomic.Int32
	token := signedToken(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"accessJwt":"` + token + `","did":"did:plc:me"}`))
	}))
	defer srv.Close()

	store := &memSessionStore{}
	auth := NewPasswordAuth(NewClient(srv.URL, nil), "me", "pw", store)

	if _, ok := auth.CachedSession(); ok {
		t.Fatal("expected no cached session before login")
	}
	for i := 0; i < 3; i++ {
		if _, err := Acquire(context.Background(), auth, time.Now()); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("createSession called %d times, want 1", calls.Load())
	}
	if store.saves != 1 || store.s.DID != "did:plc:me" {
		t.Errorf("store = %+v", store)
	}

	// A second provider over the same store starts warm.
	warm := NewPasswordAuth(NewClient(srv.URL, nil), "me", "pw", store)
	if s, ok := warm.CachedSession(); !ok || s.DID != "did:plc:me" {
		t.Errorf("expected session loaded from store, got %+v", s)
	}

	auth.Forget()
	if _, ok := auth.CachedSession(); ok {
		t.Error("Forget should drop the cached session")
	}
}

func TestPasswordAuthWithoutCredentials(t *testing.T) {
	auth := NewPasswordAuth(NewClient("http://127.0.0.1:1", nil), "", "", nil)
	if _, err := auth.Authenticate(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestSessionValidAt(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		s    Session
		want bool
	}{
		{"empty", Session{}, false},
		{"fresh", Session{AccessJWT: "a", DID: "d", ExpiresAt: now.Add(time.Hour)}, true},
		{"exactly five minutes", Session{AccessJWT: "a", DID: "d", ExpiresAt: now.Add(MinRemaining)}, false},
		{"expired", Session{AccessJWT: "a", DID: "d", ExpiresAt: now.Add(-time.Minute)}, false},
	}
	for _, tt := range tests {
		if got := tt.s.ValidAt(now); got != tt.want {
			t.Errorf("%s: ValidAt = %v, want %v", tt.name, got, tt.want)
		}
	}
}
