package harvest

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// refreshSkew renews a session this long before its token expires, so a
// long download never runs into a mid-transfer 401.
const refreshSkew = 2 * time.Minute

// fallbackTTL is assumed when a vendor token carries no readable expiry.
const fallbackTTL = 55 * time.Minute

// session lazily fetches and refreshes a vendor bearer token. Expiry is
// read from the token's own exp claim; vendors issue JWTs but never
// document their lifetime.
type session struct {
	mu    sync.Mutex
	fetch func(ctx context.Context) (string, error)

	token   string
	expires time.Time
	now     func() time.Time
}

func newSession(fetch func(ctx context.Context) (string, error)) *session {
	return &session{fetch: fetch, now: time.Now}
}

// Token returns a bearer token, refreshing when absent or near expiry.
func (s *session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Add(refreshSkew).Before(s.expires) {
		return s.token, nil
	}
	token, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expires = tokenExpiry(token, s.now().Add(fallbackTTL))
	return s.token, nil
}

// Invalidate drops the cached token so the next call re-authenticates.
func (s *session) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

func tokenExpiry(token string, fallback time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	return exp.Time
}
