package inspector

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthFailed is returned when credentials do not match.
	ErrAuthFailed = errors.New("inspector: authentication failed")
	// ErrInvalidToken is returned when a bearer token fails verification.
	ErrInvalidToken = errors.New("inspector: invalid token")
)

// claims is the JWT payload issued to an authenticated operator session.
type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies bearer tokens gating the inspector's
// mutating endpoints (admin state, link simulation, STP priority, ARP
// flush). Read-only GET routes never require a token.
type Authenticator struct {
	secret   []byte
	ttl      time.Duration
	username string
	password string

	mu      sync.Mutex
	revoked map[string]struct{}
}

// NewAuthenticator builds an Authenticator from the BSP-supplied secret
// and TTL. An empty secret disables auth entirely (every request is
// treated as authenticated), matching a lab/demo deployment.
func NewAuthenticator(secret string, ttl time.Duration, username, password string) *Authenticator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{
		secret:   []byte(secret),
		ttl:      ttl,
		username: username,
		password: password,
		revoked:  make(map[string]struct{}),
	}
}

// Enabled reports whether token enforcement is active.
func (a *Authenticator) Enabled() bool { return len(a.secret) > 0 }

// Login verifies username/password and issues a signed token.
func (a *Authenticator) Login(username, password string) (string, time.Time, error) {
	if username != a.username || password != a.password {
		return "", time.Time{}, ErrAuthFailed
	}
	now := time.Now()
	expiresAt := now.Add(a.ttl)
	c := claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Subject:   username,
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("inspector: signing token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a bearer token, returning the username it
// was issued for.
func (a *Authenticator) Verify(tokenStr string) (string, error) {
	a.mu.Lock()
	_, revoked := a.revoked[tokenStr]
	a.mu.Unlock()
	if revoked {
		return "", ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("inspector: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok {
		return "", ErrInvalidToken
	}
	return c.Username, nil
}

// Revoke blacklists a token before its natural expiry (e.g. on logout).
func (a *Authenticator) Revoke(tokenStr string) {
	a.mu.Lock()
	a.revoked[tokenStr] = struct{}{}
	a.mu.Unlock()
}

// RequireAuth wraps next so it only runs for requests bearing a valid
// "Authorization: Bearer <token>" header. When auth is disabled
// (Enabled() == false) every request passes through unchecked.
func (a *Authenticator) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, ErrInvalidToken)
			return
		}
		if _, err := a.Verify(strings.TrimPrefix(header, prefix)); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r)
	}
}
