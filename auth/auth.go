// Package auth provides bearer-token sources for the synctree client.
// Two flavors are included: a fixed token handed out verbatim, and a
// self-refreshing minter for servers that accept HMAC-signed JWTs.
// Both satisfy the client package's TokenSource contract.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StaticToken is a fixed bearer token.
type StaticToken string

// Static wraps an already-issued token, typically read from configuration
// or the environment.
func Static(token string) StaticToken { return StaticToken(token) }

// Token returns the wrapped token.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("auth: empty token")
	}
	return string(s), nil
}

// HS256 mints HMAC-signed JWTs carrying a subject claim and caches each
// token for three quarters of its lifetime, so steady request traffic
// reuses one signature and never presents a token close to expiry.
type HS256 struct {
	secret  []byte
	subject string
	ttl     time.Duration

	mu      sync.Mutex
	cached  string
	refresh time.Time
	now     func() time.Time
}

// NewHS256 builds a token minter signing with secret. The subject claim
// identifies the caller to the server. A non-positive ttl defaults to one
// hour.
func NewHS256(secret []byte, subject string, ttl time.Duration) (*HS256, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty signing secret")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	h := &HS256{
		secret:  append([]byte(nil), secret...),
		subject: subject,
		ttl:     ttl,
		now:     time.Now,
	}
	return h, nil
}

// Token returns the cached token, minting a fresh one when the cache is
// past its refresh deadline. Safe for concurrent use.
func (h *HS256) Token(context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	if h.cached != "" && now.Before(h.refresh) {
		return h.cached, nil
	}
	claims := jwt.RegisteredClaims{
		Subject:   h.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(h.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	h.cached = signed
	h.refresh = now.Add(h.ttl * 3 / 4)
	return signed, nil
}
