// Package auth verifies browser viewer sessions. Devices authenticate
// with API keys elsewhere; this covers only the humans watching them.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSession      = errors.New("no session cookie")
	ErrInvalidSession = errors.New("invalid session")
)

// Sessions mints and verifies signed session cookies. Tokens are HS256
// with the user's database ID in the subject claim.
type Sessions struct {
	secret     []byte
	cookieName string
}

func NewSessions(secret, cookieName string) *Sessions {
	return &Sessions{secret: []byte(secret), cookieName: cookieName}
}

func (s *Sessions) CookieName() string { return s.cookieName }

// Mint issues a session token for the user.
func (s *Sessions) Mint(userID uint, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(uint64(userID), 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// UserFromRequest extracts and verifies the session cookie, returning
// the user's database ID.
func (s *Sessions) UserFromRequest(r *http.Request) (uint, error) {
	c, err := r.Cookie(s.cookieName)
	if err != nil {
		return 0, ErrNoSession
	}
	return s.UserFromToken(c.Value)
}

// UserFromToken verifies a raw token string, returning the user's
// database ID.
func (s *Sessions) UserFromToken(raw string) (uint, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, ErrInvalidSession
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return 0, ErrInvalidSession
	}
	id, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || id == 0 {
		return 0, ErrInvalidSession
	}
	return uint(id), nil
}
