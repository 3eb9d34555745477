// Package auth implements the single-password gate and its session
// tokens. A successful login mints a signed HS256 token carried in an
// HttpOnly cookie; mobile and TUI clients may instead send the app
// password itself in the X-App-Password header on every request.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName is the session cookie's name.
const CookieName = "session"

// HeaderName is the password fallback header for clients without a
// cookie jar.
const HeaderName = "X-App-Password"

// Sessions mints and verifies session tokens against a shared secret.
type Sessions struct {
	appPassword string
	secret      []byte
	ttl         time.Duration
}

// NewSessions creates a session manager. An empty appPassword disables
// logins entirely.
func NewSessions(appPassword, secret string, ttl time.Duration) *Sessions {
	return &Sessions{
		appPassword: appPassword,
		secret:      []byte(secret),
		ttl:         ttl,
	}
}

// CheckPassword reports whether the supplied password matches the
// configured one. It is constant-time and always false when no
// password is configured.
func (s *Sessions) CheckPassword(password string) bool {
	if s.appPassword == "" || password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.appPassword)) == 1
}

// Issue mints a session token valid for the configured lifetime.
func (s *Sessions) Issue() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   "authenticated",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

// Verify reports whether the token is a valid unexpired session.
func (s *Sessions) Verify(token string) bool {
	if token == "" {
		return false
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return false
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	return ok && claims.Subject == "authenticated"
}

// Authenticated reports whether a request carries a valid session
// cookie or the app password header.
func (s *Sessions) Authenticated(r *http.Request) bool {
	if c, err := r.Cookie(CookieName); err == nil && s.Verify(c.Value) {
		return true
	}
	return s.CheckPassword(r.Header.Get(HeaderName))
}

// Cookie builds the HttpOnly session cookie for a minted token.
func (s *Sessions) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.ttl / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearCookie builds the expired cookie that logs a browser out.
func ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
