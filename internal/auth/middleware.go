// Package auth extracts the caller's identity from request headers.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"rag-chatbot/internal/config"
	apperrors "rag-chatbot/internal/errors"
)

type contextKey string

// UserContextKey is the context key for storing the authenticated user
const UserContextKey contextKey = "user"

// SessionHeader carries the chat widget's session id for guests and users alike.
const SessionHeader = "X-Session-ID"

// Middleware resolves identities in "mock" mode (the bearer token is the user name) or
// "jwt" mode (an HS256 token whose subject or user_id claim is the user).
type Middleware struct {
	mode     string
	secret   []byte
	handler  *apperrors.ErrorHandler
	validate func(string) (string, error)
}

func NewMiddleware(cfg config.SecurityConfig, handler *apperrors.ErrorHandler) *Middleware {
	m := &Middleware{mode: cfg.AuthMode, secret: []byte(cfg.JWTSecret), handler: handler}
	if m.mode == "jwt" {
		m.validate = m.parseJWT
	} else {
		m.validate = parseMock
	}
	return m
}

// Identify attaches the user to the context when an Authorization header is present.
// Requests without one continue as guests; a malformed header is rejected.
func (m *Middleware) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, err := m.userFromHeader(authHeader)
		if err != nil {
			m.handler.HandleAuthError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireUser rejects guests. It must run after Identify.
func (m *Middleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserFromContext(r.Context()) == "" {
			m.handler.HandleAuthError(w, r, apperrors.ErrMissingAuthHeader)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) userFromHeader(authHeader string) (string, error) {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", apperrors.ErrInvalidAuthHeader
	}
	return m.validate(parts[1])
}

func parseMock(token string) (string, error) {
	return strings.ToLower(token), nil
}

func (m *Middleware) parseJWT(tokenStr string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", apperrors.ErrInvalidToken.WithCause(err)
	}

	if userID, ok := claims["user_id"].(string); ok && userID != "" {
		return userID, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", apperrors.ErrInvalidToken.WithCause(fmt.Errorf("token has no subject"))
	}
	return sub, nil
}

// GetUserFromContext returns the authenticated user, or "" for guests.
func GetUserFromContext(ctx context.Context) string {
	user, _ := ctx.Value(UserContextKey).(string)
	return user
}

// SessionID returns the session header value.
func SessionID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(SessionHeader))
}
