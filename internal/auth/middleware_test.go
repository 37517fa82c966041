package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ory/herodot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-chatbot/internal/config"
	apperrors "rag-chatbot/internal/errors"
	"rag-chatbot/internal/logging"
)

const testSecret = "test-secret"

func newTestMiddleware(mode string) *Middleware {
	cfg := config.Defaults()
	cfg.Security.AuthMode = mode
	cfg.Security.JWTSecret = testSecret
	handler := apperrors.NewErrorHandler(cfg, herodot.NewJSONWriter(nil), logging.Discard())
	return NewMiddleware(cfg.Security, handler)
}

// serve runs a request through Identify (and RequireUser when required) and reports the user seen.
func serve(m *Middleware, authHeader string, required bool) (int, string) {
	var seen string
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	if required {
		h = m.RequireUser(h)
	}
	h = m.Identify(h)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, seen
}

func signed(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestIdentify_Mock(t *testing.T) {
	m := newTestMiddleware("mock")

	code, user := serve(m, "Bearer Alice", false)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, "alice", user)

	code, user = serve(m, "", false)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Empty(t, user)

	for _, header := range []string{"Bearer", "Basic alice", "Bearer a b", "Bearer "} {
		code, _ = serve(m, header, false)
		assert.Equal(t, http.StatusUnauthorized, code, "header %q", header)
	}
}

func TestRequireUser(t *testing.T) {
	m := newTestMiddleware("mock")

	code, _ := serve(m, "", true)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, user := serve(m, "Bearer bob", true)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, "bob", user)
}

func TestIdentify_JWT(t *testing.T) {
	m := newTestMiddleware("jwt")
	exp := time.Now().Add(time.Hour).Unix()

	token := signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "user-42", "exp": exp})
	code, user := serve(m, "Bearer "+token, true)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, "user-42", user)

	token = signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"user_id": "u7", "sub": "ignored", "exp": exp})
	_, user = serve(m, "Bearer "+token, true)
	assert.Equal(t, "u7", user)

	tests := map[string]string{
		"wrong secret": signed(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "x", "exp": exp}),
		"expired":      signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "x", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no subject":   signed(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"exp": exp}),
		"wrong alg":    signed(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{"sub": "x", "exp": exp}),
		"garbage":      "not-a-token",
	}
	for name, token := range tests {
		code, _ := serve(m, "Bearer "+token, false)
		assert.Equal(t, http.StatusUnauthorized, code, name)
	}
}

func TestSessionID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, SessionID(req))

	req.Header.Set(SessionHeader, "  abc  ")
	assert.Equal(t, "abc", SessionID(req))
}
