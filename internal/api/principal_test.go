package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/emailsched/internal/identity"
)

func TestRequireAuth_RejectsMissingHeader(t *testing.T) {
	issuer := identity.NewTokenIssuer("secret", time.Hour)
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/senders", nil)
	w := httptest.NewRecorder()

	RequireAuth(issuer)(next).ServeHTTP(w, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuth_RejectsInvalidToken(t *testing.T) {
	issuer := identity.NewTokenIssuer("secret", time.Hour)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/senders", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	w := httptest.NewRecorder()

	RequireAuth(issuer)(next).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuth_AttachesPrincipalOnValidToken(t *testing.T) {
	issuer := identity.NewTokenIssuer("secret", time.Hour)
	token, err := issuer.Issue("user-1", "a@example.com")
	require.NoError(t, err)

	var got Principal
	var ok bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/senders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()

	RequireAuth(issuer)(next).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.True(t, ok)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "a@example.com", got.Email)
}
