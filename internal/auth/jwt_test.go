package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func protected(secret string, roles ...string) http.Handler {
	return Middleware(secret, roles...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if ok {
			_, _ = w.Write([]byte(claims.Subject))
		}
	}))
}

func call(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAcceptsAllowedRole(t *testing.T) {
	token, err := Issue("s3cret", "D1", RoleDriver, time.Minute)
	require.NoError(t, err)

	rec := call(protected("s3cret", RoleDriver), token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "D1", rec.Body.String())
}

func TestMiddlewareRejects(t *testing.T) {
	customer, err := Issue("s3cret", "c1", RoleCustomer, time.Minute)
	require.NoError(t, err)
	expired, err := Issue("s3cret", "D1", RoleDriver, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := Issue("other", "D1", RoleDriver, time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleDriver}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	h := protected("s3cret", RoleDriver)
	require.Equal(t, http.StatusUnauthorized, call(h, "").Code)
	require.Equal(t, http.StatusForbidden, call(h, customer).Code)
	require.Equal(t, http.StatusUnauthorized, call(h, expired).Code)
	require.Equal(t, http.StatusUnauthorized, call(h, wrongKey).Code)
	require.Equal(t, http.StatusUnauthorized, call(h, none).Code)
}

func TestMiddlewareDisabledWithoutSecret(t *testing.T) {
	require.Equal(t, http.StatusOK, call(protected("", RoleDriver), "").Code)
}

func TestTokenFromHeader(t *testing.T) {
	require.Equal(t, "abc", tokenFromHeader("bearer abc"))
	require.Equal(t, "", tokenFromHeader("Basic abc"))
	require.Equal(t, "", tokenFromHeader("abc"))
}
