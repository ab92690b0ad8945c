package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant_core/internal/config"
)

var testSecret = []byte("test-secret")

func signSessionToken(t *testing.T, accountID string, expiresAt time.Time) string {
	t.Helper()

	claims := sessionClaims{
		AccountID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func TestSessionMiddleware(t *testing.T) {
	cfg := &config.Config{JWTSecret: testSecret}

	var gotAccountID string
	handler := SessionMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetAccountID(r.Context())
		require.True(t, ok)
		gotAccountID = id
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token passes with account in context", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/assistant/balance", nil)
		req.Header.Set("Authorization", "Bearer "+signSessionToken(t, "acct-42", time.Now().Add(time.Hour)))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "acct-42", gotAccountID)
	})

	t.Run("missing token is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/assistant/balance", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/assistant/balance", nil)
		req.Header.Set("Authorization", "Bearer "+signSessionToken(t, "acct-42", time.Now().Add(-time.Hour)))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token signed with wrong secret is rejected", func(t *testing.T) {
		claims := sessionClaims{
			AccountID: "acct-42",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte("other-secret"))
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/v1/assistant/balance", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token without account is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/assistant/balance", nil)
		req.Header.Set("Authorization", "Bearer "+signSessionToken(t, "", time.Now().Add(time.Hour)))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("subject claim works as account fallback", func(t *testing.T) {
		claims := jwt.RegisteredClaims{
			Subject:   "acct-sub",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString(testSecret)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/v1/assistant/balance", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "acct-sub", gotAccountID)
	})
}
