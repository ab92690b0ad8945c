package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"assistant_core/internal/config"
)

// ContextKey is the type for request context keys set by middleware.
type ContextKey string

const AccountIDKey ContextKey = "accountID"

// sessionClaims is the page-builder session token payload. The token is
// issued by the product's auth service; this module only verifies it and
// extracts the account identity.
type sessionClaims struct {
	AccountID string `json:"account_id"`
	jwt.RegisteredClaims
}

// SessionMiddleware validates the session JWT and embeds the account ID
// into the request context. Every assistant endpoint sits behind it.
func SessionMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.Header.Get("Authorization")
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, "Missing session token")
				return
			}
			tokenString = strings.TrimPrefix(tokenString, "Bearer ")

			claims := &sessionClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(cfg.JWTSecret), nil
			})
			if err != nil || !token.Valid {
				respondWithError(w, http.StatusUnauthorized, "Invalid or expired session token")
				return
			}

			accountID := claims.AccountID
			if accountID == "" {
				accountID = claims.Subject
			}
			if accountID == "" {
				respondWithError(w, http.StatusUnauthorized, "Session token carries no account")
				return
			}

			ctx := context.WithValue(r.Context(), AccountIDKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAccountID retrieves the authenticated account ID from the request
// context.
func GetAccountID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(AccountIDKey).(string)
	return id, ok
}
