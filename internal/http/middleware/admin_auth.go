package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const operatorClaimsKey contextKey = "operatorClaims"

// OperatorClaims are the JWT claims carried by clinic staff tokens.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// operatorRoles may use the call admin API.
var operatorRoles = []string{"operator", "admin"}

// AdminJWT enforces an HMAC-signed operator JWT for the call admin API.
// Tokens without a role are treated as operators.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "admin auth disabled", http.StatusUnauthorized)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			claims := OperatorClaims{}
			token, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), &claims, func(token *jwt.Token) (any, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}))
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if claims.Role != "" && !slices.Contains(operatorRoles, claims.Role) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), operatorClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext returns the operator claims set by AdminJWT.
func OperatorFromContext(ctx context.Context) (OperatorClaims, bool) {
	claims, ok := ctx.Value(operatorClaimsKey).(OperatorClaims)
	return claims, ok
}
