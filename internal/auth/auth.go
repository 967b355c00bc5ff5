// Package auth guards the admin API. Operators hold signed JWTs; the
// public admission surface never touches this package.
package auth

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "api-guard/internal/common/errors"
	"api-guard/internal/clock"
)

const tokenTTL = 24 * time.Hour

// Claims carries the operator identity inside the JWT.
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// Auth issues and validates operator tokens.
type Auth struct {
	secret []byte
	clock  clock.Clock
}

// New creates the operator auth layer with the shared signing secret.
func New(secret string, clk clock.Clock) *Auth {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Auth{secret: []byte(secret), clock: clk}
}

// IssueToken mints a signed token for the named operator.
func (a *Auth) IssueToken(operator string) (string, error) {
	now := a.clock.Now()
	claims := Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "api-guard",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", apperrors.InternalError("failed to sign token", err)
	}
	return signed, nil
}

// ValidateToken parses a signed token and returns its claims.
func (a *Auth) ValidateToken(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.AuthError("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.clock.Now))
	if err != nil {
		return nil, apperrors.AuthError("invalid token").WithCode("INVALID_TOKEN")
	}
	if !token.Valid {
		return nil, apperrors.AuthError("invalid token").WithCode("INVALID_TOKEN")
	}
	return claims, nil
}

// RequireAuth rejects requests without a valid operator token.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			unauthorized(w, "authentication required")
			return
		}

		claims, err := a.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			unauthorized(w, "invalid or expired token")
			return
		}

		r.Header.Set("X-Operator", claims.Operator)
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  "UNAUTHORIZED",
	})
}
