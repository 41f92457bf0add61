package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const adminSubjectKey contextKey = "adminSubject"

const roleAdmin = "admin"

// AdminClaims are carried by operator bearer tokens
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth guards administrative routes with HMAC bearer tokens
type AdminAuth struct {
	SecretKey string
}

// NewAdminAuth creates admin auth; an empty secret rejects every request
func NewAdminAuth(secretKey string) *AdminAuth {
	return &AdminAuth{SecretKey: secretKey}
}

// IssueAdminToken signs an admin token for subject
func (a *AdminAuth) IssueAdminToken(subject string, ttl time.Duration) (string, error) {
	if a.SecretKey == "" {
		return "", errors.New("admin secret not configured")
	}
	now := time.Now()
	claims := AdminClaims{
		Role: roleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.SecretKey))
}

// Middleware rejects requests without a valid admin bearer token
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.SecretKey == "" {
			http.Error(w, "Admin access disabled", http.StatusUnauthorized)
			return
		}

		authHeader := r.Header.Get("Authorization")
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
			return
		}

		claims := &AdminClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(a.SecretKey), nil
		}, jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		if claims.Role != roleAdmin || claims.Subject == "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), adminSubjectKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminSubject extracts the admin subject from context
func AdminSubject(ctx context.Context) string {
	if subject, ok := ctx.Value(adminSubjectKey).(string); ok {
		return subject
	}
	return ""
}
