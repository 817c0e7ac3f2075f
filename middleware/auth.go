// Package middleware holds the HTTP wrappers shared by every route: bearer
// token authentication, request logging and CORS.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"taskboard/microservices/tasks-service/apperrors"
	"taskboard/microservices/tasks-service/logging"
	"taskboard/microservices/tasks-service/models"

	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Claims is the token payload issued by the users service.
type Claims struct {
	UserID string `json:"_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

// WithIdentity stores the authenticated caller on ctx.
func WithIdentity(ctx context.Context, identity models.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, identity)
}

// IdentityFrom returns the caller placed on ctx by Auth.
func IdentityFrom(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(ctxKey{}).(models.Identity)
	return identity, ok
}

// ParseToken validates an HS256 token and resolves the caller.
func ParseToken(tokenStr string, secret []byte) (models.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return models.Identity{}, errors.New("invalid token")
	}
	userID, err := primitive.ObjectIDFromHex(claims.UserID)
	if err != nil {
		return models.Identity{}, errors.New("token carries no valid user id")
	}
	return models.Identity{UserID: userID, Email: claims.Email}, nil
}

// Auth rejects requests without a valid bearer token and puts the caller's
// identity on the request context.
func Auth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || strings.TrimSpace(tokenStr) == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			identity, err := ParseToken(strings.TrimSpace(tokenStr), secret)
			if err != nil {
				logging.Logger.Warnf("Event ID: AUTH_REJECTED, Description: %s %s: %v", r.Method, r.URL.Path, err)
				writeUnauthorized(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   apperrors.Unauthorized.String(),
		"message": message,
	})
}
