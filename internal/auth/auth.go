package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

type ctxKey int

const ownerKey ctxKey = 0

// OwnerID returns the authenticated owner id attached by Middleware, or the
// empty string if the request never passed through it.
func OwnerID(r *http.Request) string {
	id, _ := r.Context().Value(ownerKey).(string)
	return id
}

// Middleware returns a router middleware that requires a bearer token signed
// with secret (HS256). The token's subject becomes the request's owner id;
// requests without a valid token get a 401 with a JSON error body.
func Middleware(secret []byte, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID, err := authenticate(r, secret)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected request")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid or missing bearer token"})
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, ownerID)))
		})
	}
}

func authenticate(r *http.Request, secret []byte) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("Authorization header is not a bearer token")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// Token mints an HS256 token for ownerID. Used by tests and the local
// development flow; production deployments bring their own issuer.
func Token(secret []byte, ownerID string) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: ownerID})
	return t.SignedString(secret)
}
