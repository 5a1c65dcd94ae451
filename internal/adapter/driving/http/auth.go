package httphandler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ericfisherdev/wealthpanel/internal/vault"
)

// kekHeader carries the client-derived key-encryption key, base64 encoded.
const kekHeader = "X-KEK"

type contextKey int

const (
	userIDKey contextKey = iota
	kekKey
)

var errInvalidToken = errors.New("invalid token")

// IssueToken signs an HS256 bearer token for userID that expires after ttl.
func IssueToken(userID int64, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(secret)
}

// parseToken validates an HS256 token and returns the user id in its subject.
func parseToken(tokenString string, secret []byte) (int64, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return 0, err
	}
	if !token.Valid {
		return 0, errInvalidToken
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, errInvalidToken
	}
	return userID, nil
}

// authMiddleware rejects requests without a valid bearer token and stores
// the user id in the request context. A present X-KEK header is decoded
// into the context and wiped once the handler returns.
func authMiddleware(secret []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := parseToken(raw, secret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)

		if encoded := r.Header.Get(kekHeader); encoded != "" {
			kek, err := vault.DecodeKEK(encoded)
			if err != nil {
				writeError(w, http.StatusForbidden, "invalid X-KEK header")
				return
			}
			defer vault.Wipe(kek)
			ctx = context.WithValue(ctx, kekKey, kek)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userID returns the authenticated user of the request.
func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

// kek returns the request's key-encryption key, nil when none was sent.
func kek(r *http.Request) []byte {
	k, _ := r.Context().Value(kekKey).([]byte)
	return k
}
