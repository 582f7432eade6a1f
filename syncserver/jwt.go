// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/m-thenot/preorder-sync/internal/auth"
)

// JWTClaims identifies the device (client instance) making a sync
// request. Authentication mechanics (issuing tokens, user/role models)
// are out of scope per spec.md's Non-goals; this is the ambient
// transport-level check every teacher endpoint carries, grounded on
// oversync/jwt.go's JWTClaims/Middleware.
type JWTClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// JWTAuth validates bearer tokens on incoming sync requests.
type JWTAuth struct {
	secret []byte
}

func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// GenerateToken issues a token for deviceID, valid for ttl. Nothing in
// this module calls it; real issuance is out of scope for this package.
func (a *JWTAuth) GenerateToken(deviceID string, ttl time.Duration) (string, error) {
	claims := JWTClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *JWTAuth) validate(tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Middleware authenticates the bearer token and injects the device id
// into the request context for downstream handlers.
func (a *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := a.validate(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := auth.SetDeviceID(r.Context(), claims.DeviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
