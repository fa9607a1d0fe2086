// Package auth verifies HS256-signed bearer tokens presented by peers. It
// does not issue tokens or manage credentials (out of scope per the
// platform's non-goals) — token issuance is assumed to happen in a separate
// identity system, and this package only validates what it is handed.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthError carries an HTTP status alongside a machine-readable code, for
// middleware that needs to translate a validation failure into a response.
type AuthError struct {
	Code    string
	Message string
	Status  int
}

func (e *AuthError) Error() string { return e.Message }

// Claims is the expected payload of a Firma-Sign bearer token.
type Claims struct {
	PeerID string `json:"peerId"`
	jwt.RegisteredClaims
}

// Service validates bearer tokens against a shared HS256 secret.
type Service struct {
	secret []byte
}

// NewService builds a Service from the configured JWT secret. A Service
// built with an empty secret rejects every token; this is intentional for
// deployments that haven't configured JWT_SECRET yet, rather than silently
// accepting unsigned tokens.
func NewService(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// ValidateSession parses and verifies token, returning the peer ID it
// authenticates for.
func (s *Service) ValidateSession(_ context.Context, token string) (string, error) {
	if len(s.secret) == 0 {
		return "", &AuthError{Code: "auth_not_configured", Message: "server has no JWT secret configured", Status: http.StatusInternalServerError}
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))

	if err != nil || !parsed.Valid {
		return "", &AuthError{Code: "invalid_token", Message: "token is invalid or expired", Status: http.StatusUnauthorized}
	}
	if claims.PeerID == "" {
		return "", &AuthError{Code: "invalid_token", Message: "token is missing a peer id claim", Status: http.StatusUnauthorized}
	}
	return claims.PeerID, nil
}
