package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, peerID string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		PeerID: peerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func TestValidateSession_Valid(t *testing.T) {
	svc := NewService("test-secret")
	token := signToken(t, "test-secret", "peer-1", time.Hour)

	peerID, err := svc.ValidateSession(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if peerID != "peer-1" {
		t.Errorf("peerID = %q, want %q", peerID, "peer-1")
	}
}

func TestValidateSession_WrongSecret(t *testing.T) {
	svc := NewService("test-secret")
	token := signToken(t, "other-secret", "peer-1", time.Hour)

	if _, err := svc.ValidateSession(context.Background(), token); err == nil {
		t.Error("expected error for token signed with the wrong secret")
	}
}

func TestValidateSession_Expired(t *testing.T) {
	svc := NewService("test-secret")
	token := signToken(t, "test-secret", "peer-1", -time.Hour)

	if _, err := svc.ValidateSession(context.Background(), token); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestValidateSession_NoSecretConfigured(t *testing.T) {
	svc := NewService("")
	token := signToken(t, "", "peer-1", time.Hour)

	_, err := svc.ValidateSession(context.Background(), token)
	if err == nil {
		t.Fatal("expected error when no JWT secret is configured")
	}
	authErr, ok := err.(*AuthError)
	if !ok {
		t.Fatalf("error is %T, want *AuthError", err)
	}
	if authErr.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", authErr.Status, http.StatusInternalServerError)
	}
}

func TestValidateSession_MissingPeerID(t *testing.T) {
	svc := NewService("test-secret")
	token := signToken(t, "test-secret", "", time.Hour)

	if _, err := svc.ValidateSession(context.Background(), token); err == nil {
		t.Error("expected error for token missing a peer id claim")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid bearer", "Bearer abc123", "abc123"},
		{"case insensitive", "bearer abc123", "abc123"},
		{"BEARER", "BEARER abc123", "abc123"},
		{"with spaces in token", "Bearer  abc123 ", "abc123"},
		{"empty", "", ""},
		{"no bearer prefix", "Token abc123", ""},
		{"bearer only", "Bearer", ""},
		{"basic auth", "Basic dXNlcjpwYXNz", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			got := extractBearerToken(req)
			if got != tc.want {
				t.Errorf("extractBearerToken(%q) = %q, want %q", tc.header, got, tc.want)
			}
		})
	}
}

func TestPeerIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), ContextKeyPeerID, "peer-123")
	if got := PeerIDFromContext(ctx); got != "peer-123" {
		t.Errorf("PeerIDFromContext = %q, want %q", got, "peer-123")
	}

	if got := PeerIDFromContext(context.Background()); got != "" {
		t.Errorf("PeerIDFromContext(empty) = %q, want empty", got)
	}
}

func TestSessionIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), ContextKeySessionID, "sess456")
	if got := SessionIDFromContext(ctx); got != "sess456" {
		t.Errorf("SessionIDFromContext = %q, want %q", got, "sess456")
	}

	if got := SessionIDFromContext(context.Background()); got != "" {
		t.Errorf("SessionIDFromContext(empty) = %q, want empty", got)
	}
}

func TestRequireAuth(t *testing.T) {
	svc := NewService("test-secret")
	token := signToken(t, "test-secret", "peer-1", time.Hour)

	var gotPeerID string
	handler := RequireAuth(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPeerID = PeerIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotPeerID != "peer-1" {
		t.Errorf("peer id in context = %q, want %q", gotPeerID, "peer-1")
	}
}

func TestRequireAuth_MissingToken(t *testing.T) {
	svc := NewService("test-secret")
	handler := RequireAuth(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called without a token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestOptionalAuth_NoToken(t *testing.T) {
	svc := NewService("test-secret")
	called := false
	handler := OptionalAuth(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if PeerIDFromContext(r.Context()) != "" {
			t.Error("expected no peer id in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should be called even without a token")
	}
}

func TestAuthError_Error(t *testing.T) {
	err := &AuthError{Code: "test", Message: "test message", Status: 401}
	if got := err.Error(); got != "test message" {
		t.Errorf("Error() = %q, want %q", got, "test message")
	}
}
