// ABOUTME: Tests for JWT issuance and parsing with required security constraints.
// ABOUTME: Covers algorithm pinning, expiry enforcement, and role validation.
package auth_test

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scarson/paidqueue/internal/auth"
)

var secret = []byte("test-secret-32-bytes-minimum-aaaa")

func TestJWTRoundTrip(t *testing.T) {
	t.Parallel()
	tokenStr, err := auth.IssueToken(secret, "gpu-box-1", auth.RoleWorker, 15*time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	claims, err := auth.ParseToken(tokenStr, secret)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Subject != "gpu-box-1" {
		t.Errorf("Subject = %q, want gpu-box-1", claims.Subject)
	}
	if claims.Role != auth.RoleWorker {
		t.Errorf("Role = %q, want worker", claims.Role)
	}
}

func TestJWTRejectsExpired(t *testing.T) {
	t.Parallel()
	tokenStr, err := auth.IssueToken(secret, "s", auth.RoleAdmin, -1*time.Second)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := auth.ParseToken(tokenStr, secret); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	t.Parallel()
	tokenStr, err := auth.IssueToken(secret, "s", auth.RoleAdmin, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := auth.ParseToken(tokenStr, []byte("another-secret-of-enough-length!!")); err == nil {
		t.Error("expected error for wrong secret, got nil")
	}
}

func TestJWTRejectsWrongAlgorithm(t *testing.T) {
	t.Parallel()
	tokenStr, err := auth.IssueToken(secret, "s", auth.RoleProducer, 15*time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Replace the header to claim RS256; WithValidMethods(["HS256"]) must reject this.
	parts := strings.SplitN(tokenStr, ".", 3)
	fakeHeader := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	tampered := fakeHeader + "." + parts[1] + "." + parts[2]

	if _, err := auth.ParseToken(tampered, secret); err == nil {
		t.Error("expected error for RS256 algorithm, got nil")
	}
}

func TestJWTRejectsMissingExpiry(t *testing.T) {
	t.Parallel()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{Role: auth.RoleAdmin})
	tokenStr, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(tokenStr, secret); err == nil {
		t.Error("expected error for token without exp, got nil")
	}
}

func TestJWTRejectsUnknownRole(t *testing.T) {
	t.Parallel()
	if _, err := auth.IssueToken(secret, "s", auth.Role("root"), time.Minute); !errors.Is(err, auth.ErrUnknownRole) {
		t.Errorf("IssueToken err = %v, want ErrUnknownRole", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
		Role:             auth.Role("root"),
	})
	tokenStr, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(tokenStr, secret); !errors.Is(err, auth.ErrUnknownRole) {
		t.Errorf("ParseToken err = %v, want ErrUnknownRole", err)
	}
}

func TestRoleAllows(t *testing.T) {
	t.Parallel()
	cases := []struct {
		have, need auth.Role
		want       bool
	}{
		{auth.RoleAdmin, auth.RoleWorker, true},
		{auth.RoleAdmin, auth.RoleProducer, true},
		{auth.RoleWorker, auth.RoleWorker, true},
		{auth.RoleWorker, auth.RoleProducer, false},
		{auth.RoleProducer, auth.RoleAdmin, false},
	}
	for _, c := range cases {
		if got := c.have.Allows(c.need); got != c.want {
			t.Errorf("%s.Allows(%s) = %v, want %v", c.have, c.need, got, c.want)
		}
	}
}
