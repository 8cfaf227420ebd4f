// ABOUTME: JWT issuance and parsing for API bearer tokens carrying a role claim.
// ABOUTME: Always enforces HS256 algorithm and expiration; never call jwt.Parse directly.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnknownRole is returned for a role name outside the closed set.
var ErrUnknownRole = errors.New("unknown role")

// Role is the capability a token grants.
type Role string

const (
	// RoleProducer may submit jobs and read them.
	RoleProducer Role = "producer"
	// RoleWorker may claim and resolve jobs.
	RoleWorker Role = "worker"
	// RoleAdmin may do everything, including account management.
	RoleAdmin Role = "admin"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleProducer, RoleWorker, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Allows reports whether a holder of r may act as required.
func (r Role) Allows(required Role) bool {
	return r == RoleAdmin || r == required
}

// Claims holds the claims embedded in an API token.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// IssueToken creates a signed HS256 JWT for subject with role.
func IssueToken(secret []byte, subject string, role Role, ttl time.Duration) (string, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return "", err
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates and parses an HS256 token.
// Returns an error if the token is expired, uses a wrong algorithm, is
// invalid, or carries an unknown role.
func ParseToken(tokenStr string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if _, err := ParseRole(string(claims.Role)); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}
