// Package auth issues and verifies the admin tokens that guard the
// detection log and other operator endpoints.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// RoleAdmin is the only role tokens currently carry.
const RoleAdmin = "admin"

// ErrBadSecret is returned when a presented admin secret does not match.
var ErrBadSecret = errors.New("auth: invalid admin secret")

// Claims are the JWT claims of an admin token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenIssuer issues and verifies HS256 admin tokens.
type TokenIssuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	key:    HMAC signing key; at least 32 bytes.
//	issuer: the "iss" claim value.
//	ttl:    token lifetime (default: 8 hours).
func NewTokenIssuer(key []byte, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("auth: signing key must be at least 32 bytes, got %d", len(key))
	}
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	return &TokenIssuer{key: key, issuer: issuer, ttl: ttl}, nil
}

// IssueAdminToken creates a signed admin token for subject.
func (t *TokenIssuer) IssueAdminToken(subject string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(t.ttl)
	if subject == "" {
		subject = RoleAdmin
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Role: RoleAdmin,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign admin token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses and validates a token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.key, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify admin token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid admin token claims")
	}
	return claims, nil
}

// CheckSecret compares a presented admin secret against the configured one.
// When hash is a bcrypt hash it is used and plain is ignored.
func CheckSecret(plain, hash, presented string) error {
	if presented == "" {
		return ErrBadSecret
	}
	if strings.HasPrefix(hash, "$2") {
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)); err != nil {
			return ErrBadSecret
		}
		return nil
	}
	if plain == "" || subtle.ConstantTimeCompare([]byte(plain), []byte(presented)) != 1 {
		return ErrBadSecret
	}
	return nil
}

// HashSecret returns the bcrypt hash of secret, for auth.admin_secret_hash.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(h), nil
}
