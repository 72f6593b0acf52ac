package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// DefaultTokenExpiry is used when no expiry is configured
const DefaultTokenExpiry = 24 * time.Hour

const issuer = "trafficcount"

// Role decides what a token holder may do with the counting session
type Role string

const (
	// RoleOperator may start, stop and reset runs and change settings
	RoleOperator Role = "operator"
	// RoleViewer may only watch; reads are open anyway, so a viewer token
	// only identifies the caller
	RoleViewer Role = "viewer"
)

func (r Role) valid() bool {
	return r == RoleOperator || r == RoleViewer
}

// Claims identify the caller. Subject carries the username.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// CanOperate reports whether the holder may change session state
func (c *Claims) CanOperate() bool {
	return c != nil && c.Role == RoleOperator
}

// TokenIssuer signs and checks HS256 session tokens
type TokenIssuer struct {
	key      []byte
	lifetime time.Duration
}

// NewTokenIssuer creates an issuer. Without a secret a random key is drawn,
// so tokens do not survive a restart.
func NewTokenIssuer(secret string, lifetime time.Duration) *TokenIssuer {
	if secret == "" {
		randomBytes := make([]byte, 32)
		rand.Read(randomBytes)
		secret = hex.EncodeToString(randomBytes)
	}
	if lifetime <= 0 {
		lifetime = DefaultTokenExpiry
	}
	return &TokenIssuer{key: []byte(secret), lifetime: lifetime}
}

// Issue signs a token for username with role
func (ti *TokenIssuer) Issue(username string, role Role) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ti.lifetime)

	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   username,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Parse checks signature, issuer, expiry and role
func (ti *TokenIssuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return ti.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" || !claims.Role.valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Lifetime returns how long issued tokens stay valid
func (ti *TokenIssuer) Lifetime() time.Duration {
	return ti.lifetime
}
