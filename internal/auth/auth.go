// Package auth issues and validates bearer tokens for the control API.
package auth

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Config holds the operator account and an optional read-only viewer account
type Config struct {
	Enabled        bool
	Username       string        // Operator, defaults to "admin"
	Password       string        // Plaintext or a bcrypt hash
	ViewerUsername string        // Empty disables the viewer account
	ViewerPassword string        // Plaintext or a bcrypt hash
	JWTSecret      string        // Random per process when empty
	JWTExpiry      time.Duration // Defaults to 24h
}

type account struct {
	role         Role
	passwordHash []byte
}

// Authenticator handles user authentication
type Authenticator struct {
	enabled  bool
	accounts map[string]account
	tokens   *TokenIssuer
}

// NewAuthenticator creates an authenticator. An account with no password
// rejects every login.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	a := &Authenticator{
		enabled:  cfg.Enabled,
		accounts: make(map[string]account),
		tokens:   NewTokenIssuer(cfg.JWTSecret, cfg.JWTExpiry),
	}
	if !cfg.Enabled {
		return a, nil
	}

	username := cfg.Username
	if username == "" {
		username = "admin"
	}
	if err := a.addAccount(username, cfg.Password, RoleOperator); err != nil {
		return nil, err
	}
	if cfg.ViewerUsername != "" && cfg.ViewerUsername != username {
		if err := a.addAccount(cfg.ViewerUsername, cfg.ViewerPassword, RoleViewer); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Authenticator) addAccount(username, password string, role Role) error {
	acc := account{role: role}
	switch {
	case password == "":
	case isBcryptHash(password):
		acc.passwordHash = []byte(password)
	default:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		acc.passwordHash = hash
	}
	a.accounts[username] = acc
	return nil
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates credentials and returns a JWT token, its expiry
// (unix seconds) and the role it carries
func (a *Authenticator) Authenticate(username, password string) (string, int64, Role, error) {
	if !a.enabled {
		return "", 0, "", ErrAuthDisabled
	}

	acc, ok := a.accounts[username]
	if !ok || acc.passwordHash == nil {
		return "", 0, "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(password)); err != nil {
		return "", 0, "", ErrInvalidCredentials
	}

	token, expiresAt, err := a.tokens.Issue(username, acc.role)
	if err != nil {
		return "", 0, "", err
	}
	return token, expiresAt.Unix(), acc.role, nil
}

// ValidateToken validates a JWT token
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.tokens.Parse(token)
}

// HashPassword creates a bcrypt hash of a password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
