// Package auth resolves a connection's credentials to an Identity.
//
// Passwords are stored as argon2id hashes with a per-account random salt,
// both base64 encoded. Callers past this package only ever see the username
// and permission level.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"pixel-canvas/internal/models"
	"pixel-canvas/internal/permissions"
	"pixel-canvas/internal/repository"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrNoCredentials      = errors.New("no credentials")
)

// argon2id parameters (RFC 9106 second recommended option)
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// AccountStore is what authentication needs from account storage
type AccountStore interface {
	GetByUsername(ctx context.Context, username string) (*models.Account, error)
}

// Authenticator checks credentials against the account store
type Authenticator struct {
	accounts      AccountStore
	anonymousView bool
}

// NewAuthenticator creates an authenticator. With anonymousView, requests
// without credentials resolve to a view-only anonymous identity.
func NewAuthenticator(accounts AccountStore, anonymousView bool) *Authenticator {
	return &Authenticator{accounts: accounts, anonymousView: anonymousView}
}

// Anonymous is the identity of unauthenticated viewers
var Anonymous = models.Identity{Username: "anonymous", Permissions: permissions.Viewer}

// Authenticate verifies a username and password
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (models.Identity, error) {
	account, err := a.accounts.GetByUsername(ctx, username)
	if errors.Is(err, repository.ErrAccountNotFound) {
		// hash anyway so unknown users cost the same as wrong passwords
		HashPassword(password, make([]byte, saltLen))
		return models.Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.Identity{}, err
	}

	ok, err := VerifyPassword(password, account.PasswordHash, account.Salt)
	if err != nil {
		return models.Identity{}, fmt.Errorf("account %s: %w", username, err)
	}
	if !ok {
		return models.Identity{}, ErrInvalidCredentials
	}

	return models.Identity{
		Username:    account.Username,
		Permissions: permissions.Level(account.Permissions),
	}, nil
}

// FromRequest resolves the identity of an HTTP request from Basic credentials
func (a *Authenticator) FromRequest(r *http.Request) (models.Identity, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		if a.anonymousView {
			return Anonymous, nil
		}
		return models.Identity{}, ErrNoCredentials
	}
	return a.Authenticate(r.Context(), username, password)
}

// NewAccount builds an account row with a freshly salted password hash
func NewAccount(username, password string, level permissions.Level) (*models.Account, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return &models.Account{
		Username:     username,
		PasswordHash: base64.RawStdEncoding.EncodeToString(HashPassword(password, salt)),
		Salt:         base64.RawStdEncoding.EncodeToString(salt),
		Permissions:  uint16(level),
	}, nil
}

// HashPassword derives the argon2id key for password and salt
func HashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPassword compares password with a stored base64 hash and salt
func VerifyPassword(password, encodedHash, encodedSalt string) (bool, error) {
	salt, err := base64.RawStdEncoding.DecodeString(encodedSalt)
	if err != nil {
		return false, fmt.Errorf("malformed salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(encodedHash)
	if err != nil {
		return false, fmt.Errorf("malformed password hash: %w", err)
	}

	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// ParseAccountSpec builds an account from "name:password:level". The level
// is anything permissions.ParseLevel accepts; the password may contain ':'.
func ParseAccountSpec(spec string) (*models.Account, error) {
	first := strings.Index(spec, ":")
	last := strings.LastIndex(spec, ":")
	if first < 0 || first == last {
		return nil, fmt.Errorf("account %q: want name:password:level", spec)
	}

	level, err := permissions.ParseLevel(spec[last+1:])
	if err != nil {
		return nil, fmt.Errorf("account %q: %w", spec[:first], err)
	}
	return NewAccount(spec[:first], spec[first+1:last], level)
}
