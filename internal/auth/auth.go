// Package auth checks IMAP and SASL credentials against a configurable
// backend.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"rook/internal/conf"
	"rook/internal/db"
)

// ErrUnavailable wraps failures to reach the credential backend. Callers
// answer them differently from a plain credential mismatch.
var ErrUnavailable = errors.New("authentication service unavailable")

// Authenticator verifies a username and password. A mismatch is reported as
// (false, nil); errors are reserved for backend failures.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
}

// New builds the authenticator selected by cfg. shared is the users
// database and is only needed by the sql backend.
func New(cfg conf.AuthConfig, shared *sql.DB) (Authenticator, error) {
	switch cfg.Backend {
	case "sql":
		if shared == nil {
			return nil, fmt.Errorf("auth backend sql needs the users database")
		}
		return NewSQLAuthenticator(shared), nil
	case "http":
		return NewHTTPAuthenticator(cfg.AuthServerURL, cfg.Domain, nil), nil
	case "jwt":
		return NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer), nil
	default:
		return nil, fmt.Errorf("unknown auth backend %q", cfg.Backend)
	}
}

// NormalizeUsername is the canonical form of an account name. Mailbox
// owners, the users table and LMTP recipients all use it, so the same
// account always maps to one set of mailboxes.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// QualifyUsername appends @domain to a bare username when a domain is set
// and returns the normalized result.
func QualifyUsername(username, domain string) string {
	if domain != "" && !strings.Contains(username, "@") {
		username += "@" + domain
	}
	return NormalizeUsername(username)
}

// SQLAuthenticator checks bcrypt hashes kept in the shared users table.
type SQLAuthenticator struct {
	db *sql.DB
}

func NewSQLAuthenticator(shared *sql.DB) *SQLAuthenticator {
	return &SQLAuthenticator{db: shared}
}

func (a *SQLAuthenticator) Authenticate(ctx context.Context, username, password string) (bool, error) {
	if username == "" || password == "" {
		return false, nil
	}
	return db.CheckUserPassword(a.db, username, password)
}
