package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

// User is a row of the shared users table.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Enabled      bool
	CreatedAt    time.Time
}

// CreateUser registers username with a bcrypt hash of password.
func CreateUser(db *sql.DB, username, password string) (int64, error) {
	if username == "" {
		return 0, fmt.Errorf("username cannot be empty")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return 0, err
	}

	result, err := db.Exec("INSERT INTO users (username, password_hash) VALUES (?, ?)", username, hash)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrUserExists
		}
		return 0, err
	}
	return result.LastInsertId()
}

// EnsureUser returns the id of username, inserting a row without a password
// when the user is unknown.
func EnsureUser(db *sql.DB, username string) (int64, error) {
	if username == "" {
		return 0, fmt.Errorf("username cannot be empty")
	}
	if _, err := db.Exec("INSERT OR IGNORE INTO users (username) VALUES (?)", username); err != nil {
		return 0, err
	}

	var id int64
	err := db.QueryRow("SELECT id FROM users WHERE username = ?", username).Scan(&id)
	return id, err
}

func GetUserByUsername(db *sql.DB, username string) (*User, error) {
	var (
		u    User
		hash sql.NullString
	)
	err := db.QueryRow(
		"SELECT id, username, password_hash, enabled, created_at FROM users WHERE username = ?",
		username,
	).Scan(&u.ID, &u.Username, &hash, &u.Enabled, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.PasswordHash = hash.String
	return &u, nil
}

// SetUserPassword replaces the password of an existing user, creating the
// user when needed.
func SetUserPassword(db *sql.DB, username, password string) error {
	if _, err := EnsureUser(db, username); err != nil {
		return err
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	_, err = db.Exec("UPDATE users SET password_hash = ? WHERE username = ?", hash, username)
	return err
}

// CheckUserPassword reports whether password matches the stored hash.
// Unknown users, disabled users and users without a password never match.
func CheckUserPassword(db *sql.DB, username, password string) (bool, error) {
	u, err := GetUserByUsername(db, username)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !u.Enabled || u.PasswordHash == "" {
		return false, nil
	}
	err = bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return err == nil, err
}

func hashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %v", err)
	}
	return string(hash), nil
}

// UserExists reports whether username has an enabled account.
func (m *DBManager) UserExists(ctx context.Context, username string) (bool, error) {
	var enabled bool
	err := m.sharedDB.QueryRowContext(ctx, "SELECT enabled FROM users WHERE username = ?", username).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return enabled, nil
}
