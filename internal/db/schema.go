package db

import (
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"
)

// Shared table creation functions

func createUsersTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT,
		enabled BOOLEAN DEFAULT TRUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Per-user table creation functions
// Note: a user database belongs to exactly one user, so no table carries a
// user column.

func createMailboxesTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mailboxes (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		uid_validity INTEGER NOT NULL,
		last_uid INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Blobs hold message octets once per distinct content. storage is 'inline'
// when content lives in this table and 's3' when only the hash is kept here.
func createBlobsTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		id INTEGER PRIMARY KEY,
		sha256_hash TEXT NOT NULL UNIQUE,
		size INTEGER NOT NULL,
		content BLOB,
		storage TEXT NOT NULL DEFAULT 'inline',
		reference_count INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

func createMessagesTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		mailbox_id INTEGER NOT NULL,
		uid INTEGER NOT NULL,
		blob_id INTEGER NOT NULL,
		internal_date TEXT NOT NULL,
		size INTEGER NOT NULL,
		system_flags INTEGER NOT NULL DEFAULT 0,
		user_flags TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (mailbox_id, uid),
		FOREIGN KEY (mailbox_id) REFERENCES mailboxes(id) ON DELETE CASCADE,
		FOREIGN KEY (blob_id) REFERENCES blobs(id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

func createSubscriptionsTable(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY,
		mailbox_name TEXT NOT NULL UNIQUE,
		subscribed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
