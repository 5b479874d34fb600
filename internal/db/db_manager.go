package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"

	"rook/internal/blobstorage"
	"rook/internal/mailbox"
)

// DBManager manages database connections for the shared database and the
// per-user mail databases. It implements mailbox.MapperFactory.
type DBManager struct {
	basePath    string
	sharedDB    *sql.DB
	userDBCache map[string]*sql.DB
	cacheMutex  sync.RWMutex
	opening     singleflight.Group

	blobs  blobstorage.Store
	logger log.Logger
}

// Option configures a DBManager.
type Option func(*DBManager)

// WithBlobStorage keeps message content in store instead of inline in SQLite.
func WithBlobStorage(store blobstorage.Store) Option {
	return func(m *DBManager) { m.blobs = store }
}

func WithLogger(logger log.Logger) Option {
	return func(m *DBManager) { m.logger = logger }
}

// NewDBManager creates a new database manager
func NewDBManager(basePath string, opts ...Option) (*DBManager, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	manager := &DBManager{
		basePath:    basePath,
		userDBCache: make(map[string]*sql.DB),
		logger:      log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(manager)
	}

	if err := manager.initSharedDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize shared database: %v", err)
	}

	return manager, nil
}

// GetSharedDB returns the shared database connection
func (m *DBManager) GetSharedDB() *sql.DB {
	return m.sharedDB
}

// GetUserDB returns the mail database of username, registering the user in
// the shared database and creating the file on first use.
func (m *DBManager) GetUserDB(username string) (*sql.DB, error) {
	m.cacheMutex.RLock()
	if db, exists := m.userDBCache[username]; exists {
		m.cacheMutex.RUnlock()
		return db, nil
	}
	m.cacheMutex.RUnlock()

	v, err, _ := m.opening.Do(username, func() (interface{}, error) {
		// Double-check: a previous flight may have finished in between.
		m.cacheMutex.RLock()
		db, exists := m.userDBCache[username]
		m.cacheMutex.RUnlock()
		if exists {
			return db, nil
		}

		db, err := m.openUserDB(username)
		if err != nil {
			return nil, err
		}

		m.cacheMutex.Lock()
		m.userDBCache[username] = db
		m.cacheMutex.Unlock()
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sql.DB), nil
}

func (m *DBManager) openUserDB(username string) (*sql.DB, error) {
	userID, err := EnsureUser(m.sharedDB, username)
	if err != nil {
		return nil, fmt.Errorf("failed to register user %s: %v", username, err)
	}

	db, err := openSQLite(m.getUserDBPath(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %v", err)
	}

	if err := initUserDB(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize user database: %v", err)
	}

	level.Debug(m.logger).Log("msg", "opened user database", "user", username, "user_id", userID)
	return db, nil
}

// openSQLite opens path with foreign keys on and write transactions taking the
// database lock at BEGIN. A single connection serializes writers.
func openSQLite(path string) (*sql.DB, error) {
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// initSharedDB initializes the shared database
func (m *DBManager) initSharedDB() error {
	db, err := openSQLite(filepath.Join(m.basePath, "shared.db"))
	if err != nil {
		return err
	}

	if err := createUsersTable(db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create users table: %v", err)
	}

	m.sharedDB = db
	return nil
}

// initUserDB creates the per-user tables. It is idempotent.
func initUserDB(db *sql.DB) error {
	if err := createMailboxesTable(db); err != nil {
		return fmt.Errorf("failed to create mailboxes table: %v", err)
	}

	if err := createBlobsTable(db); err != nil {
		return fmt.Errorf("failed to create blobs table: %v", err)
	}

	if err := createMessagesTable(db); err != nil {
		return fmt.Errorf("failed to create messages table: %v", err)
	}

	if err := createSubscriptionsTable(db); err != nil {
		return fmt.Errorf("failed to create subscriptions table: %v", err)
	}

	if err := createUserIndexes(db); err != nil {
		return fmt.Errorf("failed to create user indexes: %v", err)
	}

	return nil
}

// getUserDBPath returns the file path for a user's database
func (m *DBManager) getUserDBPath(userID int64) string {
	return filepath.Join(m.basePath, fmt.Sprintf("user_db_%d.db", userID))
}

// Open implements mailbox.MapperFactory.
func (m *DBManager) Open(ctx context.Context, user string) (mailbox.Mappers, error) {
	db, err := m.GetUserDB(user)
	if err != nil {
		return nil, mailbox.WrapStorage("open", err)
	}
	return &sqlMappers{
		user:   user,
		db:     db,
		blobs:  m.blobs,
		logger: m.logger,
	}, nil
}

// Close closes all database connections
func (m *DBManager) Close() error {
	var lastErr error

	if m.sharedDB != nil {
		if err := m.sharedDB.Close(); err != nil {
			lastErr = err
		}
	}

	m.cacheMutex.Lock()
	defer m.cacheMutex.Unlock()

	for username, db := range m.userDBCache {
		if err := db.Close(); err != nil {
			lastErr = err
		}
		delete(m.userDBCache, username)
	}

	return lastErr
}

// createUserIndexes creates indexes for per-user database tables
func createUserIndexes(db *sql.DB) error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_blob ON messages(blob_id)",
		"CREATE INDEX IF NOT EXISTS idx_messages_flags ON messages(mailbox_id, system_flags)",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}
