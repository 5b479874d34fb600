package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestManager(t *testing.T, opts ...Option) *DBManager {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "db_manager_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	manager, err := NewDBManager(tmpDir, opts...)
	if err != nil {
		t.Fatalf("NewDBManager failed: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestNewDBManager(t *testing.T) {
	manager := newTestManager(t)

	if manager.sharedDB == nil {
		t.Error("Expected non-nil shared database")
	}

	if _, err := os.Stat(filepath.Join(manager.basePath, "shared.db")); err != nil {
		t.Errorf("Expected shared.db to exist: %v", err)
	}
}

func TestNewDBManager_InvalidPath(t *testing.T) {
	_, err := NewDBManager("/proc/invalid/nonexistent/path")
	if err == nil {
		t.Error("Expected error for invalid path")
	}
}

func TestGetSharedDB(t *testing.T) {
	manager := newTestManager(t)

	var count int
	err := manager.GetSharedDB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='users'").Scan(&count)
	if err != nil {
		t.Fatalf("Failed to query users table: %v", err)
	}
	if count != 1 {
		t.Error("Expected users table to exist in shared database")
	}
}

func TestGetUserDB(t *testing.T) {
	manager := newTestManager(t)

	userDB, err := manager.GetUserDB("alice@example.org")
	if err != nil {
		t.Fatalf("GetUserDB failed: %v", err)
	}

	for _, table := range []string{"mailboxes", "blobs", "messages", "subscriptions"} {
		var count int
		err := userDB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query %s table: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Expected %s table to exist in user database", table)
		}
	}

	user, err := GetUserByUsername(manager.GetSharedDB(), "alice@example.org")
	if err != nil {
		t.Fatalf("user was not registered: %v", err)
	}
	if _, err := os.Stat(manager.getUserDBPath(user.ID)); err != nil {
		t.Errorf("Expected user database file: %v", err)
	}
}

func TestGetUserDB_Cached(t *testing.T) {
	manager := newTestManager(t)

	var wg sync.WaitGroup
	dbs := make([]any, 10)
	for i := range dbs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db, err := manager.GetUserDB("bob")
			if err != nil {
				t.Errorf("GetUserDB failed: %v", err)
				return
			}
			dbs[i] = db
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(dbs); i++ {
		if dbs[i] != dbs[0] {
			t.Fatal("Expected every caller to share one connection pool")
		}
	}
	if len(manager.userDBCache) != 1 {
		t.Errorf("Expected 1 cached database, got %d", len(manager.userDBCache))
	}
}

func TestDBManagerReopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "db_manager_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	ctx := context.Background()

	first, err := NewDBManager(tmpDir)
	if err != nil {
		t.Fatalf("NewDBManager failed: %v", err)
	}
	m, err := first.Open(ctx, "carol")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := m.Subscriptions().Save(ctx, subscription("carol", "Lists")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	_ = first.Close()

	second, err := NewDBManager(tmpDir)
	if err != nil {
		t.Fatalf("NewDBManager failed: %v", err)
	}
	defer func() { _ = second.Close() }()
	m, err = second.Open(ctx, "carol")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	subs, err := m.Subscriptions().FindSubscriptionsForUser(ctx, "carol")
	if err != nil {
		t.Fatalf("FindSubscriptionsForUser failed: %v", err)
	}
	if len(subs) != 1 || subs[0].Mailbox != "Lists" {
		t.Errorf("Expected subscription to survive reopen, got %v", subs)
	}
}

func TestClose(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "db_manager_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	manager, err := NewDBManager(tmpDir)
	if err != nil {
		t.Fatalf("NewDBManager failed: %v", err)
	}
	if _, err := manager.GetUserDB("dave"); err != nil {
		t.Fatalf("GetUserDB failed: %v", err)
	}

	if err := manager.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if len(manager.userDBCache) != 0 {
		t.Errorf("Expected empty cache after close, got %d entries", len(manager.userDBCache))
	}
}
