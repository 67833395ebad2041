package database

import (
	"path/filepath"
	"testing"

	"github.com/retracehq/retrace/internal/locking"
)

func setupTestDB(t *testing.T) (*DB, locking.Coordinator, func()) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "retrace_test.db")
	db, err := NewDB(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	locks, err := locking.NewStoreCoordinator(db.Conn())
	if err != nil {
		db.Close()
		t.Fatalf("Failed to create lock coordinator: %v", err)
	}

	cleanup := func() {
		db.Close()
	}
	return db, locks, cleanup
}
