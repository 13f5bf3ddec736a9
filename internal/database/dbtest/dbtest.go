// Package dbtest provides migrated store fixtures for tests.
package dbtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/promptlab/gatekeeper/internal/config"
	"github.com/promptlab/gatekeeper/internal/database"
)

// NewTestSQLite returns a migrated SQLite database in a per-test temp dir.
func NewTestSQLite(t testing.TB) *sql.DB {
	t.Helper()

	db, err := database.NewSQLite(context.Background(), config.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "gatekeeper_test.db"),
	})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.RunSQLiteMigrations(db); err != nil {
		t.Fatalf("migrating sqlite: %v", err)
	}
	return db
}
