// Package testing provides test helpers for constructing isolated
// finpulse databases and seeding fixture rows.
package testing

import (
	"database/sql"
	"os"
	"testing"

	"github.com/aristath/finpulse/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB creates a file-backed SQLite database with the finpulse schema
// applied, and returns a cleanup function that closes and removes it. The
// cleanup function is idempotent.
func NewTestDB(t *testing.T) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "finpulse_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    "finpulse",
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("failed to migrate test database: %v", err)
	}

	closed := false
	return db, func() {
		if closed {
			return
		}
		closed = true
		if err := db.Close(); err != nil {
			t.Logf("warning: failed to close test database: %v", err)
		}
		if err := os.Remove(tmpPath); err != nil {
			t.Logf("warning: failed to remove temporary database file %s: %v", tmpPath, err)
		}
	}
}

// GetRawConnection returns the raw *sql.DB connection from a database.DB
// instance, for tests that need to run ad hoc SQL against fixture rows.
func GetRawConnection(db *database.DB) *sql.DB {
	return db.Conn()
}

// mustExec runs a fixture insert and fails the test immediately on error,
// so fixture setup errors surface at the call site rather than deep in a
// test body.
func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("fixture exec failed: %v\nquery: %s", err, query)
	}
}
