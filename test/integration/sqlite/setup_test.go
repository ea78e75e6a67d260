package sqlite

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tallyworks/flowline/test/integration/common"

	_ "github.com/mattn/go-sqlite3"
)

func TestMain(m *testing.M) {
	os.Setenv("FLOWLINE_DATABASE_TYPE", "SQLITE")
	os.Exit(m.Run())
}

// openTestDB migrates a fresh database file and opens it. Each test gets its
// own file so state never leaks between tests.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowline-test.db")
	if err := common.Migrate("sqlite3", "sqlite3://"+path); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testClock() *common.FakeClock {
	return common.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
}

func newStack(t *testing.T) *common.Stack {
	t.Helper()
	return common.NewStack(openTestDB(t), testClock())
}
