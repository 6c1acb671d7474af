package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prmonitor/core/internal/store/sqlite"
)

// newTestDB opens a fresh on-disk SQLite database under t.TempDir and runs
// every migration, mirroring how cmd/prmonitor wires storage at startup.
func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "prmonitor.db")
	db, err := sqlite.NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, sqlite.RunMigrations(db.Writer))
	return db
}

func insertTestRepo(t *testing.T, db *sqlite.DB) int64 {
	t.Helper()
	res, err := db.Writer.Exec(`INSERT INTO repositories (provider, full_name) VALUES ('github', 'acme/widgets')`)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func insertTestPR(t *testing.T, db *sqlite.DB, repoID int64, number int) int64 {
	t.Helper()
	res, err := db.Writer.Exec(`INSERT INTO pull_requests (repository_id, number, title, author) VALUES (?, ?, 'test PR', 'bob')`, repoID, number)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}
