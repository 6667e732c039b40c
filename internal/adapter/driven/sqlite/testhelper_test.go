package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

// memoryDSN names a shared in-memory database after the test so reader and
// writer see the same data while parallel tests stay isolated.
func memoryDSN(t *testing.T) string {
	return fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		url.PathEscape(t.Name()),
	)
}

func openTestConn(t *testing.T, dsn string, maxOpen int) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	conn.SetMaxOpenConns(maxOpen)
	require.NoError(t, conn.PingContext(context.Background()))
	return conn
}

// setupTestDB returns a migrated in-memory sync database that is closed when
// the test ends.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := memoryDSN(t)

	writer := openTestConn(t, dsn, 1)
	reader := openTestConn(t, dsn, 4)
	db := &DB{Writer: writer, Reader: reader, path: dsn}

	require.NoError(t, RunMigrations(db.Writer), "run migrations")
	return db
}

// seedPublished writes a published_requests row directly, leaving
// published_at to the column default.
func seedPublished(t *testing.T, db *DB, requestID int, title, head string) {
	t.Helper()
	_, err := db.Writer.ExecContext(context.Background(),
		`INSERT INTO published_requests (request_id, title, head_commit) VALUES (?, ?, ?)`,
		requestID, title, head)
	require.NoError(t, err)
}

// seedOperation writes an operations row directly. An empty finishedAt
// leaves the operation unfinished.
func seedOperation(t *testing.T, db *DB, id, kind, startedAt, finishedAt string) {
	t.Helper()
	var finished any
	if finishedAt != "" {
		finished = finishedAt
	}
	_, err := db.Writer.ExecContext(context.Background(),
		`INSERT INTO operations (id, kind, started_at, finished_at) VALUES (?, ?, ?, ?)`,
		id, kind, startedAt, finished)
	require.NoError(t, err)
}
