// Package store persists sessions and archived tool results in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"hobbes/internal/logging"
)

// Driver names accepted by Open.
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCgo     = "sqlite3" // mattn/go-sqlite3
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

// DB is an open hobbes database.
type DB struct {
	db     *sql.DB
	driver string
	path   string
	// distanceFunc is the SQL cosine distance function, empty when the
	// driver offers none and ranking happens in Go.
	distanceFunc string
}

// Open opens (creating if needed) the database at path with driver.
func Open(driver, path string) (*DB, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCgo {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writers serialized and an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("%s failed: %v", pragma, err)
		}
	}

	s := &DB{db: db, driver: driver, path: path}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	s.detectDistanceFunc()
	logging.Store("opened %s database at %s (vector distance: %q)", driver, path, s.distanceFunc)
	return s, nil
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

// Driver returns the SQL driver name in use.
func (s *DB) Driver() string { return s.driver }

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	last_updated INTEGER NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_updated ON sessions(last_updated);

CREATE TABLE IF NOT EXISTS tool_archive (
	execution_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	server_name TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	arguments TEXT NOT NULL,
	status TEXT NOT NULL,
	response TEXT NOT NULL,
	embedding BLOB,
	archived_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_archive_session ON tool_archive(session_id);
CREATE INDEX IF NOT EXISTS idx_tool_archive_tool ON tool_archive(tool_name);
`

func (s *DB) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// detectDistanceFunc probes for the modernc function registered in
// vec_compat.go, then for sqlite-vec's own function.
func (s *DB) detectDistanceFunc() {
	probe := encodeVector([]float32{1, 0})
	for _, fn := range []string{"vector_distance_cos", "vec_distance_cosine"} {
		var d float64
		if err := s.db.QueryRow("SELECT "+fn+"(?, ?)", probe, probe).Scan(&d); err == nil {
			s.distanceFunc = fn
			return
		}
	}
	logging.Get(logging.CategoryStore).Warn("no SQL vector distance function; archive search ranks in process")
}
