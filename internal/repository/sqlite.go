package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/facilityops/vigil/internal/domain"
	_ "modernc.org/sqlite"
)

// openSQLite opens the Community tier database. modernc.org/sqlite keeps
// the build CGO-free.
//
// Vigil's write load is append-dominated: every ingested signal is a new
// row, the broadcast audit log only ever grows, and the scoring worker
// inserts a prediction per drained queue item. WAL with relaxed fsync
// fits that shape; the autocheckpoint bound keeps the WAL file from
// growing unchecked between dashboard reads.
func openSQLite(cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./vigil.db"
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s"+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=wal_autocheckpoint(1000)"+
		"&_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite permits one writer at a time. Funneling the pool through a
	// single connection turns would-be SQLITE_BUSY errors from the
	// ingest handlers and the scoring worker into ordinary queueing.
	// An explicit MaxOpenConns in the config overrides this later.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return db, nil
}
