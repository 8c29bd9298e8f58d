package archive

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteArchive is a SQLite implementation of Archive.
//
// Designed for:
//   - A single host keeping history next to its run state
//   - Development with zero setup
//
// Features:
//   - Single file database (e.g., "~/.stagegate/history.db")
//   - Auto-migration on first use
//   - WAL mode so readers never block the writer
//
// Schema:
//   - stage_events: one row per appended event
//   - run_completions: one row per completed run
type SQLiteArchive struct {
	*sqlArchive
	path string
}

var _ Archive = (*SQLiteArchive)(nil)

// NewSQLiteArchive opens (creating if needed) a SQLite archive at path.
// Use ":memory:" for a throwaway database.
//
// Example:
//
//	arch, err := archive.NewSQLiteArchive("./history.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer arch.Close()
func NewSQLiteArchive(path string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	a := &SQLiteArchive{sqlArchive: &sqlArchive{db: db}, path: path}
	if err := a.createTables(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// Path returns the database file location.
func (a *SQLiteArchive) Path() string {
	return a.path
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS stage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace TEXT NOT NULL,
		session TEXT NOT NULL,
		agent TEXT NOT NULL,
		run_id TEXT NOT NULL,
		type TEXT NOT NULL,
		ts INTEGER NOT NULL,
		data TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stage_events_run ON stage_events(run_id)`,
	`CREATE TABLE IF NOT EXISTS run_completions (
		run_id TEXT PRIMARY KEY,
		workspace TEXT NOT NULL,
		session TEXT NOT NULL,
		agent TEXT NOT NULL,
		depth_mode TEXT NOT NULL,
		completed_stages TEXT NOT NULL,
		verification_scores TEXT NOT NULL,
		search_usage TEXT NOT NULL,
		repair_iterations INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_completions_agent ON run_completions(agent, completed_at)`,
}
