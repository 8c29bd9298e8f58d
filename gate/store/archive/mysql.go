package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLArchive is a MySQL/MariaDB implementation of Archive.
//
// Designed for hosts that run many agents across machines and want one
// place to query completed runs.
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Never hardcode credentials; read the DSN from the environment
// (the CLI uses STAGEGATE_MYSQL_DSN).
type MySQLArchive struct {
	*sqlArchive
}

var _ Archive = (*MySQLArchive)(nil)

// NewMySQLArchive connects to MySQL and creates the archive tables if they
// do not exist.
func NewMySQLArchive(dsn string) (*MySQLArchive, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	a := &MySQLArchive{sqlArchive: &sqlArchive{db: db}}
	if err := a.createTables(ctx, mysqlSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS stage_events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		workspace VARCHAR(255) NOT NULL,
		session VARCHAR(255) NOT NULL,
		agent VARCHAR(255) NOT NULL,
		run_id VARCHAR(64) NOT NULL,
		type VARCHAR(64) NOT NULL,
		ts BIGINT NOT NULL,
		data JSON NOT NULL,
		INDEX idx_stage_events_run (run_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS run_completions (
		run_id VARCHAR(64) PRIMARY KEY,
		workspace VARCHAR(255) NOT NULL,
		session VARCHAR(255) NOT NULL,
		agent VARCHAR(255) NOT NULL,
		depth_mode VARCHAR(64) NOT NULL,
		completed_stages JSON NOT NULL,
		verification_scores JSON NOT NULL,
		search_usage JSON NOT NULL,
		repair_iterations INT NOT NULL,
		started_at BIGINT NOT NULL,
		completed_at BIGINT NOT NULL,
		INDEX idx_run_completions_agent (agent, completed_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}
