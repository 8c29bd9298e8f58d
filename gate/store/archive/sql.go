package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/stagegate/gate/emit"
	"github.com/dshills/stagegate/gate/store"
)

// sqlArchive holds the queries shared by the SQLite and MySQL archives.
// Both dialects accept "?" placeholders and REPLACE INTO; only the DDL
// differs. Timestamps are stored as Unix nanoseconds so no driver-specific
// time parsing is needed.
type sqlArchive struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

func (s *sqlArchive) createTables(ctx context.Context, ddl []string) error {
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create archive schema: %w", err)
		}
	}
	return nil
}

// RecordEvent implements Archive.
func (s *sqlArchive) RecordEvent(ctx context.Context, key store.Key, event emit.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stage_events (workspace, session, agent, run_id, type, ts, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.Workspace, key.Session, key.Agent, event.RunID, event.Type, event.Timestamp.UnixNano(), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// RecordCompletion implements Archive.
func (s *sqlArchive) RecordCompletion(ctx context.Context, rec CompletionRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	stages, err := json.Marshal(rec.CompletedStages)
	if err != nil {
		return fmt.Errorf("failed to marshal completed stages: %w", err)
	}
	scores, err := json.Marshal(rec.VerificationScores)
	if err != nil {
		return fmt.Errorf("failed to marshal verification scores: %w", err)
	}
	usage, err := json.Marshal(rec.SearchUsage)
	if err != nil {
		return fmt.Errorf("failed to marshal search usage: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`REPLACE INTO run_completions
		 (run_id, workspace, session, agent, depth_mode, completed_stages, verification_scores,
		  search_usage, repair_iterations, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Workspace, rec.Session, rec.AgentSlug, rec.DepthMode,
		string(stages), string(scores), string(usage), rec.RepairIterations,
		rec.StartedAt.UnixNano(), rec.CompletedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record completion: %w", err)
	}
	return nil
}

// Completions implements Archive.
func (s *sqlArchive) Completions(ctx context.Context, agent string, limit int) ([]CompletionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	query := `SELECT run_id, workspace, session, agent, depth_mode, completed_stages, verification_scores,
		search_usage, repair_iterations, started_at, completed_at FROM run_completions`
	args := []any{}
	if agent != "" {
		query += ` WHERE agent = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY completed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query completions: %w", err)
	}
	defer rows.Close()

	var out []CompletionRecord
	for rows.Next() {
		var rec CompletionRecord
		var stages, scores, usage string
		var startedAt, completedAt int64
		if err := rows.Scan(&rec.RunID, &rec.Workspace, &rec.Session, &rec.AgentSlug, &rec.DepthMode,
			&stages, &scores, &usage, &rec.RepairIterations, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		if err := json.Unmarshal([]byte(stages), &rec.CompletedStages); err != nil {
			return nil, fmt.Errorf("failed to parse completed stages: %w", err)
		}
		if err := json.Unmarshal([]byte(scores), &rec.VerificationScores); err != nil {
			return nil, fmt.Errorf("failed to parse verification scores: %w", err)
		}
		if err := json.Unmarshal([]byte(usage), &rec.SearchUsage); err != nil {
			return nil, fmt.Errorf("failed to parse search usage: %w", err)
		}
		rec.StartedAt = time.Unix(0, startedAt).UTC()
		rec.CompletedAt = time.Unix(0, completedAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RunEvents implements Archive.
func (s *sqlArchive) RunEvents(ctx context.Context, runID string) ([]emit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT session, agent, type, ts, data FROM stage_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []emit.Event
	for rows.Next() {
		event := emit.Event{RunID: runID}
		var ts int64
		var data string
		if err := rows.Scan(&event.Session, &event.Agent, &event.Type, &ts, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &event.Data); err != nil {
			return nil, fmt.Errorf("failed to parse event data: %w", err)
		}
		event.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, event)
	}
	return out, rows.Err()
}

// Ping verifies the database connection is alive.
func (s *sqlArchive) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close implements Archive. Closing twice is not an error.
func (s *sqlArchive) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
