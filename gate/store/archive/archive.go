// Package archive mirrors stage-gate history into a queryable database.
//
// The archive is never the source of truth: run state lives in the
// store package's atomic files. The archive receives a copy of every event
// and every completion record so operators can query across runs, agents,
// and sessions.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/stagegate/gate/emit"
	"github.com/dshills/stagegate/gate/store"
)

// ErrClosed is returned by operations on a closed archive.
var ErrClosed = errors.New("archive is closed")

// CompletionRecord is the rolled-up metadata of a run whose stages have all
// completed.
type CompletionRecord struct {
	RunID              string             `json:"runId"`
	Workspace          string             `json:"workspace,omitempty"`
	Session            string             `json:"session,omitempty"`
	AgentSlug          string             `json:"agentSlug"`
	DepthMode          string             `json:"depthMode,omitempty"`
	CompletedStages    []int              `json:"completedStages"`
	VerificationScores map[string]float64 `json:"verificationScores,omitempty"`
	SearchUsage        map[string]int     `json:"searchUsage,omitempty"`
	RepairIterations   int                `json:"repairIterations"`
	StartedAt          time.Time          `json:"startedAt"`
	CompletedAt        time.Time          `json:"completedAt"`
}

// Archive stores a queryable copy of run history.
//
// Implementations:
//   - MemArchive: in-memory (testing)
//   - SQLiteArchive: single-file database (modernc.org/sqlite)
//   - MySQLArchive: shared database for many hosts (go-sql-driver/mysql)
type Archive interface {
	// RecordEvent stores a copy of an event appended for key.
	RecordEvent(ctx context.Context, key store.Key, event emit.Event) error

	// RecordCompletion stores a completion record. Recording the same run
	// twice replaces the earlier record.
	RecordCompletion(ctx context.Context, rec CompletionRecord) error

	// Completions returns the most recent completion records for an agent,
	// newest first. An empty agent matches every agent. limit <= 0 means 50.
	Completions(ctx context.Context, agent string, limit int) ([]CompletionRecord, error)

	// RunEvents returns the archived events of one run in append order.
	RunEvents(ctx context.Context, runID string) ([]emit.Event, error)

	// Close releases resources held by the archive.
	Close() error
}

const defaultLimit = 50
