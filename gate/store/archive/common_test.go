package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/stagegate/gate/emit"
	"github.com/dshills/stagegate/gate/store"
)

// runArchiveContract exercises behavior every Archive implementation shares.
func runArchiveContract(t *testing.T, newArchive func(t *testing.T) Archive) {
	t.Helper()
	ctx := context.Background()
	key := store.Key{Workspace: "ws", Session: "s1", Agent: "research"}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("events in append order", func(t *testing.T) {
		arch := newArchive(t)
		defer arch.Close()

		types := []string{emit.TypeRunStarted, emit.TypeStageStarted, emit.TypeStageCompleted}
		for i, typ := range types {
			event := emit.Event{
				Type:      typ,
				Timestamp: base.Add(time.Duration(i) * time.Second),
				RunID:     "run-1",
				Data:      map[string]interface{}{"stage": float64(i)},
			}
			if err := arch.RecordEvent(ctx, key, event); err != nil {
				t.Fatalf("RecordEvent failed: %v", err)
			}
		}
		other := emit.Event{Type: emit.TypeRunStarted, Timestamp: base, RunID: "run-2"}
		if err := arch.RecordEvent(ctx, key, other); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}

		events, err := arch.RunEvents(ctx, "run-1")
		if err != nil {
			t.Fatalf("RunEvents failed: %v", err)
		}
		if len(events) != len(types) {
			t.Fatalf("expected %d events, got %d", len(types), len(events))
		}
		for i, event := range events {
			if event.Type != types[i] {
				t.Errorf("event %d: expected type %q, got %q", i, types[i], event.Type)
			}
			if !event.Timestamp.Equal(base.Add(time.Duration(i) * time.Second)) {
				t.Errorf("event %d: unexpected timestamp %v", i, event.Timestamp)
			}
			if event.Agent != "research" || event.Session != "s1" {
				t.Errorf("event %d: expected agent/session research/s1, got %s/%s", i, event.Agent, event.Session)
			}
			if stage, _ := event.Data["stage"].(float64); stage != float64(i) {
				t.Errorf("event %d: expected stage %d, got %v", i, i, event.Data["stage"])
			}
		}
	})

	t.Run("unknown run has no events", func(t *testing.T) {
		arch := newArchive(t)
		defer arch.Close()

		events, err := arch.RunEvents(ctx, "missing")
		if err != nil {
			t.Fatalf("RunEvents failed: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("expected no events, got %d", len(events))
		}
	})

	t.Run("completions newest first", func(t *testing.T) {
		arch := newArchive(t)
		defer arch.Close()

		records := []CompletionRecord{
			{RunID: "a", AgentSlug: "research", CompletedStages: []int{0, 1}, StartedAt: base, CompletedAt: base.Add(time.Minute)},
			{RunID: "b", AgentSlug: "research", CompletedStages: []int{0, 1}, StartedAt: base, CompletedAt: base.Add(3 * time.Minute),
				VerificationScores: map[string]float64{"accuracy": 0.9}, SearchUsage: map[string]int{"web": 4}, RepairIterations: 1},
			{RunID: "c", AgentSlug: "writer", CompletedStages: []int{0}, StartedAt: base, CompletedAt: base.Add(2 * time.Minute)},
		}
		for _, rec := range records {
			if err := arch.RecordCompletion(ctx, rec); err != nil {
				t.Fatalf("RecordCompletion failed: %v", err)
			}
		}

		got, err := arch.Completions(ctx, "research", 0)
		if err != nil {
			t.Fatalf("Completions failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 research completions, got %d", len(got))
		}
		if got[0].RunID != "b" || got[1].RunID != "a" {
			t.Errorf("expected order [b a], got [%s %s]", got[0].RunID, got[1].RunID)
		}
		if got[0].VerificationScores["accuracy"] != 0.9 {
			t.Errorf("expected accuracy 0.9, got %v", got[0].VerificationScores)
		}
		if got[0].SearchUsage["web"] != 4 {
			t.Errorf("expected web usage 4, got %v", got[0].SearchUsage)
		}
		if got[0].RepairIterations != 1 {
			t.Errorf("expected 1 repair iteration, got %d", got[0].RepairIterations)
		}
		if !got[0].CompletedAt.Equal(base.Add(3 * time.Minute)) {
			t.Errorf("unexpected completedAt %v", got[0].CompletedAt)
		}

		all, err := arch.Completions(ctx, "", 2)
		if err != nil {
			t.Fatalf("Completions failed: %v", err)
		}
		if len(all) != 2 || all[0].RunID != "b" || all[1].RunID != "c" {
			t.Errorf("expected limited order [b c], got %+v", all)
		}
	})

	t.Run("recording a run twice replaces it", func(t *testing.T) {
		arch := newArchive(t)
		defer arch.Close()

		rec := CompletionRecord{RunID: "a", AgentSlug: "research", CompletedStages: []int{0}, StartedAt: base, CompletedAt: base}
		if err := arch.RecordCompletion(ctx, rec); err != nil {
			t.Fatalf("RecordCompletion failed: %v", err)
		}
		rec.RepairIterations = 2
		if err := arch.RecordCompletion(ctx, rec); err != nil {
			t.Fatalf("RecordCompletion failed: %v", err)
		}

		got, err := arch.Completions(ctx, "research", 10)
		if err != nil {
			t.Fatalf("Completions failed: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("expected 1 completion, got %d", len(got))
		}
		if got[0].RepairIterations != 2 {
			t.Errorf("expected replaced record, got %+v", got[0])
		}
	})

	t.Run("closed archive rejects writes", func(t *testing.T) {
		arch := newArchive(t)
		if err := arch.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if err := arch.Close(); err != nil {
			t.Errorf("second Close should not fail: %v", err)
		}
		err := arch.RecordEvent(ctx, key, emit.Event{Type: emit.TypeRunReset, RunID: "x", Timestamp: base})
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})
}

func TestMemArchive(t *testing.T) {
	runArchiveContract(t, func(t *testing.T) Archive {
		return NewMemArchive()
	})
}
