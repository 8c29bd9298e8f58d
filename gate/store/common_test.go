package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/stagegate/gate/emit"
	"github.com/dshills/stagegate/gate/store"
)

type testRun struct {
	RunID           string `json:"runId"`
	CurrentStage    int    `json:"currentStage"`
	CompletedStages []int  `json:"completedStages"`
}

// TestStoreContract runs the same behavioral checks against every Store
// implementation.
func TestStoreContract(t *testing.T) {
	scenarios := []struct {
		name string
		new  func(t *testing.T) store.Store[testRun]
	}{
		{
			name: "MemStore",
			new: func(t *testing.T) store.Store[testRun] {
				return store.NewMemStore[testRun]()
			},
		},
		{
			name: "FileStore",
			new: func(t *testing.T) store.Store[testRun] {
				st, err := store.NewFileStore[testRun](t.TempDir())
				if err != nil {
					t.Fatalf("NewFileStore failed: %v", err)
				}
				return st
			},
		},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			ctx := context.Background()
			key := store.Key{Workspace: "ws", Session: "s1", Agent: "research"}

			t.Run("run state round trip", func(t *testing.T) {
				st := sc.new(t)
				if _, err := st.LoadRun(ctx, key); !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected ErrNotFound before save, got %v", err)
				}

				run := testRun{RunID: "run-1", CurrentStage: 2, CompletedStages: []int{0, 1}}
				if err := st.SaveRun(ctx, key, run); err != nil {
					t.Fatalf("SaveRun failed: %v", err)
				}
				loaded, err := st.LoadRun(ctx, key)
				if err != nil {
					t.Fatalf("LoadRun failed: %v", err)
				}
				if loaded.RunID != "run-1" || loaded.CurrentStage != 2 || len(loaded.CompletedStages) != 2 {
					t.Errorf("unexpected run: %+v", loaded)
				}

				if err := st.ClearRun(ctx, key); err != nil {
					t.Fatalf("ClearRun failed: %v", err)
				}
				if _, err := st.LoadRun(ctx, key); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound after clear, got %v", err)
				}
				if err := st.ClearRun(ctx, key); err != nil {
					t.Errorf("clearing an absent run should succeed, got %v", err)
				}
			})

			t.Run("empty parts address the default key", func(t *testing.T) {
				st := sc.new(t)
				bare := store.Key{Agent: "research"}
				named := store.Key{Workspace: store.DefaultComponent, Session: store.DefaultComponent, Agent: "research"}
				if err := st.SaveRun(ctx, bare, testRun{RunID: "run-d"}); err != nil {
					t.Fatalf("SaveRun failed: %v", err)
				}
				loaded, err := st.LoadRun(ctx, named)
				if err != nil {
					t.Fatalf("LoadRun failed: %v", err)
				}
				if loaded.RunID != "run-d" {
					t.Errorf("expected run-d, got %s", loaded.RunID)
				}
			})

			t.Run("reserved characters do not collide", func(t *testing.T) {
				st := sc.new(t)
				slash := store.Key{Workspace: "team/alpha", Session: "s", Agent: "research"}
				underscore := store.Key{Workspace: "team_alpha", Session: "s", Agent: "research"}
				if err := st.SaveRun(ctx, slash, testRun{RunID: "A"}); err != nil {
					t.Fatalf("SaveRun failed: %v", err)
				}
				if _, err := st.LoadRun(ctx, underscore); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("keys are isolated", func(t *testing.T) {
				st := sc.new(t)
				other := store.Key{Workspace: "ws", Session: "s2", Agent: "research"}
				_ = st.SaveRun(ctx, key, testRun{RunID: "a"})
				_ = st.SaveRun(ctx, other, testRun{RunID: "b"})

				a, _ := st.LoadRun(ctx, key)
				b, _ := st.LoadRun(ctx, other)
				if a.RunID != "a" || b.RunID != "b" {
					t.Errorf("keys interfered: %q %q", a.RunID, b.RunID)
				}
			})

			t.Run("events append in order", func(t *testing.T) {
				st := sc.new(t)
				now := time.Now().UTC().Truncate(time.Millisecond)
				for i, typ := range []string{emit.TypeRunStarted, emit.TypeStageStarted, emit.TypeStageCompleted} {
					ev := emit.Event{Type: typ, Timestamp: now.Add(time.Duration(i) * time.Second), RunID: "run-1",
						Data: map[string]interface{}{"stage": 0}}
					if err := st.AppendEvent(ctx, key, ev); err != nil {
						t.Fatalf("AppendEvent failed: %v", err)
					}
				}

				events, err := st.Events(ctx, key)
				if err != nil {
					t.Fatalf("Events failed: %v", err)
				}
				if len(events) != 3 {
					t.Fatalf("expected 3 events, got %d", len(events))
				}
				if events[0].Type != emit.TypeRunStarted || events[2].Type != emit.TypeStageCompleted {
					t.Errorf("unexpected order: %s ... %s", events[0].Type, events[2].Type)
				}
				if !events[1].Timestamp.Equal(now.Add(time.Second)) {
					t.Errorf("timestamp not preserved: %v", events[1].Timestamp)
				}
			})

			t.Run("events empty", func(t *testing.T) {
				st := sc.new(t)
				events, err := st.Events(ctx, key)
				if err != nil {
					t.Fatalf("Events failed: %v", err)
				}
				if len(events) != 0 {
					t.Errorf("expected no events, got %d", len(events))
				}
			})

			t.Run("artifacts", func(t *testing.T) {
				st := sc.new(t)
				payload := map[string]any{"stage": 1, "summary": "ok"}
				if err := st.WriteArtifact(ctx, key, "run-1", "stage-1-analysis", payload); err != nil {
					t.Fatalf("WriteArtifact failed: %v", err)
				}
				if err := st.WriteArtifact(ctx, key, "run-1", "stage-1-analysis.iter-1", payload); err != nil {
					t.Fatalf("WriteArtifact failed: %v", err)
				}

				var got map[string]any
				if err := st.ReadArtifact(ctx, key, "run-1", "stage-1-analysis", &got); err != nil {
					t.Fatalf("ReadArtifact failed: %v", err)
				}
				if got["summary"] != "ok" {
					t.Errorf("summary = %v, want ok", got["summary"])
				}

				names, err := st.Artifacts(ctx, key, "run-1")
				if err != nil {
					t.Fatalf("Artifacts failed: %v", err)
				}
				if len(names) != 2 || names[0] != "stage-1-analysis" || names[1] != "stage-1-analysis.iter-1" {
					t.Errorf("unexpected artifact names: %v", names)
				}

				if err := st.ReadArtifact(ctx, key, "run-1", "missing", &got); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("agent state replace-all merge", func(t *testing.T) {
				st := sc.new(t)
				_, err := st.MergeAgentState(ctx, key, map[string]any{
					"plan":  map[string]any{"a": 1.0, "b": 2.0},
					"notes": "first",
				})
				if err != nil {
					t.Fatalf("MergeAgentState failed: %v", err)
				}
				merged, err := st.MergeAgentState(ctx, key, map[string]any{
					"plan": map[string]any{"c": 3.0},
				})
				if err != nil {
					t.Fatalf("MergeAgentState failed: %v", err)
				}

				plan, _ := merged["plan"].(map[string]any)
				if len(plan) != 1 || plan["c"] != 3.0 {
					t.Errorf("nested value must be replaced wholesale, got %v", plan)
				}
				if merged["notes"] != "first" {
					t.Errorf("untouched top-level key lost: %v", merged)
				}

				loaded, err := st.LoadAgentState(ctx, key)
				if err != nil {
					t.Fatalf("LoadAgentState failed: %v", err)
				}
				if len(loaded) != 2 {
					t.Errorf("expected 2 keys, got %v", loaded)
				}
			})

			t.Run("invalid key", func(t *testing.T) {
				st := sc.new(t)
				err := st.SaveRun(ctx, store.Key{Workspace: "ws"}, testRun{})
				if !errors.Is(err, store.ErrInvalidKey) {
					t.Errorf("expected ErrInvalidKey, got %v", err)
				}
			})
		})
	}
}
