package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// countingWriter records how many Write calls were made.
type countingWriter struct {
	bytes.Buffer
	writes int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.writes++
	return c.Buffer.Write(p)
}

func TestLogEmitter_JSONMode(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	emitter.Emit(Event{
		Type:      TypeStageCompleted,
		Timestamp: ts,
		RunID:     "run-001",
		Data:      map[string]interface{}{"stage": 2},
		Agent:     "research",
	})

	line := strings.TrimSpace(buf.String())
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v (%s)", err, line)
	}

	for _, key := range []string{"type", "timestamp", "runId", "data"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("expected key %q in %s", key, line)
		}
	}
	if _, ok := decoded["Agent"]; ok {
		t.Errorf("agent must not be serialized: %s", line)
	}
	if decoded["type"] != TypeStageCompleted {
		t.Errorf("type = %v, want %q", decoded["type"], TypeStageCompleted)
	}
}

func TestLogEmitter_TextMode(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		Type:  TypeStageGatePause,
		RunID: "run-002",
		Agent: "research",
		Data:  map[string]interface{}{"stage": 0},
	})

	out := buf.String()
	for _, want := range []string{"[stage_gate_pause]", "runId=run-002", "agent=research", `"stage":0`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestLogEmitter_SingleWritePerEvent(t *testing.T) {
	for _, jsonMode := range []bool{true, false} {
		w := &countingWriter{}
		emitter := NewLogEmitter(w, jsonMode)

		emitter.Emit(Event{Type: TypeRunStarted, RunID: "r", Data: map[string]interface{}{"stage": 0}})
		emitter.Emit(Event{Type: TypeStageStarted, RunID: "r"})

		if w.writes != 2 {
			t.Errorf("jsonMode=%v: expected 2 writes, got %d", jsonMode, w.writes)
		}
		if got := strings.Count(w.String(), "\n"); got != 2 {
			t.Errorf("jsonMode=%v: expected 2 lines, got %d", jsonMode, got)
		}
	}
}

func TestMultiEmitter_FansOut(t *testing.T) {
	a := NewBufferedEmitter()
	b := NewBufferedEmitter()
	multi := MultiEmitter{a, nil, b}

	multi.Emit(Event{Type: TypeRunReset, RunID: "run-x"})

	if len(a.GetHistory("run-x")) != 1 || len(b.GetHistory("run-x")) != 1 {
		t.Fatal("expected event delivered to both emitters")
	}
}

func TestMultiEmitter_EmitBatch(t *testing.T) {
	exporter, tp := newTestTracer(t)
	buffered := NewBufferedEmitter()
	multi := MultiEmitter{buffered, nil, NewOTelEmitterForProvider(tp)}

	events := []Event{
		{Type: TypeStageStarted, RunID: "run-y"},
		{Type: TypeStageCompleted, RunID: "run-y"},
	}
	if err := multi.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}
	if got := len(buffered.GetHistory("run-y")); got != 2 {
		t.Errorf("expected 2 buffered events, got %d", got)
	}
	if got := len(exporter.GetSpans()); got != 2 {
		t.Errorf("expected 2 spans, got %d", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := multi.EmitBatch(ctx, events); err == nil {
		t.Error("expected the tracing emitter's context error")
	}
}
