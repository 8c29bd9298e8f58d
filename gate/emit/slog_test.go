package emit

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSlogEmitter_Emit(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	emitter := NewSlogEmitter(logger, slog.LevelInfo)

	emitter.Emit(Event{
		Type:    TypeRepairIteration,
		RunID:   "run-9",
		Agent:   "research",
		Session: "s1",
		Data:    map[string]interface{}{"repairIteration": 1},
	})

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("invalid log record: %v", err)
	}
	if record["type"] != TypeRepairIteration {
		t.Errorf("type = %v, want %q", record["type"], TypeRepairIteration)
	}
	if record["run_id"] != "run-9" {
		t.Errorf("run_id = %v, want run-9", record["run_id"])
	}
	if record["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", record["level"])
	}
}
