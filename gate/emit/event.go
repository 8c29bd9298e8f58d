package emit

import "time"

// Event types appended to the event log. One event is recorded per
// transition; events are never rewritten.
const (
	TypeRunStarted         = "run_started"
	TypeStageStarted       = "stage_started"
	TypeStageCompleted     = "stage_completed"
	TypeStageError         = "stage_error"
	TypeValidationWarnings = "validation_warnings"
	TypeStageGatePause     = "stage_gate_pause"
	TypeStageGateResumed   = "stage_gate_resumed"
	TypeRunAborted         = "run_aborted"
	TypeRunReset           = "run_reset"
	TypeRepairUnitStarted  = "repair_unit_started"
	TypeRepairIteration    = "repair_iteration"
	TypeRepairUnitEnded    = "repair_unit_ended"
	TypeRunCompleted       = "run_completed"
)

// Event is one immutable record of a run transition.
//
// Events are the audit trail of a run: they are appended to the per-agent
// event log as one JSON object per line and fanned out to any configured
// Emitter. The serialized form carries only type, timestamp, runId and data.
//
// Common Data keys:
//   - "stage": Stage id the transition applies to
//   - "repairIteration": Current repair iteration inside a repair unit
//   - "warnings": Schema advisor warnings for a completed stage
//   - "error": Upstream error message reported by the caller
//   - "category": Error classification category
//   - "decision": Resume decision (proceed, modify, abort)
type Event struct {
	// Type identifies the transition (see the Type* constants).
	Type string `json:"type"`

	// Timestamp is when the engine recorded the transition.
	Timestamp time.Time `json:"timestamp"`

	// RunID identifies the run. Empty for reset events with no prior run.
	RunID string `json:"runId"`

	// Data holds transition-specific fields.
	Data map[string]interface{} `json:"data,omitempty"`

	// Agent and Session identify the run key for emitters. They are implied
	// by the log location and therefore not serialized.
	Agent   string `json:"-"`
	Session string `json:"-"`
}
