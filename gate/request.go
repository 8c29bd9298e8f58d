package gate

import (
	"encoding/json"

	"github.com/dshills/stagegate/gate/store"
)

// Action names one transition request.
type Action string

const (
	ActionStart           Action = "start"
	ActionComplete        Action = "complete"
	ActionRepair          Action = "repair"
	ActionStartRepairUnit Action = "start_repair_unit"
	ActionEndRepairUnit   Action = "end_repair_unit"
	ActionStatus          Action = "status"
	ActionReset           Action = "reset"
	ActionResume          Action = "resume"
)

// Actions lists every action Dispatch accepts.
var Actions = []Action{
	ActionStart, ActionComplete, ActionRepair, ActionStartRepairUnit,
	ActionEndRepairUnit, ActionStatus, ActionReset, ActionResume,
}

// allowedWhilePaused reports whether the action passes the pause-lock.
func (a Action) allowedWhilePaused() bool {
	return a == ActionResume || a == ActionStatus || a == ActionReset
}

// Decision is the reviewer's answer to a pause, passed as data.decision on
// resume.
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionModify  Decision = "modify"
	DecisionAbort   Decision = "abort"
)

// Request is one action invocation.
type Request struct {
	Workspace string  `json:"workspace,omitempty"`
	Session   string  `json:"session,omitempty"`
	AgentSlug string  `json:"agentSlug"`
	Action    Action  `json:"action"`
	Stage     *int    `json:"stage,omitempty"`
	Data      Payload `json:"data,omitempty"`
}

// Key returns the isolation key the request addresses. An empty workspace
// or session addresses store.DefaultComponent.
func (r Request) Key() store.Key {
	return store.Key{Workspace: r.Workspace, Session: r.Session, Agent: r.AgentSlug}.Normalize()
}

// StageNum returns a pointer to n for use as Request.Stage.
func StageNum(n int) *int { return &n }

// Result is the structured answer to a Request. Allowed is always set; a
// rejection carries a Reason. The remaining fields are action specific.
type Result struct {
	Allowed             bool                 `json:"allowed"`
	Reason              string               `json:"reason,omitempty"`
	RunID               string               `json:"runId,omitempty"`
	CurrentStage        *int                 `json:"currentStage,omitempty"`
	CompletedStages     []int                `json:"completedStages"`
	RepairIteration     int                  `json:"repairIteration,omitempty"`
	RepairUnitActive    bool                 `json:"repairUnitActive,omitempty"`
	PauseRequired       bool                 `json:"pauseRequired,omitempty"`
	PausedAtStage       *int                 `json:"pausedAtStage,omitempty"`
	ValidationWarnings  []string             `json:"validationWarnings,omitempty"`
	ErrorClassification *ErrorClassification `json:"errorClassification,omitempty"`
	Modifications       map[string]any       `json:"modifications,omitempty"`
	NextStage           *int                 `json:"nextStage,omitempty"`
	Feedback            any                  `json:"feedback,omitempty"`
	Aborted             bool                 `json:"aborted,omitempty"`
	PipelineComplete    bool                 `json:"pipelineComplete,omitempty"`
	ActiveRun           *Run                 `json:"activeRun,omitempty"`
	StaleRun            bool                 `json:"staleRun,omitempty"`
	AgeSeconds          int64                `json:"ageSeconds,omitempty"`
}

// MarshalJSON writes completedStages as an array even when it is empty.
func (res Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := plain(res)
	if out.CompletedStages == nil {
		out.CompletedStages = []int{}
	}
	return json.Marshal(out)
}

func reject(reason string) *Result {
	return &Result{Allowed: false, Reason: reason}
}

// withRun copies the common run fields into the result.
func (res *Result) withRun(run *Run) *Result {
	res.RunID = run.RunID
	res.CurrentStage = intPtr(run.CurrentStage)
	res.CompletedStages = run.completedCopy()
	res.RepairIteration = run.RepairIteration
	res.RepairUnitActive = run.RepairUnitActive
	if run.PausedAtStage != nil {
		res.PausedAtStage = intPtr(*run.PausedAtStage)
	}
	return res
}
