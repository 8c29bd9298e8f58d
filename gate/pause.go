package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/stagegate/gate/emit"
)

// PauseNotice is delivered to the PauseNotifier when a run pauses.
type PauseNotice struct {
	AgentSlug string     `json:"agentSlug"`
	Stage     int        `json:"stage"`
	RunID     string     `json:"runId"`
	Cause     PauseCause `json:"cause"`
	Reason    string     `json:"reason"`
	Data      Payload    `json:"data,omitempty"`
}

// PauseNotifier is invoked exactly once per pause, after the paused run
// state has been persisted. Implementations typically surface the pause to
// a human reviewer.
type PauseNotifier interface {
	NotifyPause(ctx context.Context, notice PauseNotice)
}

// PauseNotifierFunc adapts a function to PauseNotifier.
type PauseNotifierFunc func(ctx context.Context, notice PauseNotice)

// NotifyPause implements PauseNotifier.
func (f PauseNotifierFunc) NotifyPause(ctx context.Context, notice PauseNotice) {
	f(ctx, notice)
}

// pauseReason builds the message returned with pauseRequired. Error-driven
// pauses lead with the classification so the caller can tell an escalation
// from an ordinary stage-boundary pause.
func pauseReason(stage Stage, classification *ErrorClassification, escalated bool) string {
	var b strings.Builder
	if escalated && classification != nil {
		fmt.Fprintf(&b, "Stage %d failed with a %s error (%s). ", stage.ID, classification.Category, classification.MatchedReason)
	}
	if instr := strings.TrimSpace(stage.PauseInstructions); instr != "" {
		fmt.Fprintf(&b, "Paused after stage %d (%s) for review: %s", stage.ID, stage.Name, instr)
	} else {
		fmt.Fprintf(&b, "Paused after stage %d (%s) for human review. Present the stage output to the user and call resume with decision proceed, modify, or abort.", stage.ID, stage.Name)
	}
	return b.String()
}

func pauseLockReason(run *Run) string {
	return fmt.Sprintf("Run is paused at stage %d awaiting review; only resume, status, or reset are accepted", *run.PausedAtStage)
}

// resume processes a reviewer decision for a paused run.
func (e *Engine) resume(tx *transition) (*Result, error) {
	run := tx.run
	if run == nil || !run.Paused() {
		return reject("No stage is currently paused."), nil
	}
	paused := *run.PausedAtStage

	decision, _ := tx.req.Data.String("decision")
	switch Decision(decision) {
	case DecisionProceed, DecisionModify:
	case DecisionAbort:
		return e.abort(tx, paused)
	default:
		return reject(fmt.Sprintf("Invalid resume decision %q; expected proceed, modify, or abort", decision)), nil
	}

	data := map[string]any{"stage": paused, "decision": decision}
	if Decision(decision) == DecisionModify {
		mods, ok := tx.req.Data.Map("modifications")
		if !ok {
			return reject("The modify decision requires a modifications object"), nil
		}
		run.CarriedModifications = mods
		data["modificationKeys"] = sortedKeys(mods)
	}

	run.PausedAtStage = nil
	run.PauseCause = ""
	res := &Result{Allowed: true}
	if tx.def.HasStage(paused + 1) {
		run.CurrentStage = paused + 1
		run.ResumedPastStage = intPtr(paused)
		res.NextStage = intPtr(paused + 1)
	}
	tx.record(emit.TypeStageGateResumed, data)

	if err := tx.save(); err != nil {
		return nil, err
	}
	e.cfg.logger.Info("stage gate resumed",
		"agent", tx.key.Agent, "run_id", run.RunID, "stage", paused, "decision", decision)
	return res.withRun(run), nil
}

func (e *Engine) abort(tx *transition, paused int) (*Result, error) {
	run := tx.run
	tx.record(emit.TypeRunAborted, map[string]any{
		"stage":                  paused,
		"discardedModifications": run.CarriedModifications != nil,
	})
	if err := tx.clear(); err != nil {
		return nil, err
	}
	e.cfg.logger.Info("run aborted", "agent", tx.key.Agent, "run_id", run.RunID, "stage", paused)
	return &Result{Allowed: true, Aborted: true, RunID: run.RunID}, nil
}
