package gate

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/stagegate/gate/emit"
	"github.com/dshills/stagegate/gate/store/archive"
)

// CompletionArtifact is the artifact name of the completion record.
const CompletionArtifact = "completion"

// start handles the start action.
//
// start(0) creates a run when none exists for the key, or when the existing
// run is stale or already complete. start(n) for n > 0 requires stage n-1
// to be the highest completed stage.
func (e *Engine) start(tx *transition) (*Result, error) {
	stage, rejection := tx.stageParam()
	if rejection != nil {
		return rejection, nil
	}
	if !tx.def.HasStage(stage) {
		return reject(fmt.Sprintf("Stage %d is not defined for agent %s", stage, tx.def.Slug)), nil
	}

	run := tx.run
	if stage == 0 && !rerunsFirstStage(run, tx.def) {
		if run != nil && run.CompletedAt == nil && !run.Stale(tx.now, e.cfg.staleAfter) {
			snap, err := run.snapshot()
			if err != nil {
				return nil, err
			}
			res := reject(fmt.Sprintf("A run is already active for agent %s (run %s, last event %ds ago); reset it or wait until it is stale",
				tx.def.Slug, run.RunID, int64(run.Age(tx.now)/time.Second)))
			res.ActiveRun = snap
			return res, nil
		}
		return e.newRun(tx)
	}

	if run == nil {
		return reject("No active run. Start stage 0 first."), nil
	}
	if run.IsCompleted(stage) {
		return reject(fmt.Sprintf("Stage %d is already completed", stage)), nil
	}
	if stage > 0 && run.HighestCompleted() != stage-1 {
		return reject(fmt.Sprintf("Stage %d must be completed before starting stage %d", stage-1, stage)), nil
	}
	if run.RepairUnitActive {
		if unit, ok := activeUnit(run, tx.def); ok && stage > unit.End() {
			return reject(fmt.Sprintf("Repair unit for stages %d-%d is active; call end_repair_unit before starting stage %d",
				unit.Start(), unit.End(), stage)), nil
		}
	}

	run.CurrentStage = stage
	run.ResumedPastStage = nil
	res := &Result{Allowed: true}
	data := map[string]any{"stage": stage, "name": tx.def.Stages[stage].Name}
	if run.RepairUnitActive {
		data["repairIteration"] = run.RepairIteration
	}
	if run.CarriedModifications != nil {
		res.Modifications = run.CarriedModifications
		run.CarriedModifications = nil
		data["modificationsApplied"] = true
	}
	tx.record(emit.TypeStageStarted, data)

	if err := tx.save(); err != nil {
		return nil, err
	}
	return res.withRun(run), nil
}

// newRun replaces whatever run the key holds with a fresh one at stage 0.
func (e *Engine) newRun(tx *transition) (*Result, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}

	previous := tx.run
	data := tx.req.Data
	depthMode, _ := data.String("depthMode")
	if depthMode == "" {
		depthMode, _ = data.String("depth_mode")
	}
	var params map[string]any
	for k, v := range data {
		if k == "depthMode" || k == "depth_mode" {
			continue
		}
		if params == nil {
			params = make(map[string]any, len(data))
		}
		params[k] = v
	}

	run := &Run{
		RunID:           id.String(),
		AgentSlug:       tx.def.Slug,
		CurrentStage:    0,
		CompletedStages: []int{},
		DepthMode:       depthMode,
		Params:          params,
		StartedAt:       tx.now,
	}
	tx.run = run

	started := map[string]any{"stages": len(tx.def.Stages)}
	if depthMode != "" {
		started["depthMode"] = depthMode
	}
	if previous != nil {
		started["replacedRunId"] = previous.RunID
	}
	tx.record(emit.TypeRunStarted, started)
	tx.record(emit.TypeStageStarted, map[string]any{"stage": 0, "name": tx.def.Stages[0].Name})

	if err := tx.save(); err != nil {
		return nil, err
	}
	e.cfg.logger.Info("run started",
		"agent", tx.key.Agent, "session", tx.key.Session, "run_id", run.RunID, "depth_mode", depthMode)
	return (&Result{Allowed: true}).withRun(run), nil
}

// complete handles the complete action.
func (e *Engine) complete(tx *transition) (*Result, error) {
	stage, rejection := tx.stageParam()
	if rejection != nil {
		return rejection, nil
	}
	run := tx.run
	if run == nil {
		return reject("No active run. Start stage 0 first."), nil
	}
	if stage != run.CurrentStage {
		return reject(fmt.Sprintf("Stage %d is not the current stage (current stage is %d)", stage, run.CurrentStage)), nil
	}
	if run.IsCompleted(stage) {
		return reject(fmt.Sprintf("Stage %d is already completed", stage)), nil
	}

	def := tx.def
	st := def.Stages[stage]
	data := tx.req.Data
	warnings := Advise(def.Schemas[stage], data)

	var classification *ErrorClassification
	errText, failed := data.errorText()
	if failed {
		c := Classify(errText)
		classification = &c
	}

	iteration := 0
	if run.RepairUnitActive {
		iteration = run.RepairIteration
	}
	artifact := ArtifactName(st, iteration)
	output := StageOutput{
		RunID:           run.RunID,
		Stage:           stage,
		StageName:       st.Name,
		RepairIteration: iteration,
		Data:            data,
		WrittenAt:       tx.now,
	}
	tx.writeArtifact(artifact, output)

	run.markCompleted(stage)
	run.applyRollup(data)
	if _, unit, ok := def.UnitEndingAt(stage); ok && unit.FeedbackField != "" {
		if v, ok := data[unit.FeedbackField]; ok {
			run.RepairFeedback = v
		}
	}

	completed := map[string]any{"stage": stage, "name": st.Name, "artifact": artifact}
	if run.RepairUnitActive {
		completed["repairIteration"] = run.RepairIteration
	}
	if len(warnings) > 0 {
		completed["warnings"] = warnings
	}
	tx.record(emit.TypeStageCompleted, completed)
	if len(warnings) > 0 {
		tx.record(emit.TypeValidationWarnings, map[string]any{"stage": stage, "warnings": warnings})
	}
	if classification != nil {
		tx.record(emit.TypeStageError, map[string]any{
			"stage":         stage,
			"error":         errText,
			"category":      string(classification.Category),
			"matchedReason": classification.MatchedReason,
		})
		e.cfg.metrics.IncClassifiedError(tx.key.Agent, classification.Category)
	}

	res := &Result{
		Allowed:             true,
		ValidationWarnings:  warnings,
		ErrorClassification: classification,
	}

	escalated := classification != nil && def.PausesOn(classification.Category)
	var notice *PauseNotice
	if escalated || def.PausesAfter(stage) {
		cause := PauseCauseStage
		if escalated {
			cause = PauseCauseError
		}
		run.PausedAtStage = intPtr(stage)
		run.PauseCause = cause
		res.Allowed = false
		res.PauseRequired = true
		res.Reason = pauseReason(st, classification, escalated)

		paused := map[string]any{"stage": stage, "cause": string(cause), "reason": res.Reason}
		if escalated {
			paused["category"] = string(classification.Category)
		}
		tx.record(emit.TypeStageGatePause, paused)
		notice = &PauseNotice{
			AgentSlug: def.Slug,
			Stage:     stage,
			RunID:     run.RunID,
			Cause:     cause,
			Reason:    res.Reason,
			Data:      data,
		}
	} else if def.HasStage(stage + 1) {
		res.NextStage = intPtr(stage + 1)
	}

	if err := e.finishIfComplete(tx, res); err != nil {
		return nil, err
	}
	if err := tx.save(); err != nil {
		return nil, err
	}

	if notice != nil {
		e.cfg.metrics.IncPause(tx.key.Agent, notice.Cause)
		e.cfg.logger.Info("stage gate paused",
			"agent", tx.key.Agent, "run_id", run.RunID, "stage", stage, "cause", notice.Cause)
		if e.cfg.notifier != nil {
			e.cfg.notifier.NotifyPause(tx.ctx, *notice)
		}
	}
	return res.withRun(run), nil
}

// finishIfComplete writes the completion record once every stage is
// complete and no repair unit is open.
func (e *Engine) finishIfComplete(tx *transition, res *Result) error {
	run := tx.run
	if run.CompletedAt != nil || run.RepairUnitActive || len(run.CompletedStages) != len(tx.def.Stages) {
		return nil
	}

	completedAt := tx.now
	run.CompletedAt = &completedAt
	rec := archive.CompletionRecord{
		RunID:              run.RunID,
		Workspace:          tx.key.Workspace,
		Session:            tx.key.Session,
		AgentSlug:          run.AgentSlug,
		DepthMode:          run.DepthMode,
		CompletedStages:    run.completedCopy(),
		VerificationScores: run.Rollup.VerificationScores,
		SearchUsage:        run.Rollup.SearchUsage,
		RepairIterations:   run.RepairIterations,
		StartedAt:          run.StartedAt,
		CompletedAt:        completedAt,
	}
	tx.writeArtifact(CompletionArtifact, rec)
	tx.completion = &rec
	tx.record(emit.TypeRunCompleted, map[string]any{
		"completedStages":  rec.CompletedStages,
		"repairIterations": rec.RepairIterations,
	})
	res.PipelineComplete = true

	e.cfg.logger.Info("run completed",
		"agent", tx.key.Agent, "run_id", run.RunID, "repair_iterations", rec.RepairIterations)
	return nil
}

// rerunsFirstStage reports whether start(0) re-enters stage 0 inside an
// active repair unit rather than asking for a new run.
func rerunsFirstStage(run *Run, def *Definition) bool {
	if run == nil || !run.RepairUnitActive || run.CompletedAt != nil {
		return false
	}
	unit, ok := activeUnit(run, def)
	return ok && unit.Start() == 0 && !run.IsCompleted(0)
}
