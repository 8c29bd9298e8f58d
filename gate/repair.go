package gate

import (
	"fmt"

	"github.com/dshills/stagegate/gate/emit"
)

// activeUnit returns the repair unit the run has open.
func activeUnit(run *Run, def *Definition) (RepairUnit, bool) {
	if !run.RepairUnitActive || run.RepairUnit < 0 || run.RepairUnit >= len(def.RepairUnits) {
		return RepairUnit{}, false
	}
	return def.RepairUnits[run.RepairUnit], true
}

func stageRange(u RepairUnit) []int {
	return []int{u.Start(), u.End()}
}

// repairAnchor returns the stage a repair unit must end at to be opened.
// A review pause on a unit's end stage advances the run past it on resume;
// until the next stage is started, the unit can still be opened.
func repairAnchor(run *Run) int {
	if past := run.ResumedPastStage; past != nil && *past == run.HighestCompleted() {
		return *past
	}
	return run.CurrentStage
}

// startRepairUnit opens the repair unit ending at the current stage.
func (e *Engine) startRepairUnit(tx *transition) (*Result, error) {
	run := tx.run
	if run == nil {
		return reject("No active run. Start stage 0 first."), nil
	}
	if run.RepairUnitActive {
		if unit, ok := activeUnit(run, tx.def); ok {
			return reject(fmt.Sprintf("Repair unit for stages %d-%d is already active", unit.Start(), unit.End())), nil
		}
		return reject("A repair unit is already active"), nil
	}

	idx, unit, ok := tx.def.UnitEndingAt(repairAnchor(run))
	if !ok {
		return reject(fmt.Sprintf("No repair unit ends at current stage %d", run.CurrentStage)), nil
	}
	if !run.IsCompleted(unit.End()) {
		return reject(fmt.Sprintf("Stage %d must be completed before starting its repair unit", unit.End())), nil
	}

	run.CurrentStage = unit.End()
	run.ResumedPastStage = nil
	run.RepairUnitActive = true
	run.RepairUnit = idx
	run.RepairIteration = 0
	data := map[string]any{
		"unit":          idx,
		"stageRange":    stageRange(unit),
		"maxIterations": unit.MaxIterations,
	}
	// A unit ending at the last stage reopens a finished run; the
	// completion record is rewritten when the unit closes.
	if run.CompletedAt != nil {
		run.CompletedAt = nil
		data["reopened"] = true
	}
	tx.record(emit.TypeRepairUnitStarted, data)

	if err := tx.save(); err != nil {
		return nil, err
	}
	return (&Result{Allowed: true}).withRun(run), nil
}

// repair begins one more iteration of the active unit: the unit's stages
// leave the completed set and the run moves back to the unit's first stage.
// The attempt count includes the original pass, so a unit allows
// MaxIterations-1 repairs.
func (e *Engine) repair(tx *transition) (*Result, error) {
	run := tx.run
	if run == nil {
		return reject("No active run. Start stage 0 first."), nil
	}
	if !run.RepairUnitActive {
		return reject("No repair unit is active; call start_repair_unit first"), nil
	}
	unit, ok := activeUnit(run, tx.def)
	if !ok {
		return reject(fmt.Sprintf("Active repair unit %d is not declared for agent %s", run.RepairUnit, tx.def.Slug)), nil
	}
	if run.RepairIteration+1 >= unit.MaxIterations {
		return reject(fmt.Sprintf("Max repair iterations reached (%d) for stages %d-%d; call end_repair_unit and proceed with the best available attempt",
			unit.MaxIterations, unit.Start(), unit.End())), nil
	}
	if !run.IsCompleted(unit.End()) {
		return reject(fmt.Sprintf("Stage %d must be completed before the next repair iteration", unit.End())), nil
	}

	run.RepairIteration++
	run.RepairIterations++
	run.removeRange(unit.Start(), unit.End())
	run.CurrentStage = unit.Start()

	tx.record(emit.TypeRepairIteration, map[string]any{
		"iteration":     run.RepairIteration,
		"stageRange":    stageRange(unit),
		"maxIterations": unit.MaxIterations,
		"hasFeedback":   run.RepairFeedback != nil,
	})

	if err := tx.save(); err != nil {
		return nil, err
	}
	e.cfg.metrics.IncRepairIteration(tx.key.Agent)
	e.cfg.logger.Info("repair iteration started",
		"agent", tx.key.Agent, "run_id", run.RunID, "iteration", run.RepairIteration)

	res := &Result{Allowed: true, Feedback: run.RepairFeedback}
	return res.withRun(run), nil
}

// endRepairUnit closes the active unit, keeping the last iteration's
// completed stages so the pipeline can move past the unit's end.
func (e *Engine) endRepairUnit(tx *transition) (*Result, error) {
	run := tx.run
	if run == nil {
		return reject("No active run. Start stage 0 first."), nil
	}
	if !run.RepairUnitActive {
		return reject("No repair unit is active"), nil
	}
	unit, ok := activeUnit(run, tx.def)

	run.RepairUnitActive = false
	res := &Result{Allowed: true}
	data := map[string]any{"iterations": run.RepairIteration}
	if ok {
		data["stageRange"] = stageRange(unit)
		if run.IsCompleted(unit.End()) && tx.def.HasStage(unit.End()+1) {
			res.NextStage = intPtr(unit.End() + 1)
		}
	}
	tx.record(emit.TypeRepairUnitEnded, data)

	if err := e.finishIfComplete(tx, res); err != nil {
		return nil, err
	}
	if err := tx.save(); err != nil {
		return nil, err
	}
	return res.withRun(run), nil
}
