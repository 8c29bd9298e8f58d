package gate

import (
	"time"

	"github.com/dshills/stagegate/gate/emit"
)

// status reports the run snapshot without writing anything.
func (e *Engine) status(tx *transition) (*Result, error) {
	run := tx.run
	if run == nil {
		return &Result{Allowed: true, Reason: "No active run"}, nil
	}

	res := (&Result{Allowed: true, PipelineComplete: run.CompletedAt != nil}).withRun(run)
	if run.Stale(tx.now, e.cfg.staleAfter) {
		res.StaleRun = true
		res.AgeSeconds = int64(run.Age(tx.now) / time.Second)
	}
	return res, nil
}

// reset clears the run unconditionally. start(0) is legal afterwards even
// if the prior run was mid-pipeline.
func (e *Engine) reset(tx *transition) (*Result, error) {
	data := map[string]any{}
	previous := ""
	if run := tx.run; run != nil {
		previous = run.RunID
		data["previousRunId"] = run.RunID
		data["stage"] = run.CurrentStage
		data["completedStages"] = run.completedCopy()
		if run.CarriedModifications != nil {
			data["discardedModifications"] = true
		}
	}
	tx.record(emit.TypeRunReset, data)

	if err := tx.clear(); err != nil {
		return nil, err
	}
	e.cfg.logger.Info("run reset", "agent", tx.key.Agent, "session", tx.key.Session, "previous_run_id", previous)
	return &Result{Allowed: true, RunID: previous}, nil
}
