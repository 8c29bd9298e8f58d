package gate

import (
	"context"
	"strings"
	"testing"
)

func TestRepair_UnitScenario(t *testing.T) {
	te := newTestEngine(t, researchDefinition())
	te.throughStage3()

	mustReject(t, te.do(ActionRepair, nil, nil), "repair before start_repair_unit")

	res := te.do(ActionStartRepairUnit, nil, nil)
	mustAllow(t, res, "start_repair_unit")
	if !res.RepairUnitActive || res.RepairIteration != 0 {
		t.Fatalf("expected active unit at iteration 0, got %+v", res)
	}

	dup := te.do(ActionStartRepairUnit, nil, nil)
	mustReject(t, dup, "double start_repair_unit")
	if !strings.Contains(dup.Reason, "already active") {
		t.Errorf("expected 'already active' reason, got %q", dup.Reason)
	}

	mustReject(t, te.start(4), "start(4) while the unit is open")

	res = te.do(ActionRepair, nil, nil)
	mustAllow(t, res, "first repair")
	if res.RepairIteration != 1 {
		t.Errorf("expected repairIteration 1, got %d", res.RepairIteration)
	}
	if !equalInts(res.CompletedStages, []int{0, 1}) {
		t.Errorf("expected unit range removed, got %v", res.CompletedStages)
	}
	if res.CurrentStage == nil || *res.CurrentStage != 2 {
		t.Errorf("expected current stage 2, got %v", res.CurrentStage)
	}
	if res.Feedback != "tighten citations" {
		t.Errorf("expected captured feedback, got %v", res.Feedback)
	}

	mustReject(t, te.do(ActionRepair, nil, nil), "repair before re-running the range")

	mustAllow(t, te.start(2), "restart stage 2")
	mustAllow(t, te.complete(2, Payload{"draft": "v2"}), "complete stage 2 again")
	mustAllow(t, te.start(3), "restart stage 3")
	res = te.complete(3, Payload{"verification_feedback": "good enough"})
	mustAllow(t, res, "complete stage 3 again")
	if !equalInts(res.CompletedStages, []int{0, 1, 2, 3}) {
		t.Errorf("expected re-run stages restored, got %v", res.CompletedStages)
	}

	res = te.do(ActionRepair, nil, nil)
	mustReject(t, res, "second repair")
	if !strings.HasPrefix(res.Reason, "Max repair iterations") {
		t.Errorf("expected max-iterations reason, got %q", res.Reason)
	}
	status := te.do(ActionStatus, nil, nil)
	if status.RepairIteration != 1 {
		t.Errorf("failed repair must not increment, got %d", status.RepairIteration)
	}

	res = te.do(ActionEndRepairUnit, nil, nil)
	mustAllow(t, res, "end_repair_unit")
	if res.RepairUnitActive {
		t.Error("expected unit to be closed")
	}
	if !equalInts(res.CompletedStages, []int{0, 1, 2, 3}) {
		t.Errorf("expected last iteration's stages intact, got %v", res.CompletedStages)
	}
	if res.NextStage == nil || *res.NextStage != 4 {
		t.Errorf("expected next stage 4, got %v", res.NextStage)
	}

	mustReject(t, te.do(ActionEndRepairUnit, nil, nil), "end_repair_unit with none active")
	mustReject(t, te.do(ActionRepair, nil, nil), "repair after the unit closed")

	mustAllow(t, te.start(4), "start(4)")
	res = te.complete(4, nil)
	if !res.PipelineComplete {
		t.Fatalf("expected completion, got %+v", res)
	}

	rec, err := te.Completion(context.Background(), te.key, res.RunID)
	if err != nil {
		t.Fatalf("Completion failed: %v", err)
	}
	if rec.RepairIterations != 1 {
		t.Errorf("expected 1 repair iteration in the completion record, got %d", rec.RepairIterations)
	}
}

func TestRepair_IterationArtifacts(t *testing.T) {
	te := newTestEngine(t, researchDefinition())
	te.throughStage3()

	te.do(ActionStartRepairUnit, nil, nil)
	res := te.do(ActionRepair, nil, nil)
	te.start(2)
	te.complete(2, Payload{"draft": "v2"})

	names, err := te.store.Artifacts(context.Background(), te.key, res.RunID)
	if err != nil {
		t.Fatalf("Artifacts failed: %v", err)
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"stage-2-draft", "stage-2-draft.iter-1", "stage-3-verify"} {
		if !strings.Contains(","+joined+",", ","+want+",") {
			t.Errorf("expected artifact %q in %v", want, names)
		}
	}

	var out StageOutput
	if err := te.store.ReadArtifact(context.Background(), te.key, res.RunID, "stage-2-draft.iter-1", &out); err != nil {
		t.Fatalf("ReadArtifact failed: %v", err)
	}
	if out.RepairIteration != 1 || out.Data["draft"] != "v2" {
		t.Errorf("unexpected iteration artifact %+v", out)
	}
}

func TestRepair_StartRequiresUnitEnd(t *testing.T) {
	te := newTestEngine(t, researchDefinition())

	mustReject(t, te.do(ActionStartRepairUnit, nil, nil), "start_repair_unit without run")

	te.start(0)
	te.complete(0, validPlan())
	te.resume("proceed", nil)
	te.start(1)

	res := te.do(ActionStartRepairUnit, nil, nil)
	mustReject(t, res, "start_repair_unit at stage 1")
	if !strings.Contains(res.Reason, "No repair unit ends at current stage 1") {
		t.Errorf("unexpected reason %q", res.Reason)
	}
}

func TestRepair_StartRequiresCompletedEnd(t *testing.T) {
	te := newTestEngine(t, researchDefinition())
	te.start(0)
	te.complete(0, validPlan())
	te.resume("proceed", nil)
	for stage := 1; stage <= 2; stage++ {
		te.start(stage)
		te.complete(stage, nil)
	}
	te.start(3)

	mustReject(t, te.do(ActionStartRepairUnit, nil, nil), "start_repair_unit before stage 3 completes")
}

func TestRepair_UnitStartingAtZero(t *testing.T) {
	def := linearDefinition("loop", 2)
	def.RepairUnits = []RepairUnit{{StageRange: [2]int{0, 1}, MaxIterations: 3}}
	te := newTestEngine(t, def)

	te.start(0)
	te.complete(0, nil)
	te.start(1)
	if res := te.complete(1, nil); !res.PipelineComplete {
		t.Fatalf("expected completion after the last stage, got %+v", res)
	}
	mustAllow(t, te.do(ActionStartRepairUnit, nil, nil), "start_repair_unit reopens the run")

	first := te.do(ActionRepair, nil, nil)
	mustAllow(t, first, "repair")
	again := te.start(0)
	mustAllow(t, again, "start(0) inside the unit")
	if again.RunID != first.RunID {
		t.Errorf("start(0) inside a repair unit must keep the run, got %s want %s", again.RunID, first.RunID)
	}
}

func TestRepair_SingleIterationUnit(t *testing.T) {
	def := linearDefinition("single", 2)
	def.RepairUnits = []RepairUnit{{StageRange: [2]int{1, 1}, MaxIterations: 1}}
	te := newTestEngine(t, def)

	te.start(0)
	te.complete(0, nil)
	te.start(1)
	te.complete(1, nil)
	te.do(ActionStartRepairUnit, nil, nil)

	res := te.do(ActionRepair, nil, nil)
	mustReject(t, res, "repair with maxIterations 1")
	if !strings.HasPrefix(res.Reason, "Max repair iterations") {
		t.Errorf("unexpected reason %q", res.Reason)
	}

	res = te.do(ActionEndRepairUnit, nil, nil)
	mustAllow(t, res, "end_repair_unit")
	if !res.PipelineComplete {
		t.Error("expected completion when the unit over the last stage closes")
	}
}

func TestRepair_UnitEndingAtReviewedStage(t *testing.T) {
	def := researchDefinition()
	def.PauseAfterStages = []int{0, 3}
	te := newTestEngine(t, def)

	mustAllow(t, te.start(0), "start(0)")
	te.complete(0, validPlan())
	mustAllow(t, te.resume("proceed", nil), "resume after stage 0")
	for stage := 1; stage <= 3; stage++ {
		mustAllow(t, te.start(stage), "start")
		te.complete(stage, Payload{"verification_feedback": "cite sources"})
	}
	status := te.do(ActionStatus, nil, nil)
	if status.PausedAtStage == nil || *status.PausedAtStage != 3 {
		t.Fatalf("expected pause at stage 3, got %+v", status)
	}
	mustReject(t, te.do(ActionStartRepairUnit, nil, nil), "start_repair_unit under pause-lock")

	res := te.resume("proceed", nil)
	mustAllow(t, res, "resume after stage 3")
	if res.CurrentStage == nil || *res.CurrentStage != 4 {
		t.Fatalf("expected proceed to advance to stage 4, got %v", res.CurrentStage)
	}

	res = te.do(ActionStartRepairUnit, nil, nil)
	mustAllow(t, res, "start_repair_unit after reviewing the unit's end stage")
	if res.CurrentStage == nil || *res.CurrentStage != 3 {
		t.Errorf("expected current stage back at the unit end, got %v", res.CurrentStage)
	}

	res = te.do(ActionRepair, nil, nil)
	mustAllow(t, res, "repair")
	if res.Feedback != "cite sources" {
		t.Errorf("expected captured feedback, got %v", res.Feedback)
	}
}

func TestRepair_UnitClosedOnceNextStageStarts(t *testing.T) {
	def := researchDefinition()
	def.PauseAfterStages = []int{0, 3}
	te := newTestEngine(t, def)

	mustAllow(t, te.start(0), "start(0)")
	te.complete(0, validPlan())
	te.resume("proceed", nil)
	for stage := 1; stage <= 3; stage++ {
		te.start(stage)
		te.complete(stage, nil)
	}
	te.resume("proceed", nil)
	mustAllow(t, te.start(4), "start(4)")

	res := te.do(ActionStartRepairUnit, nil, nil)
	mustReject(t, res, "start_repair_unit after moving past the unit")
	if !strings.Contains(res.Reason, "No repair unit ends at current stage 4") {
		t.Errorf("unexpected reason %q", res.Reason)
	}
}
