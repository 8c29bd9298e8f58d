package gate

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// PauseCause records why a run is paused.
type PauseCause string

const (
	// PauseCauseStage marks a pause after a stage listed in PauseAfterStages.
	PauseCauseStage PauseCause = "stage"

	// PauseCauseError marks a pause escalated from a classified error.
	PauseCauseError PauseCause = "error"
)

// Rollup accumulates the per-stage fields summarized in the completion
// record.
type Rollup struct {
	VerificationScores map[string]float64 `json:"verificationScores,omitempty"`
	SearchUsage        map[string]int     `json:"searchUsage,omitempty"`
}

// Run is one in-flight pipeline execution. Exactly one Run exists per
// (workspace, session, agent) key; it is persisted as current-run-state.json.
type Run struct {
	RunID                string         `json:"runId"`
	AgentSlug            string         `json:"agentSlug"`
	CurrentStage         int            `json:"currentStage"`
	CompletedStages      []int          `json:"completedStages"`
	PausedAtStage        *int           `json:"pausedAtStage,omitempty"`
	PauseCause           PauseCause     `json:"pauseCause,omitempty"`
	ResumedPastStage     *int           `json:"resumedPastStage,omitempty"`
	RepairUnitActive     bool           `json:"repairUnitActive"`
	RepairUnit           int            `json:"repairUnit"`
	RepairIteration      int            `json:"repairIteration"`
	RepairIterations     int            `json:"repairIterations,omitempty"`
	RepairFeedback       any            `json:"repairFeedback,omitempty"`
	CarriedModifications map[string]any `json:"carriedModifications,omitempty"`
	DepthMode            string         `json:"depthMode,omitempty"`
	Params               map[string]any `json:"params,omitempty"`
	StartedAt            time.Time      `json:"startedAt"`
	LastEventAt          time.Time      `json:"lastEventAt"`
	CompletedAt          *time.Time     `json:"completedAt,omitempty"`
	Rollup               Rollup         `json:"rollup"`
}

// Paused reports whether the run is under pause-lock.
func (r *Run) Paused() bool {
	return r.PausedAtStage != nil
}

// IsCompleted reports whether stage is in the completed set.
func (r *Run) IsCompleted(stage int) bool {
	i := sort.SearchInts(r.CompletedStages, stage)
	return i < len(r.CompletedStages) && r.CompletedStages[i] == stage
}

// HighestCompleted returns the highest completed stage, or -1 when none is
// completed. Order enforcement uses this rather than the set size so it
// stays correct after a repair removes a range.
func (r *Run) HighestCompleted() int {
	if len(r.CompletedStages) == 0 {
		return -1
	}
	return r.CompletedStages[len(r.CompletedStages)-1]
}

// Age returns the time elapsed since the run's last event.
func (r *Run) Age(now time.Time) time.Duration {
	return now.Sub(r.LastEventAt)
}

// Stale reports whether the run has gone quiet for longer than window.
func (r *Run) Stale(now time.Time, window time.Duration) bool {
	return r.Age(now) > window
}

func (r *Run) markCompleted(stage int) {
	if r.IsCompleted(stage) {
		return
	}
	r.CompletedStages = append(r.CompletedStages, stage)
	sort.Ints(r.CompletedStages)
}

// removeRange drops every completed stage in [start, end].
func (r *Run) removeRange(start, end int) {
	kept := r.CompletedStages[:0]
	for _, s := range r.CompletedStages {
		if s < start || s > end {
			kept = append(kept, s)
		}
	}
	r.CompletedStages = kept
}

func (r *Run) completedCopy() []int {
	out := make([]int, len(r.CompletedStages))
	copy(out, r.CompletedStages)
	return out
}

// snapshot returns an independent copy of the run for inclusion in a result.
func (r *Run) snapshot() (*Run, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run snapshot: %w", err)
	}
	var out Run
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run snapshot: %w", err)
	}
	return &out, nil
}

// applyRollup merges verification_scores (latest wins) and sums
// search_usage from a completed stage's data.
func (r *Run) applyRollup(data Payload) {
	if scores, ok := data.Map("verification_scores"); ok {
		for k, v := range scores {
			f, ok := toFloat(v)
			if !ok {
				continue
			}
			if r.Rollup.VerificationScores == nil {
				r.Rollup.VerificationScores = make(map[string]float64)
			}
			r.Rollup.VerificationScores[k] = f
		}
	}
	if usage, ok := data.Map("search_usage"); ok {
		for k, v := range usage {
			f, ok := toFloat(v)
			if !ok {
				continue
			}
			if r.Rollup.SearchUsage == nil {
				r.Rollup.SearchUsage = make(map[string]int)
			}
			r.Rollup.SearchUsage[k] += int(f)
		}
	}
}

func intPtr(n int) *int { return &n }
