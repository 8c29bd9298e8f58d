package gate

import (
	"fmt"
	"strings"
)

// Stage is one named unit of work in a pipeline.
type Stage struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	PauseInstructions string `json:"pauseInstructions,omitempty"`
}

// RepairUnit is a contiguous stage range that may be re-executed a bounded
// number of times.
//
// MaxIterations counts every attempt, the original pass included: a unit
// with MaxIterations 2 allows one repair.
type RepairUnit struct {
	StageRange    [2]int `json:"stageRange"`
	MaxIterations int    `json:"maxIterations"`
	FeedbackField string `json:"feedbackField,omitempty"`
}

// Start returns the first stage of the unit.
func (u RepairUnit) Start() int { return u.StageRange[0] }

// End returns the last stage of the unit.
func (u RepairUnit) End() int { return u.StageRange[1] }

// Contains reports whether stage lies inside the unit's range.
func (u RepairUnit) Contains(stage int) bool {
	return stage >= u.Start() && stage <= u.End()
}

// Definition is the read-only configuration of one agent's pipeline. It is
// immutable for the lifetime of a run.
type Definition struct {
	Slug             string               `json:"slug"`
	Description      string               `json:"description,omitempty"`
	Stages           []Stage              `json:"stages"`
	RepairUnits      []RepairUnit         `json:"repairUnits,omitempty"`
	PauseAfterStages []int                `json:"pauseAfterStages,omitempty"`
	PauseOnErrors    []ErrorCategory      `json:"pauseOnErrors,omitempty"`
	Schemas          map[int]*StageSchema `json:"schemas,omitempty"`
}

// Validate checks the structural invariants of the definition:
//   - a non-empty slug and at least one stage
//   - stage ids sequential from 0 (each id equals its position)
//   - repair ranges within bounds, start <= end, MaxIterations >= 1,
//     and no two units sharing an end stage
//   - pause stages, pause categories, and schema keys that exist
//
// Every failure wraps ErrInvalidDefinition.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: definition is nil", ErrInvalidDefinition)
	}
	if strings.TrimSpace(d.Slug) == "" {
		return fmt.Errorf("%w: slug is required", ErrInvalidDefinition)
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("%w: %s: at least one stage is required", ErrInvalidDefinition, d.Slug)
	}
	for i, s := range d.Stages {
		if s.ID != i {
			return fmt.Errorf("%w: %s: stage at position %d has id %d", ErrInvalidDefinition, d.Slug, i, s.ID)
		}
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("%w: %s: stage %d has no name", ErrInvalidDefinition, d.Slug, i)
		}
	}

	ends := make(map[int]bool, len(d.RepairUnits))
	for i, u := range d.RepairUnits {
		if !d.HasStage(u.Start()) || !d.HasStage(u.End()) || u.Start() > u.End() {
			return fmt.Errorf("%w: %s: repair unit %d has invalid range [%d, %d]",
				ErrInvalidDefinition, d.Slug, i, u.Start(), u.End())
		}
		if u.MaxIterations < 1 {
			return fmt.Errorf("%w: %s: repair unit %d needs maxIterations >= 1", ErrInvalidDefinition, d.Slug, i)
		}
		if ends[u.End()] {
			return fmt.Errorf("%w: %s: more than one repair unit ends at stage %d", ErrInvalidDefinition, d.Slug, u.End())
		}
		ends[u.End()] = true
	}

	for _, s := range d.PauseAfterStages {
		if !d.HasStage(s) {
			return fmt.Errorf("%w: %s: pauseAfterStages names unknown stage %d", ErrInvalidDefinition, d.Slug, s)
		}
	}
	for _, c := range d.PauseOnErrors {
		if !c.Valid() {
			return fmt.Errorf("%w: %s: pauseOnErrors names unknown category %q", ErrInvalidDefinition, d.Slug, c)
		}
	}
	for s := range d.Schemas {
		if !d.HasStage(s) {
			return fmt.Errorf("%w: %s: schema declared for unknown stage %d", ErrInvalidDefinition, d.Slug, s)
		}
	}
	return nil
}

// HasStage reports whether id names a declared stage.
func (d *Definition) HasStage(id int) bool {
	return id >= 0 && id < len(d.Stages)
}

// LastStage returns the id of the final stage.
func (d *Definition) LastStage() int {
	return len(d.Stages) - 1
}

// PausesAfter reports whether completing stage requires human review.
func (d *Definition) PausesAfter(stage int) bool {
	for _, s := range d.PauseAfterStages {
		if s == stage {
			return true
		}
	}
	return false
}

// PausesOn reports whether an error of category forces a pause.
func (d *Definition) PausesOn(category ErrorCategory) bool {
	for _, c := range d.PauseOnErrors {
		if c == category {
			return true
		}
	}
	return false
}

// UnitEndingAt returns the repair unit whose range ends at stage.
func (d *Definition) UnitEndingAt(stage int) (int, RepairUnit, bool) {
	for i, u := range d.RepairUnits {
		if u.End() == stage {
			return i, u, true
		}
	}
	return -1, RepairUnit{}, false
}

// DefinitionSource resolves Agent Definitions by slug. Lookup returns an
// error wrapping ErrAgentNotFound for unknown slugs.
type DefinitionSource interface {
	Lookup(slug string) (*Definition, error)
}

// Definitions is a fixed, in-memory DefinitionSource keyed by slug.
type Definitions map[string]*Definition

// Lookup implements DefinitionSource.
func (d Definitions) Lookup(slug string) (*Definition, error) {
	def, ok := d[slug]
	if !ok || def == nil {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, slug)
	}
	return def, nil
}
