package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/stagegate/gate/emit"
	"github.com/dshills/stagegate/gate/store"
	"github.com/dshills/stagegate/gate/store/archive"
)

// Engine is the single authority on stage transitions.
//
// Each Dispatch call loads the run for the request's key, validates the
// requested transition against the Agent Definition and the run state, and
// on success performs exactly one run-state write (save or clear) followed
// by the event appends for that transition.
//
// Engine is safe for concurrent use. Calls for the same key are serialized;
// calls for distinct keys proceed independently.
type Engine struct {
	defs  DefinitionSource
	store store.Store[Run]
	cfg   engineConfig

	mu    sync.Mutex
	locks map[store.Key]*sync.Mutex
}

// New creates an Engine.
//
// Parameters:
//   - defs: resolves Agent Definitions by slug
//   - st: persists run state, events, and stage artifacts
//   - opts: functional options (WithStaleAfter, WithLogger, WithEmitter, ...)
//
// Example:
//
//	st, err := store.NewFileStore[gate.Run](root)
//	if err != nil {
//	    return err
//	}
//	engine, err := gate.New(registry, st,
//	    gate.WithPauseNotifier(gate.PauseNotifierFunc(notify)),
//	)
func New(defs DefinitionSource, st store.Store[Run], opts ...Option) (*Engine, error) {
	if defs == nil {
		return nil, ErrNilDefinitions
	}
	if st == nil {
		return nil, ErrNilStore
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("invalid engine option: %w", err)
		}
	}

	return &Engine{
		defs:  defs,
		store: st,
		cfg:   cfg,
		locks: make(map[store.Key]*sync.Mutex),
	}, nil
}

// Dispatch performs one action.
//
// Control-flow violations (out-of-order stages, pause-lock, repair limits,
// invalid resume decisions) are returned as a Result with Allowed == false
// and a nil error. An error is returned only for integration failures: an
// unknown agent (wrapping ErrAgentNotFound), an invalid definition
// (wrapping ErrInvalidDefinition), or a store failure.
func (e *Engine) Dispatch(ctx context.Context, req Request) (*Result, error) {
	began := time.Now()
	ctx, span := e.cfg.tracer.Start(ctx, "stagegate.dispatch", trace.WithAttributes(
		attribute.String("stagegate.agent", req.AgentSlug),
		attribute.String("stagegate.action", string(req.Action)),
		attribute.String("stagegate.session", req.Session),
	))
	defer span.End()

	res, err := e.dispatch(ctx, req)
	outcome := outcomeOf(res, err)
	e.cfg.metrics.RecordAction(req.AgentSlug, req.Action, outcome, time.Since(began))
	span.SetAttributes(attribute.String("stagegate.outcome", outcome))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.cfg.logger.Error("dispatch failed",
			"agent", req.AgentSlug, "action", req.Action, "error", err)
		return nil, err
	}
	if res.RunID != "" {
		span.SetAttributes(attribute.String("stagegate.run_id", res.RunID))
	}
	if !res.Allowed && !res.PauseRequired {
		span.SetAttributes(attribute.String("stagegate.reason", res.Reason))
	}
	e.cfg.logger.Debug("dispatched",
		"agent", req.AgentSlug, "action", req.Action, "outcome", outcome, "reason", res.Reason)
	return res, nil
}

func (e *Engine) dispatch(ctx context.Context, req Request) (*Result, error) {
	def, err := e.defs.Lookup(req.AgentSlug)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to look up agent %q: %w", req.AgentSlug, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	key := req.Key()
	if err := key.Validate(); err != nil {
		return nil, err
	}

	unlock := e.lockKey(key)
	defer unlock()

	run, err := e.loadRun(ctx, key)
	if err != nil {
		return nil, err
	}

	tx := &transition{
		engine: e,
		ctx:    ctx,
		key:    key,
		def:    def,
		req:    req,
		run:    run,
		now:    e.cfg.clock(),
	}

	if !knownAction(req.Action) {
		return reject(fmt.Sprintf("Unknown action %q", req.Action)), nil
	}
	if run != nil && run.Paused() && !req.Action.allowedWhilePaused() && !tx.reclaimsStaleRun() {
		return reject(pauseLockReason(run)), nil
	}

	switch req.Action {
	case ActionStart:
		return e.start(tx)
	case ActionComplete:
		return e.complete(tx)
	case ActionRepair:
		return e.repair(tx)
	case ActionStartRepairUnit:
		return e.startRepairUnit(tx)
	case ActionEndRepairUnit:
		return e.endRepairUnit(tx)
	case ActionStatus:
		return e.status(tx)
	case ActionReset:
		return e.reset(tx)
	default:
		return e.resume(tx)
	}
}

func (e *Engine) loadRun(ctx context.Context, key store.Key) (*Run, error) {
	run, err := e.store.LoadRun(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load run state for %s: %w", key, err)
	}
	return &run, nil
}

// lockKey serializes dispatches for one key and returns the unlock func.
func (e *Engine) lockKey(key store.Key) func() {
	e.mu.Lock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func knownAction(a Action) bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

func outcomeOf(res *Result, err error) string {
	switch {
	case err != nil:
		return OutcomeError
	case res.PauseRequired:
		return OutcomePaused
	case res.Allowed:
		return OutcomeAllowed
	default:
		return OutcomeRejected
	}
}

// transition carries the state of one Dispatch call. Events recorded on it
// are appended only after the run-state write succeeds.
type transition struct {
	engine *Engine
	ctx    context.Context
	key    store.Key
	def    *Definition
	req    Request
	run    *Run
	now    time.Time

	events     []emit.Event
	artifacts  []pendingArtifact
	completion *archive.CompletionRecord
}

// pendingArtifact is a stage output or completion record written once the
// run state that references it is saved.
type pendingArtifact struct {
	name  string
	value any
}

// stageParam returns the request's stage or a rejection when it is missing.
func (tx *transition) stageParam() (int, *Result) {
	if tx.req.Stage == nil {
		return 0, reject("stage is required")
	}
	return *tx.req.Stage, nil
}

// reclaimsStaleRun reports whether the request is a start(0) that may
// replace a stale run, which bypasses the pause-lock.
func (tx *transition) reclaimsStaleRun() bool {
	return tx.req.Action == ActionStart &&
		tx.req.Stage != nil && *tx.req.Stage == 0 &&
		tx.run.Stale(tx.now, tx.engine.cfg.staleAfter)
}

func (tx *transition) record(eventType string, data map[string]any) {
	runID := ""
	if tx.run != nil {
		runID = tx.run.RunID
	}
	tx.events = append(tx.events, emit.Event{
		Type:      eventType,
		Timestamp: tx.now,
		RunID:     runID,
		Data:      data,
		Agent:     tx.key.Agent,
		Session:   tx.key.Session,
	})
}

func (tx *transition) writeArtifact(name string, value any) {
	tx.artifacts = append(tx.artifacts, pendingArtifact{name: name, value: value})
}

// save persists the run state (the transition's single write), then the
// pending artifacts, then appends the recorded events. Nothing but the run
// state is written when the save fails.
func (tx *transition) save() error {
	tx.run.LastEventAt = tx.now
	if err := tx.engine.store.SaveRun(tx.ctx, tx.key, *tx.run); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	for _, a := range tx.artifacts {
		if err := tx.engine.store.WriteArtifact(tx.ctx, tx.key, tx.run.RunID, a.name, a.value); err != nil {
			return fmt.Errorf("failed to write artifact %s: %w", a.name, err)
		}
	}
	tx.artifacts = nil
	return tx.flush()
}

// clear removes the run state (the transition's single write) and then
// appends the recorded events.
func (tx *transition) clear() error {
	if err := tx.engine.store.ClearRun(tx.ctx, tx.key); err != nil {
		return fmt.Errorf("failed to clear run state: %w", err)
	}
	return tx.flush()
}

func (tx *transition) flush() error {
	e := tx.engine
	events := tx.events
	tx.events = nil
	for i, event := range events {
		if err := e.store.AppendEvent(tx.ctx, tx.key, event); err != nil {
			e.publish(tx.ctx, events[:i])
			return fmt.Errorf("failed to append %s event: %w", event.Type, err)
		}
		if e.cfg.archive != nil {
			if err := e.cfg.archive.RecordEvent(tx.ctx, tx.key, event); err != nil {
				e.cfg.logger.Warn("failed to archive event",
					"agent", tx.key.Agent, "type", event.Type, "error", err)
			}
		}
	}
	e.publish(tx.ctx, events)

	if tx.completion != nil && e.cfg.archive != nil {
		if err := e.cfg.archive.RecordCompletion(tx.ctx, *tx.completion); err != nil {
			e.cfg.logger.Warn("failed to archive completion record",
				"agent", tx.key.Agent, "run_id", tx.completion.RunID, "error", err)
		}
	}
	return nil
}

// publish hands appended events to the emitter. Emitters that accept a context
// receive the dispatch context, so trace spans nest under the dispatch span.
func (e *Engine) publish(ctx context.Context, events []emit.Event) {
	if len(events) == 0 {
		return
	}
	if be, ok := e.cfg.emitter.(emit.BatchEmitter); ok {
		if err := be.EmitBatch(ctx, events); err != nil {
			e.cfg.logger.Warn("failed to emit events", "count", len(events), "error", err)
		}
		return
	}
	for _, event := range events {
		e.cfg.emitter.Emit(event)
	}
}
