// Package gate enforces legal stage transitions for multi-stage agent
// pipelines.
//
// An external agent drives a fixed sequence of stages by dispatching one
// action per call (start, complete, repair, start_repair_unit,
// end_repair_unit, status, reset, resume). The Engine decides whether each
// transition is legal, persists the resulting run state atomically, and
// appends one event per transition to the run's audit log.
//
// Control-flow violations are returned as data (Result.Allowed == false with
// a Reason) so the calling agent can branch on them. Only integration
// failures, such as an unknown agent slug or a store I/O error, are returned
// as Go errors.
//
// Basic usage:
//
//	st, _ := store.NewFileStore[gate.Run](root)
//	engine, _ := gate.New(gate.Definitions{def.Slug: def}, st,
//	    gate.WithLogger(logger),
//	    gate.WithPauseNotifier(notifier),
//	)
//
//	res, err := engine.Dispatch(ctx, gate.Request{
//	    AgentSlug: "research",
//	    Action:    gate.ActionStart,
//	    Stage:     gate.StageNum(0),
//	})
package gate
