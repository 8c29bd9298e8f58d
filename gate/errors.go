package gate

import "errors"

// ErrAgentNotFound indicates that no Agent Definition exists for the
// requested slug. It signals an integration bug rather than a control-flow
// event, so Dispatch returns it as an error instead of a rejection.
var ErrAgentNotFound = errors.New("agent not found")

// ErrInvalidDefinition indicates that an Agent Definition violates its
// structural invariants (stage ids, repair ranges, pause configuration).
var ErrInvalidDefinition = errors.New("invalid agent definition")

// ErrNilStore is returned by New when no run-state store is supplied.
var ErrNilStore = errors.New("run-state store is required")

// ErrNilDefinitions is returned by New when no definition source is supplied.
var ErrNilDefinitions = errors.New("definition source is required")
