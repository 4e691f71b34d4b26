// Package worker implements the Worker Runtime: the per-worker event loop that dispatches incoming work to a
// simulator or generator callback and returns results, plus the
// synchronous send/recv primitives a persistent callback uses to stay
// resident across many manager exchanges.
package worker

import (
	"context"

	"github.com/jlnav/ensemblekit/internal/protocol"
)

// Input is what a sim or gen callback receives: the row slice shipped
// by the manager (may be empty for a fresh generator call) and the
// worker's own persis_info scratch.
type Input struct {
	Rows []map[string]any
	PersisInfo map[string]any
}

// Output is what a non-persistent callback returns.
type Output struct {
	Rows []protocol.Row
	Status protocol.CalcStatus
	PersisInfo map[string]any
}

// Func is the single-method capability every sim/gen callback
// implements.
type Func func(ctx context.Context, in Input) (Output, error)

// PersistentFunc is a generator or simulator that stays resident
// across manager exchanges, driving its own session loop via the
// *PersistentSession handle instead of returning after one call.
type PersistentFunc func(ctx context.Context, sess *PersistentSession, in Input) (Output, error)

// Spec bundles a callback with the declared schema fields it consumes
// and produces (the sim_specs/gen_specs "in"/"out" declarations).
type Spec struct {
	Name string
	In []string
	Out []string

	Call Func
	PersistentCall PersistentFunc
}

// IsPersistent reports whether this spec uses the persistent calling
// convention.
func (s Spec) IsPersistent() bool { return s.PersistentCall != nil }
