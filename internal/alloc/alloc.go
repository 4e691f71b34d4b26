// Package alloc defines the allocator contract and two concrete
// allocators: a plain give-sim-work-first allocator and a
// persistent-generator-aware one.
package alloc

import (
	"fmt"

	"github.com/jlnav/ensemblekit/internal/history"
	"github.com/jlnav/ensemblekit/internal/protocol"
	"github.com/jlnav/ensemblekit/internal/registry"
	"github.com/jlnav/ensemblekit/internal/worker"
)

// Decision is what an allocator returns: new work for idle workers,
// plus any persis_info it rewrote.
type Decision struct {
	Work map[int]protocol.Work
	PersisInfo protocol.PersisInfo
}

// Func is the single-method allocator capability.
//
// Preconditions the manager guarantees: only idle workers appear in
// idle; hRows reflects all completions received so far this iteration.
type Func func(w *registry.Registry, idle []int, hRows []history.Row, sim, gen worker.Spec, persisInfo protocol.PersisInfo) (Decision, error)

// Validate checks the manager-side postconditions of a Decision: every
// key is an idle worker id, every requested field exists, every row
// reference is in range (< hLen), and persistent work only references
// rows with returned=true && given_back=false.
func Validate(d Decision, idle []int, schema *history.Schema, hLen int, returnedNotGivenBack map[int]bool) error {
	idleSet := make(map[int]bool, len(idle))
	for _, w := range idle {
		idleSet[w] = true
	}
	for w, work := range d.Work {
		if !idleSet[w] {
			return fmt.Errorf("alloc: dispatch error: worker %d is not idle", w)
		}
		if missing := schema.Missing(work.HFields); len(missing) > 0 {
			return fmt.Errorf("alloc: dispatch error: worker %d requested unknown fields %v", w, missing)
		}
		for _, row := range work.HRows {
			if row < 0 || row >= hLen {
				return fmt.Errorf("alloc: dispatch error: worker %d references row %d out of range [0,%d)", w, row, hLen)
			}
		}
		if work.Persistent {
			for _, row := range work.HRows {
				if !returnedNotGivenBack[row] {
					return fmt.Errorf("alloc: dispatch error: persistent work for worker %d references row %d which is not (returned && !given_back)", w, row)
				}
			}
		}
	}
	return nil
}
