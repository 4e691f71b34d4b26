package alloc

import (
	"github.com/jlnav/ensemblekit/internal/history"
	"github.com/jlnav/ensemblekit/internal/protocol"
	"github.com/jlnav/ensemblekit/internal/registry"
	"github.com/jlnav/ensemblekit/internal/worker"
)

// PersistentAwareAllocator gives simulation work when it can, otherwise
// starts at most one persistent generator, and feeds that generator's
// own returned-but-not-given-back points back to it as they complete.
type PersistentAwareAllocator struct {
	// InitialSampleSize gates the very first feedback to the generator:
	// nothing is given back until this many points have returned, so
	// the generator always sees its full initial batch at once.
	InitialSampleSize int

	// ReserveWorkers is how many otherwise-idle workers to reserve
	// (blocking set) for the duration of the generator's dispatch, the
	// way a whole-node generator might dedicate the rest of a node's
	// workers to itself. 0 reserves none.
	ReserveWorkers int
}

// Allocate implements Func.
func (p PersistentAwareAllocator) Allocate(w *registry.Registry, idle []int, hRows []history.Row, sim, gen worker.Spec, persisInfo protocol.PersisInfo) (Decision, error) {
	work := make(map[int]protocol.Work)
	out := persisInfo.Clone()

	returnedCount := 0
	for _, r := range hRows {
		if r.Returned {
			returnedCount++
		}
	}

	genRunning := false
	for _, id := range w.AllIDs() {
		st, ok := w.Get(id)
		if ok && st.PersisState == protocol.EvalGenTag {
			genRunning = true
			break
		}
	}

	var transientIdle []int
	for _, id := range idle {
		st, ok := w.Get(id)
		if !ok {
			continue
		}
		if st.PersisState == protocol.EvalGenTag {
			// A persistent generator only ever appears in idle once it
			// is blocked waiting on its own session recv; feed it back
			// any of its own rows that have returned but not yet been
			// given back, once the initial sample is complete.
			if returnedCount < p.InitialSampleSize {
				continue
			}
			var toGive []int
			for _, r := range hRows {
				if r.GenWorker == id && r.Returned && !r.GivenBack {
					toGive = append(toGive, r.SimID)
				}
			}
			if len(toGive) == 0 {
				continue
			}
			work[id] = protocol.Work{
				Tag: protocol.EvalGenTag,
				HFields: append(append([]string{}, sim.In...), sim.Out...),
				HRows: toGive,
				Persistent: true,
			}
			continue
		}
		transientIdle = append(transientIdle, id)
	}

	var undispatched []int
	for _, r := range hRows {
		if !r.Given {
			undispatched = append(undispatched, r.SimID)
		}
	}

	for i := 0; i < len(transientIdle); i++ {
		id := transientIdle[i]
		if len(undispatched) > 0 {
			row := undispatched[0]
			undispatched = undispatched[1:]
			work[id] = protocol.Work{
				Tag: protocol.EvalSimTag,
				HFields: sim.In,
				HRows: []int{row},
			}
			continue
		}
		if !genRunning {
			genRunning = true
			blocking := reserveWorkers(transientIdle[i+1:], p.ReserveWorkers)
			work[id] = protocol.Work{
				Tag: protocol.EvalGenTag,
				HFields: gen.In,
				HRows: nil,
				Persistent: true,
				Blocking: blocking,
			}
			// The reserved ids are consumed alongside the generator's
			// own dispatch: they get no Work of their own this round,
			// they're just marked blocked/active in the registry.
			i += len(blocking)
		}
	}

	return Decision{Work: work, PersisInfo: out}, nil
}

// reserveWorkers takes up to n ids off the front of candidates to form
// a blocking set: other idle workers reserved for the duration of one
// worker's dispatch, the way a whole-node generator might dedicate the
// rest of a node to itself.
func reserveWorkers(candidates []int, n int) []int {
	if n <= 0 || len(candidates) == 0 {
		return nil
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]int, n)
	copy(out, candidates[:n])
	return out
}
