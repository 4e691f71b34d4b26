package alloc

import (
	"github.com/jlnav/ensemblekit/internal/history"
	"github.com/jlnav/ensemblekit/internal/protocol"
	"github.com/jlnav/ensemblekit/internal/registry"
	"github.com/jlnav/ensemblekit/internal/worker"
)

// GiveSimWorkFirst is the default allocator: prefer dispatching any
// undispatched row to a simulator; only ask the generator for more
// points once every known point has been given.
//
// GenBatch is how many points a single generator call is asked to
// produce when there is nothing left to simulate.
type GiveSimWorkFirst struct {
	GenBatch int
}

// Allocate implements Func.
func (g GiveSimWorkFirst) Allocate(w *registry.Registry, idle []int, hRows []history.Row, sim, gen worker.Spec, persisInfo protocol.PersisInfo) (Decision, error) {
	if g.GenBatch <= 0 {
		g.GenBatch = 1
	}

	var undispatched []int
	for _, r := range hRows {
		if !r.Given {
			undispatched = append(undispatched, r.SimID)
		}
	}

	work := make(map[int]protocol.Work)
	for _, wid := range idle {
		if len(undispatched) > 0 {
			row := undispatched[0]
			undispatched = undispatched[1:]
			work[wid] = protocol.Work{
				Tag: protocol.EvalSimTag,
				HFields: sim.In,
				HRows: []int{row},
			}
			continue
		}

		// Nothing to simulate yet: ask the generator for a fresh batch.
		work[wid] = protocol.Work{
			Tag: protocol.EvalGenTag,
			HFields: gen.In,
			HRows: nil,
			PersisInfo: map[string]any{"gen_batch": g.GenBatch},
		}
	}

	return Decision{Work: work, PersisInfo: persisInfo}, nil
}
