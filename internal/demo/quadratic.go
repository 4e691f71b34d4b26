// Package demo is a self-contained quadratic-fit ensemble: a generator
// that samples x uniformly over a bounded interval and a simulator
// that scores each x against a hidden target, used by `ensemblectl run
// --demo` and by the internal/ensemble tests so the whole pipeline can be
// exercised without an external simulation binary.
package demo

import (
	"context"
	"math"
	"math/rand"

	"github.com/jlnav/ensemblekit/internal/history"
	"github.com/jlnav/ensemblekit/internal/protocol"
	"github.com/jlnav/ensemblekit/internal/worker"
)

// Target is the hidden minimum the demo simulator scores against.
const Target = 2.5

// Bounds is the interval the generator samples x from.
var Bounds = [2]float64{-10, 10}

// Schema returns the declared output fields of the demo's sim and gen.
func Schema() []history.FieldSpec {
	return []history.FieldSpec{
		{Name: "x", Kind: history.KindFloat},
		{Name: "f", Kind: history.KindFloat},
	}
}

// GenSpec returns the demo's generator: on every call it samples batch
// new x values uniformly from Bounds and hands them to the allocator.
// An allocator may override the batch size per dispatch via the
// "gen_batch" persis_info key (see GiveSimWorkFirst).
func GenSpec(batch int, seed int64) worker.Spec {
	rng := rand.New(rand.NewSource(seed))
	return worker.Spec{
		Name: "quadratic_gen",
		Out: []string{"x"},
		Call: func(ctx context.Context, in worker.Input) (worker.Output, error) {
			n := batch
			if v, ok := in.PersisInfo["gen_batch"].(int); ok && v > 0 {
				n = v
			}
			rows := make([]protocol.Row, 0, n)
			for i := 0; i < n; i++ {
				x := Bounds[0] + rng.Float64()*(Bounds[1]-Bounds[0])
				rows = append(rows, protocol.Row{"x": x})
			}
			return worker.Output{Rows: rows, Status: protocol.StatusWorkerDone}, nil
		},
	}
}

// SimSpec returns the demo's simulator: f(x) = (x - Target)^2.
func SimSpec() worker.Spec {
	return worker.Spec{
		Name: "quadratic_sim",
		In: []string{"sim_id", "x"},
		Out: []string{"f"},
		Call: func(ctx context.Context, in worker.Input) (worker.Output, error) {
			rows := make([]protocol.Row, 0, len(in.Rows))
			for _, r := range in.Rows {
				x, _ := r["x"].(float64)
				f := math.Pow(x-Target, 2)
				rows = append(rows, protocol.Row{"sim_id": r["sim_id"], "f": f})
			}
			return worker.Output{Rows: rows, Status: protocol.StatusWorkerDone}, nil
		},
	}
}
