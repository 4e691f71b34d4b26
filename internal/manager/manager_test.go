package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jlnav/ensemblekit/internal/alloc"
	"github.com/jlnav/ensemblekit/internal/events"
	"github.com/jlnav/ensemblekit/internal/history"
	"github.com/jlnav/ensemblekit/internal/protocol"
	"github.com/jlnav/ensemblekit/internal/registry"
	"github.com/jlnav/ensemblekit/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constantGen(x float64) worker.Spec {
	return worker.Spec{
		Out: []string{"x"},
		Call: func(ctx context.Context, in worker.Input) (worker.Output, error) {
			return worker.Output{Rows: []protocol.Row{{"x": x}}, Status: protocol.StatusWorkerDone}, nil
		},
	}
}

func squareSim() worker.Spec {
	return worker.Spec{
		In: []string{"sim_id", "x"},
		Out: []string{"f"},
		Call: func(ctx context.Context, in worker.Input) (worker.Output, error) {
			row := in.Rows[0]
			x := row["x"].(float64)
			return worker.Output{
				Rows: []protocol.Row{{"sim_id": row["sim_id"], "f": x * x}},
				Status: protocol.StatusWorkerDone,
			}, nil
		},
	}
}

func TestRunSingleWorkerSimMax(t *testing.T) {
	schema, err := history.NewSchema([]history.FieldSpec{
		{Name: "x", Kind: history.KindFloat},
		{Name: "f", Kind: history.KindFloat},
	})
	require.NoError(t, err)

	a := alloc.GiveSimWorkFirst{GenBatch: 1}
	loop, err := New(context.Background(), Config{
		NumWorkers: 1,
		Criteria: ExitCriteria{}.WithSimMax(3),
		WorkerTimeout: 2 * time.Second,
	}, Deps{
		Sim: squareSim(),
		Gen: constantGen(4),
		Alloc: a.Allocate,
		Schema: schema,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := loop.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitClean, result.ExitFlag)

	returned := 0
	for _, r := range result.History {
		if r.Returned {
			returned++
			assert.Equal(t, 16.0, r.Fields["f"])
		}
	}
	assert.GreaterOrEqual(t, returned, 3)
}

func TestRunLiteralExampleValues(t *testing.T) {
	schema, err := history.NewSchema([]history.FieldSpec{
		{Name: "x", Kind: history.KindFloat},
		{Name: "f", Kind: history.KindFloat},
	})
	require.NoError(t, err)

	a := alloc.GiveSimWorkFirst{GenBatch: 1}
	loop, err := New(context.Background(), Config{
		NumWorkers: 1,
		Criteria: ExitCriteria{}.WithSimMax(1),
		WorkerTimeout: 2 * time.Second,
	}, Deps{
		Sim: squareSim(),
		Gen: constantGen(3.14),
		Alloc: a.Allocate,
		Schema: schema,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := loop.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitClean, result.ExitFlag)

	require.Len(t, result.History, 1)
	assert.Equal(t, 3.14, result.History[0].Fields["x"])
	assert.Equal(t, 9.8596, result.History[0].Fields["f"])
}

func TestRunEmptySimMaxZero(t *testing.T) {
	schema, err := history.NewSchema([]history.FieldSpec{
		{Name: "x", Kind: history.KindFloat},
		{Name: "f", Kind: history.KindFloat},
	})
	require.NoError(t, err)

	a := alloc.GiveSimWorkFirst{GenBatch: 1}
	loop, err := New(context.Background(), Config{
		NumWorkers: 2,
		Criteria: ExitCriteria{}.WithSimMax(0),
		WorkerTimeout: 2 * time.Second,
	}, Deps{
		Sim: squareSim(),
		Gen: constantGen(1),
		Alloc: a.Allocate,
		Schema: schema,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := loop.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitClean, result.ExitFlag)
	assert.Empty(t, result.History, "sim_max=0 must produce zero rows")
}

// persistentGen returns a persistent generator that hands off one batch
// of xs in a single call and ends the session as soon as the manager
// feeds the evaluated batch back.
func persistentGen(xs []float64) worker.Spec {
	return worker.Spec{
		Out: []string{"x"},
		PersistentCall: func(ctx context.Context, sess *worker.PersistentSession, in worker.Input) (worker.Output, error) {
			rows := make([]protocol.Row, 0, len(xs))
			for _, x := range xs {
				rows = append(rows, protocol.Row{"x": x})
			}
			// One exchange is enough to demonstrate the handoff: send the
			// whole batch, wait for whatever the manager feeds back (a
			// partial batch or a stop), then end the session. A
			// generator that wants every point fed back before ending
			// would loop here instead.
			_, _, err := sess.SendRecv(ctx, rows, nil)
			if err != nil {
				return worker.Output{}, err
			}
			return worker.Output{Status: protocol.StatusFinishedPersistentGen}, nil
		},
	}
}

func TestRunPersistentGeneratorFullStack(t *testing.T) {
	schema, err := history.NewSchema([]history.FieldSpec{
		{Name: "x", Kind: history.KindFloat},
		{Name: "f", Kind: history.KindFloat},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var stoppedPersistent int
	bus := events.NewBus()
	bus.Subscribe(func(e events.Event) {
		if e.Type == events.PersistentStopped {
			mu.Lock()
			stoppedPersistent++
			mu.Unlock()
		}
	})

	// InitialSampleSize: 1 lets the generator's own points start
	// flowing back to it as soon as the first one returns, rather than
	// waiting for every point the other simulator worker evaluates.
	a := alloc.PersistentAwareAllocator{InitialSampleSize: 1}
	loop, err := New(context.Background(), Config{
		NumWorkers: 2,
		Criteria: ExitCriteria{}.WithSimMax(4),
		WorkerTimeout: 2 * time.Second,
	}, Deps{
		Sim: squareSim(),
		Gen: persistentGen([]float64{1, 2, 3, 4}),
		Alloc: a.Allocate,
		Schema: schema,
		Events: bus,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := loop.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitClean, result.ExitFlag)

	require.Len(t, result.History, 4)
	fedBack := 0
	for _, r := range result.History {
		assert.Equal(t, 1, r.GenWorker)
		if r.GivenBack {
			fedBack++
		}
	}
	assert.GreaterOrEqual(t, fedBack, 1, "at least one evaluated point must be fed back to the persistent generator")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, stoppedPersistent, "the generator's session must end with FINISHED_PERSISTENT_GEN")
}

func TestRunWallclockTimeout(t *testing.T) {
	schema, err := history.NewSchema([]history.FieldSpec{
		{Name: "x", Kind: history.KindFloat},
		{Name: "f", Kind: history.KindFloat},
	})
	require.NoError(t, err)

	// The simulator outlives both the wallclock deadline and
	// worker_timeout: the manager must trip the deadline while the work
	// is still in flight, give up waiting during final drain, and
	// force-terminate the worker.
	slowSim := worker.Spec{
		In: []string{"sim_id", "x"},
		Out: []string{"f"},
		Call: func(ctx context.Context, in worker.Input) (worker.Output, error) {
			time.Sleep(1 * time.Second)
			row := in.Rows[0]
			return worker.Output{
				Rows: []protocol.Row{{"sim_id": row["sim_id"], "f": 0.0}},
				Status: protocol.StatusWorkerDone,
			}, nil
		},
	}

	a := alloc.GiveSimWorkFirst{GenBatch: 1}
	loop, err := New(context.Background(), Config{
		NumWorkers: 1,
		// No sim_max/gen_max/stop_val configured: the only way the run
		// can ever trip termination is the wallclock deadline, so a
		// clean completion here would itself be a bug.
		Criteria: ExitCriteria{}.WithWallclock(50 * time.Millisecond),
		WorkerTimeout: 200 * time.Millisecond,
	}, Deps{
		Sim: slowSim,
		Gen: constantGen(1),
		Alloc: a.Allocate,
		Schema: schema,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	result, err := loop.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitTimeout, result.ExitFlag)
	assert.Less(t, time.Since(start), 3*time.Second, "final drain and shutdown are bounded by worker_timeout; Run returns once the cancelled worker's callback comes back")

	inFlight := 0
	for _, r := range result.History {
		if r.Given && !r.Returned {
			inFlight++
		}
	}
	assert.GreaterOrEqual(t, inFlight, 1, "the dispatched-but-unreturned row must survive the timeout unreturned")
}

// TestRunRecoversFromCorruptSimMessage garbles a simulator reply rather
// than a generator one: the recovery decode round-trips through JSON,
// which turns the reply's sim_id into a float, and ingest must still
// route it to the right row.
func TestRunRecoversFromCorruptSimMessage(t *testing.T) {
	schema, err := history.NewSchema([]history.FieldSpec{
		{Name: "x", Kind: history.KindFloat},
		{Name: "f", Kind: history.KindFloat},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var corrupted int
	bus := events.NewBus()
	bus.Subscribe(func(e events.Event) {
		if e.Type == events.TransportCorrupted {
			mu.Lock()
			corrupted++
			mu.Unlock()
		}
	})

	a := alloc.GiveSimWorkFirst{GenBatch: 1}
	loop, err := New(context.Background(), Config{
		NumWorkers: 1,
		Criteria: ExitCriteria{}.WithSimMax(3),
		WorkerTimeout: 2 * time.Second,
	}, Deps{
		Sim: squareSim(),
		Gen: constantGen(4),
		Alloc: a.Allocate,
		Schema: schema,
		Events: bus,
	})
	require.NoError(t, err)

	// With one worker the exchange is strictly gen reply, sim reply,
	// gen reply, ...; the second send is the first simulator result.
	loop.transport.Channel(1).CorruptNthToManager(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := loop.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitClean, result.ExitFlag)

	returned := 0
	for _, r := range result.History {
		if r.Returned {
			returned++
			assert.Equal(t, 16.0, r.Fields["f"])
		}
	}
	assert.GreaterOrEqual(t, returned, 3)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, corrupted, "exactly one message should have needed recovery")
}

func TestRunRecoversFromCorruptMessage(t *testing.T) {
	schema, err := history.NewSchema([]history.FieldSpec{
		{Name: "x", Kind: history.KindFloat},
		{Name: "f", Kind: history.KindFloat},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var corrupted int
	bus := events.NewBus()
	bus.Subscribe(func(e events.Event) {
		if e.Type == events.TransportCorrupted {
			mu.Lock()
			corrupted++
			mu.Unlock()
		}
	})

	a := alloc.GiveSimWorkFirst{GenBatch: 1}
	loop, err := New(context.Background(), Config{
		NumWorkers: 1,
		Criteria: ExitCriteria{}.WithSimMax(3),
		WorkerTimeout: 2 * time.Second,
	}, Deps{
		Sim: squareSim(),
		Gen: constantGen(4),
		Alloc: a.Allocate,
		Schema: schema,
		Events: bus,
	})
	require.NoError(t, err)

	loop.transport.Channel(1).CorruptNextToManager()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := loop.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitClean, result.ExitFlag)

	returned := 0
	for _, r := range result.History {
		if r.Returned {
			returned++
			assert.Equal(t, 16.0, r.Fields["f"])
		}
	}
	assert.GreaterOrEqual(t, returned, 3)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, corrupted, "exactly one message should have needed recovery")
}

// TestPersisInfoRoundTrip: what a worker writes into its persis_info in
// one reply is observable to the allocator on the next allocation pass,
// and survives into the final result.
func TestPersisInfoRoundTrip(t *testing.T) {
	schema, err := history.NewSchema([]history.FieldSpec{
		{Name: "x", Kind: history.KindFloat},
		{Name: "f", Kind: history.KindFloat},
	})
	require.NoError(t, err)

	stampingGen := worker.Spec{
		Out: []string{"x"},
		Call: func(ctx context.Context, in worker.Input) (worker.Output, error) {
			calls, _ := in.PersisInfo["calls"].(int)
			return worker.Output{
				Rows: []protocol.Row{{"x": 2.0}},
				Status: protocol.StatusWorkerDone,
				PersisInfo: map[string]any{"calls": calls + 1},
			}, nil
		},
	}

	var mu sync.Mutex
	var seenCalls []int
	inner := alloc.GiveSimWorkFirst{GenBatch: 1}
	spyAlloc := func(w *registry.Registry, idle []int, rows []history.Row, sim, gen worker.Spec, pi protocol.PersisInfo) (alloc.Decision, error) {
		if blob, ok := pi[1]; ok {
			if calls, ok := blob["calls"].(int); ok {
				mu.Lock()
				seenCalls = append(seenCalls, calls)
				mu.Unlock()
			}
		}
		return inner.Allocate(w, idle, rows, sim, gen, pi)
	}

	loop, err := New(context.Background(), Config{
		NumWorkers: 1,
		Criteria: ExitCriteria{}.WithSimMax(2),
		WorkerTimeout: 2 * time.Second,
	}, Deps{
		Sim: squareSim(),
		Gen: stampingGen,
		Alloc: spyAlloc,
		Schema: schema,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := loop.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitClean, result.ExitFlag)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seenCalls, "the generator's persis_info stamp must reach a later allocation pass")
	assert.GreaterOrEqual(t, seenCalls[0], 1)

	blob, ok := result.PersisInfo[1]
	require.True(t, ok, "the final result must carry worker 1's persis_info")
	assert.GreaterOrEqual(t, blob["calls"].(int), 1)
}

func TestQueueUpdateSeesHistoryAndKeepsScratch(t *testing.T) {
	schema, err := history.NewSchema([]history.FieldSpec{
		{Name: "x", Kind: history.KindFloat},
		{Name: "f", Kind: history.KindFloat},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var lastScratch int
	a := alloc.GiveSimWorkFirst{GenBatch: 1}
	loop, err := New(context.Background(), Config{
		NumWorkers: 1,
		Criteria: ExitCriteria{}.WithSimMax(2),
		WorkerTimeout: 2 * time.Second,
	}, Deps{
		Sim: squareSim(),
		Gen: constantGen(1),
		Alloc: a.Allocate,
		Schema: schema,
		QueueUpdate: func(rows []history.Row, scratch any) (any, error) {
			n, _ := scratch.(int)
			mu.Lock()
			lastScratch = n + 1
			mu.Unlock()
			require.NotEmpty(t, rows, "queue update must not run on an empty history")
			return n + 1, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := loop.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitClean, result.ExitFlag)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, lastScratch, 2, "scratch returned by one invocation must be passed to the next")
}

func TestNewRejectsMissingExitCriteria(t *testing.T) {
	schema, err := history.NewSchema()
	require.NoError(t, err)

	_, err = New(context.Background(), Config{NumWorkers: 1}, Deps{
		Sim: squareSim(),
		Gen: constantGen(1),
		Alloc: alloc.GiveSimWorkFirst{}.Allocate,
		Schema: schema,
	})
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNewRejectsZeroWorkers(t *testing.T) {
	schema, err := history.NewSchema()
	require.NoError(t, err)

	_, err = New(context.Background(), Config{
		NumWorkers: 0,
		Criteria: ExitCriteria{}.WithSimMax(1),
	}, Deps{
		Sim: squareSim(),
		Gen: constantGen(1),
		Alloc: alloc.GiveSimWorkFirst{}.Allocate,
		Schema: schema,
	})
	require.Error(t, err)
}
