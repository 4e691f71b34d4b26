package alloc

import (
	"testing"

	"github.com/jlnav/ensemblekit/internal/history"
	"github.com/jlnav/ensemblekit/internal/protocol"
	"github.com/jlnav/ensemblekit/internal/registry"
	"github.com/jlnav/ensemblekit/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistentAwareStartsOneGenerator(t *testing.T) {
	p := PersistentAwareAllocator{InitialSampleSize: 4}
	reg := registry.New(2)
	sim := worker.Spec{In: []string{"sim_id", "x"}, Out: []string{"f"}}
	gen := worker.Spec{Out: []string{"x"}}

	d, err := p.Allocate(reg, []int{1, 2}, nil, sim, gen, protocol.PersisInfo{})
	require.NoError(t, err)
	require.Len(t, d.Work, 1, "only one persistent generator should be started")

	var started protocol.Work
	for _, w := range d.Work {
		started = w
	}
	assert.Equal(t, protocol.EvalGenTag, started.Tag)
	assert.True(t, started.Persistent)
}

func TestPersistentAwareFeedsBackOnlyAfterInitialSample(t *testing.T) {
	p := PersistentAwareAllocator{InitialSampleSize: 2}
	reg := registry.New(1)
	require.NoError(t, reg.MarkActive(1, protocol.EvalGenTag, true, nil))
	require.NoError(t, reg.MarkPersistentIdle(1, protocol.EvalGenTag))

	sim := worker.Spec{In: []string{"sim_id", "x"}, Out: []string{"f"}}
	gen := worker.Spec{Out: []string{"x"}}

	rows := []history.Row{
		{SimID: 0, GenWorker: 1, Given: true, Returned: true, GivenBack: false},
	}

	d, err := p.Allocate(reg, []int{1}, rows, sim, gen, protocol.PersisInfo{})
	require.NoError(t, err)
	assert.Empty(t, d.Work, "only one of two sampled points has returned; generator must not be fed yet")

	rows = append(rows, history.Row{SimID: 1, GenWorker: 1, Given: true, Returned: true, GivenBack: false})
	d, err = p.Allocate(reg, []int{1}, rows, sim, gen, protocol.PersisInfo{})
	require.NoError(t, err)
	require.Contains(t, d.Work, 1)
	assert.ElementsMatch(t, []int{0, 1}, d.Work[1].HRows)
	assert.True(t, d.Work[1].Persistent)
}

func TestPersistentAwareStillDispatchesSimWorkAlongsideGenerator(t *testing.T) {
	p := PersistentAwareAllocator{}
	reg := registry.New(2)
	require.NoError(t, reg.MarkActive(1, protocol.EvalGenTag, true, nil))
	require.NoError(t, reg.MarkPersistentIdle(1, protocol.EvalGenTag))

	sim := worker.Spec{In: []string{"sim_id", "x"}, Out: []string{"f"}}
	gen := worker.Spec{Out: []string{"x"}}

	rows := []history.Row{
		{SimID: 0, GenWorker: 1, Given: false},
	}

	d, err := p.Allocate(reg, []int{1, 2}, rows, sim, gen, protocol.PersisInfo{})
	require.NoError(t, err)
	require.Contains(t, d.Work, 2)
	assert.Equal(t, protocol.EvalSimTag, d.Work[2].Tag)
	assert.Equal(t, []int{0}, d.Work[2].HRows)
}

func TestPersistentAwareReservesWorkersForGenerator(t *testing.T) {
	p := PersistentAwareAllocator{ReserveWorkers: 2}
	reg := registry.New(4)
	sim := worker.Spec{In: []string{"sim_id", "x"}, Out: []string{"f"}}
	gen := worker.Spec{Out: []string{"x"}}

	d, err := p.Allocate(reg, []int{1, 2, 3, 4}, nil, sim, gen, protocol.PersisInfo{})
	require.NoError(t, err)
	require.Len(t, d.Work, 1, "reserved workers get no Work of their own")

	var genID int
	var started protocol.Work
	for id, w := range d.Work {
		genID, started = id, w
	}
	assert.Equal(t, protocol.EvalGenTag, started.Tag)
	assert.Len(t, started.Blocking, 2)
	assert.NotContains(t, started.Blocking, genID)

	require.NoError(t, reg.MarkActive(genID, started.Tag, started.Persistent, started.Blocking))
	for _, id := range started.Blocking {
		st, ok := reg.Get(id)
		require.True(t, ok)
		assert.False(t, st.IsIdle(), "blocked worker %d must no longer read as idle", id)
	}

	require.NoError(t, reg.ReleaseBlocking(started.Blocking))
	for _, id := range started.Blocking {
		st, ok := reg.Get(id)
		require.True(t, ok)
		assert.True(t, st.IsIdle(), "worker %d must be idle again once released", id)
	}
}

func TestPersistentAwareReservesNoWorkersByDefault(t *testing.T) {
	p := PersistentAwareAllocator{}
	reg := registry.New(3)
	sim := worker.Spec{In: []string{"sim_id", "x"}, Out: []string{"f"}}
	gen := worker.Spec{Out: []string{"x"}}

	d, err := p.Allocate(reg, []int{1, 2, 3}, nil, sim, gen, protocol.PersisInfo{})
	require.NoError(t, err)
	require.Len(t, d.Work, 1)
	for _, w := range d.Work {
		assert.Empty(t, w.Blocking, "ReserveWorkers defaults to 0: no blocking set")
	}
}
