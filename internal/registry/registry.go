// Package registry implements the in-manager worker-state model W:
// idle/active/persistent/blocked, indexed by worker id 1..N. Worker 0
// is reserved for the manager and never appears here.
package registry

import (
	"fmt"
	"sync"

	"github.com/jlnav/ensemblekit/internal/protocol"
)

// State is one worker's row in W.
type State struct {
	WorkerID int
	Active protocol.CalcType // 0 (UnsetTag) if idle
	PersisState protocol.CalcType // 0 if not persistent
	Blocked bool
}

// IsIdle reports whether the worker has no outstanding dispatch.
func (s State) IsIdle() bool { return s.Active == protocol.UnsetTag }

// Registry is the fixed-size table W, indexed 1..N.
type Registry struct {
	mu sync.RWMutex
	rows map[int]*State
	order []int
}

// New creates a registry with n workers, ids 1..n, all idle.
func New(n int) *Registry {
	r := &Registry{rows: make(map[int]*State, n)}
	for w := 1; w <= n; w++ {
		r.rows[w] = &State{WorkerID: w}
		r.order = append(r.order, w)
	}
	return r
}

// Get returns a copy of worker w's state.
func (r *Registry) Get(w int) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.rows[w]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// IdleIDs returns worker ids currently idle, in increasing worker_id
// order.
func (r *Registry) IdleIDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []int
	for _, w := range r.order {
		if r.rows[w].IsIdle() && !r.rows[w].Blocked {
			out = append(out, w)
		}
	}
	return out
}

// ActiveIDs returns worker ids currently active (has an outstanding
// dispatch), in increasing order.
func (r *Registry) ActiveIDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []int
	for _, w := range r.order {
		if !r.rows[w].IsIdle() {
			out = append(out, w)
		}
	}
	return out
}

// AllIDs returns every worker id in increasing order.
func (r *Registry) AllIDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, len(r.order))
	copy(out, r.order)
	return out
}

// MarkActive dispatches tag to w. w must currently be idle; violating this is a dispatch error, not
// an invariant panic, since the allocator is untrusted user code.
func (r *Registry) MarkActive(w int, tag protocol.CalcType, persistent bool, blocking []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[w]
	if !ok {
		return fmt.Errorf("registry: unknown worker %d", w)
	}
	if !row.IsIdle() {
		return fmt.Errorf("registry: worker %d is not idle (active=%s)", w, row.Active)
	}
	row.Active = tag
	if persistent {
		row.PersisState = tag
	}
	for _, b := range blocking {
		brow, ok := r.rows[b]
		if !ok {
			return fmt.Errorf("registry: unknown blocking worker %d", b)
		}
		if !brow.IsIdle() {
			return fmt.Errorf("registry: worker %d cannot be blocked, it is already active", b)
		}
		brow.Blocked = true
		brow.Active = protocol.EvalSimTag // reserved marker; this worker never receives real work
	}
	return nil
}

// MarkIdle clears active state for w (a non-persistent completion).
func (r *Registry) MarkIdle(w int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[w]
	if !ok {
		return fmt.Errorf("registry: unknown worker %d", w)
	}
	row.Active = protocol.UnsetTag
	return nil
}

// MarkPersistentIdle clears active state for w but leaves persis_state
// set — w is now a waiting persistent worker.
func (r *Registry) MarkPersistentIdle(w int, tag protocol.CalcType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[w]
	if !ok {
		return fmt.Errorf("registry: unknown worker %d", w)
	}
	row.Active = protocol.UnsetTag
	row.PersisState = tag
	return nil
}

// ClearPersistent clears persis_state for w (the worker reported
// FINISHED_PERSISTENT_*).
func (r *Registry) ClearPersistent(w int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[w]
	if !ok {
		return fmt.Errorf("registry: unknown worker %d", w)
	}
	row.PersisState = protocol.UnsetTag
	return nil
}

// ReleaseBlocking clears blocked (and idles) every worker id in set.
func (r *Registry) ReleaseBlocking(set []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range set {
		row, ok := r.rows[w]
		if !ok {
			return fmt.Errorf("registry: unknown worker %d", w)
		}
		row.Blocked = false
		row.Active = protocol.UnsetTag
	}
	return nil
}

// AllIdle reports whether every worker is idle and unblocked.
func (r *Registry) AllIdle() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.order {
		if !r.rows[w].IsIdle() || r.rows[w].Blocked {
			return false
		}
	}
	return true
}
