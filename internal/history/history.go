// Package history implements the append-only history table H: the columnar record of every evaluation point and its
// per-field dispatch/return state, plus the invariants the manager
// enforces on every mutation.
package history

import (
	"fmt"
	"math"
	"sync"
)

// Row is one record of H. SimID, Given, GivenTime, SimWorker,
// GenWorker, Returned, and GivenBack are the built-in columns; Fields
// holds every user-declared output column.
type Row struct {
	SimID int
	Given bool
	GivenTime float64
	SimWorker int
	GenWorker int
	Returned bool
	GivenBack bool
	Fields map[string]any
}

func newRow(simID int) Row {
	return Row{
		SimID: simID,
		GivenTime: math.NaN(),
		Fields: make(map[string]any),
	}
}

// phase returns the row's position in the monotone progression
// (given, returned, given_back), compared in lexicographic order.
func (r Row) phase() int {
	p := 0
	if r.Given {
		p = 1
	}
	if r.Returned {
		p = 2
	}
	if r.GivenBack {
		p = 3
	}
	return p
}

// InvariantViolation marks a programmer error: a mutation that would
// break one of the history table's invariants. A violation
// aborts the run — it is never recovered from.
type InvariantViolation struct {
	Rule string
}

func (e *InvariantViolation) Error() string {
	return "history: invariant violated: " + e.Rule
}

// Table is the manager's exclusive-owned history table. It is not
// safe to mutate from goroutines other than the manager loop; Trim
// exists precisely so the allocator gets a read-only snapshot instead
// of a reference to live state.
type Table struct {
	mu sync.Mutex
	schema *Schema
	rows []Row

	index int // next free row index
	givenCount int // rows with given=true
	simCount int // rows with returned=true
	offset int // len(H0) at start
}

// New creates an empty history table against schema, optionally
// preloaded with H0. H0 must have no unreturned points and its fields
// must be a schema subset.
func New(schema *Schema, h0 []Row) (*Table, error) {
	t := &Table{schema: schema}
	for i, r := range h0 {
		if !r.Returned {
			return nil, fmt.Errorf("history: H0 row %d is unreturned; only fully-returned seed rows are allowed", i)
		}
		if !r.Given {
			return nil, fmt.Errorf("history: H0 row %d is returned but not given", i)
		}
		for name := range r.Fields {
			if !schema.Has(name) {
				return nil, fmt.Errorf("history: H0 row %d declares unknown field %q", i, name)
			}
		}
		row := r
		row.SimID = i
		t.rows = append(t.rows, row)
	}
	t.index = len(t.rows)
	t.offset = len(t.rows)
	for _, r := range t.rows {
		if r.Given {
			t.givenCount++
		}
		if r.Returned {
			t.simCount++
		}
	}
	return t, nil
}

// Schema returns the table's fixed column schema.
func (t *Table) Schema() *Schema { return t.schema }

// Index is the next free row index.
func (t *Table) Index() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index
}

// GivenCount is the number of rows with given=true.
func (t *Table) GivenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.givenCount
}

// SimCount is the number of rows with returned=true.
func (t *Table) SimCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.simCount
}

// Offset is len(H0) at start.
func (t *Table) Offset() int {
	return t.offset
}

// Len is the number of valid rows currently in the table (== Index()).
func (t *Table) Len() int { return t.Index() }

// AppendGenOutput appends rows produced by genWorker, assigning
// consecutive sim_ids starting at the current index.
// Returns the row indices assigned.
func (t *Table) AppendGenOutput(genWorker int, rows []Row) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	assigned := make([]int, 0, len(rows))
	for _, r := range rows {
		row := newRow(t.index)
		row.GenWorker = genWorker
		for k, v := range r.Fields {
			row.Fields[k] = v
		}
		t.rows = append(t.rows, row)
		assigned = append(assigned, t.index)
		t.index++
	}
	return assigned
}

// MarkDispatched sends rows to sim_worker: each row must currently have
// given=false. Sets given=true, given_time=now,
// sim_worker. now is injected so callers can use a deterministic clock
// in tests.
func (t *Table) MarkDispatched(rows []int, simWorker int, now float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, idx := range rows {
		if idx < 0 || idx >= len(t.rows) {
			return fmt.Errorf("history: MarkDispatched: row %d out of range", idx)
		}
		if t.rows[idx].Given {
			return &InvariantViolation{Rule: fmt.Sprintf("row %d already given (would violate given is set at most once)", idx)}
		}
	}
	for _, idx := range rows {
		t.rows[idx].Given = true
		t.rows[idx].GivenTime = now
		t.rows[idx].SimWorker = simWorker
		t.givenCount++
	}
	return nil
}

// IngestSimResult writes simulator output fields into row and marks it
// returned. row must currently have given=true, returned=false.
func (t *Table) IngestSimResult(row int, fields map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if row < 0 || row >= len(t.rows) {
		return fmt.Errorf("history: IngestSimResult: row %d out of range", row)
	}
	r := &t.rows[row]
	if !r.Given {
		return &InvariantViolation{Rule: fmt.Sprintf("row %d ingested before given (returned implies given)", row)}
	}
	if r.Returned {
		return &InvariantViolation{Rule: fmt.Sprintf("row %d already returned", row)}
	}
	for k, v := range fields {
		if !t.schema.Has(k) {
			return fmt.Errorf("history: IngestSimResult: row %d: unknown field %q", row, k)
		}
		r.Fields[k] = v
	}
	r.Returned = true
	t.simCount++
	return nil
}

// MarkGivenBack records that row has been handed back to a persistent
// generator after return. row must currently have returned=true, given_back=false.
func (t *Table) MarkGivenBack(row int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if row < 0 || row >= len(t.rows) {
		return fmt.Errorf("history: MarkGivenBack: row %d out of range", row)
	}
	r := &t.rows[row]
	if !r.Returned {
		return &InvariantViolation{Rule: fmt.Sprintf("row %d given_back before returned", row)}
	}
	if r.GivenBack {
		return &InvariantViolation{Rule: fmt.Sprintf("row %d already given_back", row)}
	}
	r.GivenBack = true
	return nil
}

// Row returns a copy of row i. Copying (rather than returning a
// pointer into t.rows) keeps the allocator's view pure.
func (t *Table) Row(i int) (Row, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.rows) {
		return Row{}, false
	}
	return cloneRow(t.rows[i]), true
}

// Trim returns the first Index() rows — the valid rows, no empty
// suffix (trim()). Each row is a defensive copy.
func (t *Table) Trim() []Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = cloneRow(r)
	}
	return out
}

// Slice returns the requested fields of the requested rows, the
// payload shipped to a worker on dispatch.
func (t *Table) Slice(fields []string, rows []int) ([]map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if missing := t.schema.Missing(fields); len(missing) > 0 {
		return nil, fmt.Errorf("history: Slice: unknown fields %v", missing)
	}
	out := make([]map[string]any, 0, len(rows))
	for _, idx := range rows {
		if idx < 0 || idx >= len(t.rows) {
			return nil, fmt.Errorf("history: Slice: row %d out of range", idx)
		}
		r := t.rows[idx]
		m := make(map[string]any, len(fields))
		for _, f := range fields {
			m[f] = rowField(r, f)
		}
		out = append(out, m)
	}
	return out, nil
}

func rowField(r Row, name string) any {
	switch name {
	case "sim_id":
		return r.SimID
	case "given":
		return r.Given
	case "given_time":
		return r.GivenTime
	case "sim_worker":
		return r.SimWorker
	case "gen_worker":
		return r.GenWorker
	case "returned":
		return r.Returned
	case "given_back":
		return r.GivenBack
	default:
		return r.Fields[name]
	}
}

func cloneRow(r Row) Row {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}

// ReturnedNotGivenBack returns the indices of rows with returned=true
// and given_back=false — the only rows an allocator may hand to a
// persistent worker.
func (t *Table) ReturnedNotGivenBack() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int
	for _, r := range t.rows {
		if r.Returned && !r.GivenBack {
			out = append(out, r.SimID)
		}
	}
	return out
}

// StopVal reports whether any non-NaN value of field among the first
// n rows is <= threshold.
func (t *Table) StopVal(field string, threshold float64, n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < n && i < len(t.rows); i++ {
		v, ok := t.rows[i].Fields[field].(float64)
		if !ok || math.IsNaN(v) {
			continue
		}
		if v <= threshold {
			return true
		}
	}
	return false
}
