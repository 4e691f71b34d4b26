package manager

import (
	"time"

	"github.com/jlnav/ensemblekit/internal/history"
)

// ExitFlag is the manager's final disposition.
type ExitFlag int

const (
	ExitClean ExitFlag = 0
	ExitException ExitFlag = 1
	ExitTimeout ExitFlag = 2
)

// StopVal is a (field, threshold) termination condition: stop once any
// non-NaN value of H[field][:index] is <= threshold.
type StopVal struct {
	Field string
	Threshold float64
}

// ExitCriteria is exit_criteria. At least one criterion must be
// configured, or constructing a Loop fails with a ConfigError:
// sim_max, gen_max and elapsed_wallclock_time through WithSimMax,
// WithGenMax and WithWallclock, stop_val by setting StopVal. Assigning
// SimMax, GenMax or ElapsedWallclockTime directly does not enable that
// criterion.
type ExitCriteria struct {
	ElapsedWallclockTime time.Duration
	SimMax int
	GenMax int
	StopVal *StopVal

	simMaxSet bool
	genMaxSet bool
	wallSet bool
}

// WithSimMax sets sim_max.
func (c ExitCriteria) WithSimMax(n int) ExitCriteria { c.SimMax = n; c.simMaxSet = true; return c }

// WithGenMax sets gen_max.
func (c ExitCriteria) WithGenMax(n int) ExitCriteria { c.GenMax = n; c.genMaxSet = true; return c }

// WithWallclock sets elapsed_wallclock_time.
func (c ExitCriteria) WithWallclock(d time.Duration) ExitCriteria {
	c.ElapsedWallclockTime = d
	c.wallSet = true
	return c
}

// Any reports whether at least one criterion is configured.
func (c ExitCriteria) Any() bool {
	return c.wallSet || c.simMaxSet || c.genMaxSet || c.StopVal != nil
}

// termTest evaluates the termination predicate in fixed precedence:
// wallclock first, then sim_max, gen_max, stop_val, in that order.
type termTest struct {
	criteria ExitCriteria
	startTime time.Time
	now func() time.Time
}

func newTermTest(criteria ExitCriteria, now func() time.Time) *termTest {
	return &termTest{criteria: criteria, startTime: now(), now: now}
}

// RemainingWallclock returns how long until the wallclock deadline
// trips, and whether one is configured. The remainder may be negative
// once the deadline has passed.
func (t *termTest) RemainingWallclock() (time.Duration, bool) {
	if !t.criteria.wallSet {
		return 0, false
	}
	return t.criteria.ElapsedWallclockTime - t.now().Sub(t.startTime), true
}

// Evaluate reports whether the run should stop now (trip) and, if so,
// whether the cause was the wallclock deadline (timeout). A trip that
// is not a timeout is a clean completion — sim_max/gen_max/stop_val
// tripping is not an exception; ExitException is reserved for an
// uncaught manager error, never returned from here.
//
// Order matters: wallclock is checked first "so slow loops still honor
// deadlines", then sim_max, gen_max, stop_val.
func (t *termTest) Evaluate(h *history.Table) (trip bool, timeout bool) {
	c := t.criteria

	if c.wallSet && t.now().Sub(t.startTime) >= c.ElapsedWallclockTime {
		return true, true
	}
	if c.simMaxSet && h.GivenCount() >= c.SimMax+h.Offset() {
		return true, false
	}
	if c.genMaxSet && h.Index() >= c.GenMax+h.Offset() {
		return true, false
	}
	if c.StopVal != nil && h.StopVal(c.StopVal.Field, c.StopVal.Threshold, h.Index()) {
		return true, false
	}
	return false, false
}
