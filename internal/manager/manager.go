// Package manager implements the Manager Loop:
// the single-goroutine control loop that owns the history table and
// worker registry, drains worker results, consults an allocator for new
// work, dispatches it, and decides when the run is done.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jlnav/ensemblekit/internal/alloc"
	"github.com/jlnav/ensemblekit/internal/events"
	"github.com/jlnav/ensemblekit/internal/history"
	"github.com/jlnav/ensemblekit/internal/launcher"
	"github.com/jlnav/ensemblekit/internal/localtransport"
	"github.com/jlnav/ensemblekit/internal/protocol"
	"github.com/jlnav/ensemblekit/internal/registry"
	"github.com/jlnav/ensemblekit/internal/worker"
	"github.com/zoobzio/clockz"
)

// Config is the run's static configuration.
type Config struct {
	NumWorkers int
	BufferDepth int // per-channel message buffer; 2 is enough
	WorkerTimeout time.Duration
	Criteria ExitCriteria
}

// QueueUpdateFunc is the optional per-iteration hook run against the
// trimmed history before allocation: a caller can reorder or annotate
// its own pending-work bookkeeping as results arrive. scratch is
// whatever the previous invocation returned, opaque to the manager.
type QueueUpdateFunc func(rows []history.Row, scratch any) (any, error)

// Deps bundles the run's pluggable pieces and collaborators instead of
// threading them individually through every constructor.
type Deps struct {
	Sim worker.Spec
	Gen worker.Spec
	Alloc alloc.Func
	QueueUpdate QueueUpdateFunc

	Schema *history.Schema
	H0 []history.Row

	PersisInfo protocol.PersisInfo
	Launcher *launcher.Launcher
	Events *events.Bus
	Clock clockz.Clock
}

// Loop is one ensemble run: the manager side of the protocol, holding
// exclusive ownership of the history table and worker registry.
type Loop struct {
	cfg Config
	deps Deps

	hist *history.Table
	reg *registry.Registry
	transport *localtransport.Transport
	term *termTest

	persisInfo protocol.PersisInfo
	blocking map[int][]int // worker id -> ids it reserved at dispatch time
	queueScratch any
}

// New validates cfg and deps and builds a Loop ready to Run. Every
// precondition failure here is a *ConfigError: no history is
// produced and no worker goroutines are started.
func New(ctx context.Context, cfg Config, deps Deps) (*Loop, error) {
	if cfg.NumWorkers < 1 {
		return nil, &ConfigError{Field: "num_workers", Message: "must be >= 1"}
	}
	if !cfg.Criteria.Any() {
		return nil, &ConfigError{Field: "exit_criteria", Message: "at least one termination criterion is required"}
	}
	if deps.Alloc == nil {
		return nil, &ConfigError{Field: "alloc", Message: "an allocator function is required"}
	}
	if deps.Schema == nil {
		return nil, &ConfigError{Field: "schema", Message: "a history schema is required"}
	}
	if cfg.BufferDepth < 1 {
		cfg.BufferDepth = 2
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 30 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clockz.RealClock
	}
	if deps.Events == nil {
		deps.Events = events.NewBus()
	}
	if deps.PersisInfo == nil {
		deps.PersisInfo = make(protocol.PersisInfo)
	}

	hist, err := history.New(deps.Schema, deps.H0)
	if err != nil {
		return nil, &ConfigError{Field: "h0", Message: err.Error()}
	}

	l := &Loop{
		cfg: cfg,
		deps: deps,
		hist: hist,
		reg: registry.New(cfg.NumWorkers),
		transport: localtransport.New(ctx, cfg.NumWorkers, cfg.BufferDepth),
		term: newTermTest(cfg.Criteria, deps.Clock.Now),
		persisInfo: deps.PersisInfo.Clone(),
		blocking: make(map[int][]int),
	}
	return l, nil
}

// History returns the run's history table (read-only use expected once
// Run has returned).
func (l *Loop) History() *history.Table { return l.hist }

// Result is what Run returns: the contract (H, persis_info,
// exit_flag), expressed as a struct instead of a 3-tuple.
type Result struct {
	History []history.Row
	PersisInfo protocol.PersisInfo
	ExitFlag ExitFlag
}

// Run drives the manager loop until a termination criterion trips or a
// fatal error occurs. Worker goroutines are started here
// and supervised by the Transport's errgroup; Run blocks until they
// have all exited.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	l.deps.Events.Emit(events.Event{Type: events.RunStarted})

	for _, w := range l.transport.WorkerIDs() {
		w := w
		ch := l.transport.Channel(w)
		rt := worker.NewRuntime(w, ch, l.deps.Sim, l.deps.Gen, l.deps.Launcher, workerPersisInfo(l.persisInfo, w))
		l.transport.Go(func() error {
				return rt.Run(l.transport.Context())
		})
	}

	exitFlag, runErr := l.loop(ctx)

	finalizeErr := l.finalize(ctx)
	waitErr := l.waitForShutdown()

	if runErr != nil {
		l.deps.Events.Emit(events.Event{Type: events.RunFailed}.WithError(runErr))
		l.dumpAbort()
		return l.result(ExitException), runErr
	}
	if finalizeErr != nil {
		l.deps.Events.Emit(events.Event{Type: events.RunFailed}.WithError(finalizeErr))
		return l.result(ExitException), finalizeErr
	}
	if waitErr != nil && ctx.Err() == nil {
		l.deps.Events.Emit(events.Event{Type: events.RunFailed}.WithError(waitErr))
		return l.result(ExitException), waitErr
	}

	l.deps.Events.Emit(events.Event{Type: events.RunCompleted})
	return l.result(exitFlag), nil
}

// loop is the core iterate-until-termination body: drain, ingest,
// allocate, dispatch, check termination.
func (l *Loop) loop(ctx context.Context) (ExitFlag, error) {
	for {
		if err := l.drainAvailable(ctx); err != nil {
			return ExitException, err
		}

		if trip, timeout := l.term.Evaluate(l.hist); trip {
			if timeout {
				return ExitTimeout, nil
			}
			return ExitClean, nil
		}

		if l.deps.QueueUpdate != nil && l.hist.Len() > 0 {
			scratch, err := l.deps.QueueUpdate(l.hist.Trim(), l.queueScratch)
			if err != nil {
				return ExitException, fmt.Errorf("manager: queue update error: %w", err)
			}
			l.queueScratch = scratch
		}

		idle := l.reg.IdleIDs()
		if len(idle) == 0 {
			if err := l.drainBlocking(ctx); err != nil {
				return ExitException, err
			}
			continue
		}

		rows := l.hist.Trim()
		decision, err := l.deps.Alloc(l.reg, idle, rows, l.deps.Sim, l.deps.Gen, l.persisInfo.Clone())
		if err != nil {
			return ExitException, fmt.Errorf("manager: allocator error: %w", err)
		}

		returnedNotGivenBack := make(map[int]bool)
		for _, r := range l.hist.ReturnedNotGivenBack() {
			returnedNotGivenBack[r] = true
		}
		if err := alloc.Validate(decision, idle, l.hist.Schema(), len(rows), returnedNotGivenBack); err != nil {
			return ExitException, err
		}

		if err := l.dispatch(decision); err != nil {
			return ExitException, err
		}

		if len(decision.Work) == 0 {
			// Allocator had nothing to do this pass; wait for the next
			// completion instead of busy-looping.
			if err := l.drainBlocking(ctx); err != nil {
				return ExitException, err
			}
		}
	}
}

func (l *Loop) result(flag ExitFlag) Result {
	return Result{
		History: l.hist.Trim(),
		PersisInfo: l.persisInfo.Clone(),
		ExitFlag: flag,
	}
}

// waitForShutdown waits for every worker goroutine to return, force-
// terminating any that do not exit within worker_timeout of the
// MAN_SIGNAL_FINISH sent by finalize. A worker that had to be
// force-terminated surfaces context.Canceled from the supervision
// group; that is the expected outcome of the force path, not a run
// failure.
func (l *Loop) waitForShutdown() error {
	done := make(chan error, 1)
	go func() { done <- l.transport.Wait() }()

	select {
	case err := <-done:
		return err
	case <-l.deps.Clock.After(l.cfg.WorkerTimeout):
		l.transport.Cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

func workerPersisInfo(p protocol.PersisInfo, w int) map[string]any {
	if blob, ok := p[w]; ok {
		out := make(map[string]any, len(blob))
		for k, v := range blob {
			out[k] = v
		}
		return out
	}
	return make(map[string]any)
}
