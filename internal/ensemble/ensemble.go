// Package ensemble is the module's entry-point surface:
// Run wires configuration, callbacks, transport, and persistence
// together and drives one manager loop to completion.
package ensemble

import (
	"context"
	"fmt"
	"time"

	"github.com/jlnav/ensemblekit/internal/alloc"
	"github.com/jlnav/ensemblekit/internal/config"
	"github.com/jlnav/ensemblekit/internal/events"
	"github.com/jlnav/ensemblekit/internal/history"
	"github.com/jlnav/ensemblekit/internal/launcher"
	"github.com/jlnav/ensemblekit/internal/manager"
	"github.com/jlnav/ensemblekit/internal/protocol"
	"github.com/jlnav/ensemblekit/internal/snapshot"
	"github.com/jlnav/ensemblekit/internal/worker"
)

// Options bundles the pieces only the caller can supply: the
// generator/simulator callbacks, the declared schema, any seed history
// (H0), and optional collaborators.
type Options struct {
	Sim worker.Spec
	Gen worker.Spec
	Schema *history.Schema
	H0 []history.Row

	PersisInfo protocol.PersisInfo
	Launcher *launcher.Launcher
	Events *events.Bus
	Store *snapshot.Store // nil disables persistence
	RunID string

	// QueueUpdate, when set, runs once per manager iteration against the
	// trimmed history before allocation.
	QueueUpdate manager.QueueUpdateFunc
}

// Run executes one ensemble to completion: build the allocator and
// termination criteria from cfg, start the manager loop, and persist
// snapshots along the way if a Store is supplied.
func Run(ctx context.Context, cfg *config.Config, opts Options) (manager.Result, error) {
	criteria, err := buildCriteria(cfg.ExitCriteria)
	if err != nil {
		return manager.Result{}, err
	}
	allocFn, err := buildAlloc(cfg.Alloc)
	if err != nil {
		return manager.Result{}, err
	}

	bus := opts.Events
	if bus == nil {
		bus = events.NewBus()
		bus.Subscribe(events.LogHandler(events.LogConfig{}))
	}

	loop, err := manager.New(ctx, manager.Config{
		NumWorkers: cfg.NumWorkers,
		BufferDepth: cfg.BufferDepth,
		WorkerTimeout: time.Duration(cfg.WorkerTimeoutSecs) * time.Second,
		Criteria: criteria,
	}, manager.Deps{
		Sim: opts.Sim,
		Gen: opts.Gen,
		Alloc: allocFn,
		QueueUpdate: opts.QueueUpdate,
		Schema: opts.Schema,
		H0: opts.H0,
		PersisInfo: opts.PersisInfo,
		Launcher: opts.Launcher,
		Events: bus,
	})
	if err != nil {
		return manager.Result{}, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = snapshot.NewRunID()
	}
	if opts.Store != nil && cfg.Snapshot.SaveEveryK > 0 {
		count := 0
		bus.Subscribe(func(e events.Event) {
			if e.Type != events.WorkerIdle {
				return
			}
			count++
			if count%cfg.Snapshot.SaveEveryK == 0 {
				_ = opts.Store.Save(runID, loop.History().Trim())
			}
		})
	}

	result, runErr := loop.Run(ctx)

	if opts.Store != nil {
		if runErr != nil {
			_ = opts.Store.SaveAbort(runID, result.History, runErr)
		} else {
			_ = opts.Store.SaveFinal(runID, result.History, int(result.ExitFlag))
		}
	}

	return result, runErr
}

func buildCriteria(c config.ExitCriteriaConfig) (manager.ExitCriteria, error) {
	criteria := manager.ExitCriteria{}
	if c.SimMax > 0 {
		criteria = criteria.WithSimMax(c.SimMax)
	}
	if c.GenMax > 0 {
		criteria = criteria.WithGenMax(c.GenMax)
	}
	if c.ElapsedWallclockTime != "" {
		d, err := time.ParseDuration(c.ElapsedWallclockTime)
		if err != nil {
			return criteria, fmt.Errorf("ensemble: exit_criteria.elapsed_wallclock_time: %w", err)
		}
		criteria = criteria.WithWallclock(d)
	}
	if c.StopVal != nil {
		criteria.StopVal = &manager.StopVal{Field: c.StopVal.Field, Threshold: c.StopVal.Threshold}
	}
	return criteria, nil
}

func buildAlloc(c config.AllocConfig) (alloc.Func, error) {
	switch c.Name {
	case "", "give_sim_work_first":
		batch := c.GenBatch
		if batch <= 0 {
			batch = 1
		}
		a := alloc.GiveSimWorkFirst{GenBatch: batch}
		return a.Allocate, nil
	case "persistent_aware":
		a := alloc.PersistentAwareAllocator{
			InitialSampleSize: c.InitialSampleSize,
			ReserveWorkers: c.ReserveWorkers,
		}
		return a.Allocate, nil
	default:
		return nil, fmt.Errorf("ensemble: unknown allocator %q", c.Name)
	}
}
