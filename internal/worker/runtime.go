package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jlnav/ensemblekit/internal/launcher"
	"github.com/jlnav/ensemblekit/internal/localtransport"
	"github.com/jlnav/ensemblekit/internal/protocol"
)

// Runtime is one worker's event loop. It is driven entirely
// by messages on its Channel; it never touches H, W, or persis_info
// directly.
type Runtime struct {
	ID int
	ch *localtransport.Channel
	sim Spec
	gen Spec
	launcher *launcher.Launcher // explicit handle; never a package-level global

	persisInfo map[string]any
	lastResult *protocol.Result // most recent message sent to the manager, kept for dump recovery
}

// NewRuntime builds the event loop for worker id, wired to sim and gen
// callbacks and ch. launch may be nil if no spec in this run spawns
// subprocesses.
func NewRuntime(id int, ch *localtransport.Channel, sim, gen Spec, launch *launcher.Launcher, persisInfo map[string]any) *Runtime {
	if persisInfo == nil {
		persisInfo = make(map[string]any)
	}
	return &Runtime{ID: id, ch: ch, sim: sim, gen: gen, launcher: launch, persisInfo: persisInfo}
}

// Run drives the loop until the manager signals FINISH or ctx is
// cancelled. It returns nil on a clean FINISH.
func (r *Runtime) Run(ctx context.Context) error {
	for {
		env, ok := r.ch.RecvFromWorker(ctx)
		if !ok {
			return ctx.Err()
		}

		if env.Tag == protocol.StopTag {
			done, err := r.handleStop(ctx, env.Signal)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}

		if err := r.handleWork(ctx, env); err != nil {
			return err
		}
	}
}

func (r *Runtime) handleStop(ctx context.Context, sig protocol.ManSignal) (done bool, err error) {
	switch sig {
	case protocol.ManSignalFinish:
		return true, nil
	case protocol.ManSignalKill:
		if r.launcher != nil {
			r.launcher.KillAll(r.ID)
		}
		return false, nil
	case protocol.ManSignalReqPickleDump:
		// Corrupt-message recovery: serialize the last result sent to
		// the manager to a file and send its path back. A runtime that
		// has not yet completed any work has nothing to dump; respond
		// with an empty path and let the manager treat the miss as fatal.
		path, err := r.dumpLastResult()
		if err != nil {
			return false, err
		}
		r.ch.SendToManager(localtransport.Envelope{Tag: protocol.StopTag, DumpPath: path})
		return false, nil
	case protocol.ManSignalReqResend:
		// Reserved and unused.
		return false, nil
	default:
		return false, fmt.Errorf("worker %d: unknown manager signal %v", r.ID, sig)
	}
}

func (r *Runtime) handleWork(ctx context.Context, env localtransport.Envelope) error {
	if env.Work == nil {
		return fmt.Errorf("worker %d: work envelope missing Work payload", r.ID)
	}
	work := *env.Work

	var rowSlice []map[string]any
	if len(work.HRows) > 0 {
		second, ok := r.ch.RecvFromWorker(ctx)
		if !ok {
			return ctx.Err()
		}
		rowSlice = second.RowSlice
	}

	in := Input{Rows: rowSlice, PersisInfo: overlayPersisInfo(r.persisInfo, work.PersisInfo)}

	var spec Spec
	switch work.Tag {
	case protocol.EvalSimTag:
		spec = r.sim
	case protocol.EvalGenTag:
		spec = r.gen
	default:
		return fmt.Errorf("worker %d: unknown calc type %v", r.ID, work.Tag)
	}

	if work.Persistent && spec.IsPersistent() {
		return r.runPersistent(ctx, work.Tag, spec, in)
	}
	return r.runTransient(ctx, work.Tag, spec, in)
}

// overlayPersisInfo layers a Work's per-dispatch scratch — an
// allocator's override for this one call — on top of the worker's
// long-lived persis_info, without mutating either map.
func overlayPersisInfo(base, overlay map[string]any) map[string]any {
	if len(overlay) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func (r *Runtime) runTransient(ctx context.Context, calcType protocol.CalcType, spec Spec, in Input) error {
	out, err := spec.Call(ctx, in)
	status := out.Status
	if err != nil {
		status = protocol.StatusJobFailed
	}
	if status == protocol.StatusUnset {
		status = protocol.StatusWorkerDone
	}
	if out.PersisInfo != nil {
		for k, v := range out.PersisInfo {
			r.persisInfo[k] = v
		}
	}
	res := &protocol.Result{
		CalcType: calcType,
		CalcStatus: status,
		CalcOut: out.Rows,
		PersisInfo: out.PersisInfo,
	}
	r.lastResult = res
	r.ch.SendToManager(localtransport.Envelope{Tag: calcType, Result: res})
	return nil
}

func (r *Runtime) runPersistent(ctx context.Context, calcType protocol.CalcType, spec Spec, in Input) error {
	sess := newPersistentSession(r.ch, r.ID, calcType, r)
	out, err := spec.PersistentCall(ctx, sess, in)

	status := protocol.StatusFinishedPersistentGen
	if calcType == protocol.EvalSimTag {
		status = protocol.StatusFinishedPersistentSim
	}
	if err != nil {
		status = protocol.StatusJobFailed
	}
	if out.PersisInfo != nil {
		for k, v := range out.PersisInfo {
			r.persisInfo[k] = v
		}
	}
	res := &protocol.Result{
		CalcType: calcType,
		CalcStatus: status,
		CalcOut: out.Rows,
		PersisInfo: out.PersisInfo,
	}
	r.lastResult = res
	r.ch.SendToManager(localtransport.Envelope{Tag: calcType, Result: res})
	return nil
}

// dumpLastResult serializes the most recent result sent to the manager
// to a temp file and returns its path, the worker side of
// MAN_SIGNAL_REQ_PICKLE_DUMP recovery. Returns an empty path if there
// is nothing to dump yet.
func (r *Runtime) dumpLastResult() (string, error) {
	if r.lastResult == nil {
		return "", nil
	}
	data, err := json.Marshal(r.lastResult)
	if err != nil {
		return "", fmt.Errorf("worker %d: encoding dump: %w", r.ID, err)
	}
	f, err := os.CreateTemp("", fmt.Sprintf("ensemblekit-dump-worker%d-*.json", r.ID))
	if err != nil {
		return "", fmt.Errorf("worker %d: creating dump file: %w", r.ID, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("worker %d: writing dump file: %w", r.ID, err)
	}
	return f.Name(), nil
}
