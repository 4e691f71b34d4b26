package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"

	"github.com/jlnav/ensemblekit/internal/events"
	"github.com/jlnav/ensemblekit/internal/history"
	"github.com/jlnav/ensemblekit/internal/localtransport"
	"github.com/jlnav/ensemblekit/internal/protocol"
)

// drainAvailable is the non-blocking probe pass: drain every worker
// channel that already has a reply waiting, without ever suspending.
func (l *Loop) drainAvailable(ctx context.Context) error {
	for _, w := range l.transport.WorkerIDs() {
		ch := l.transport.Channel(w)
		for {
			env, ok := ch.TryRecvFromManager()
			if !ok {
				break
			}
			if err := l.handleIncoming(w, env); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// drainBlocking suspends the manager until at least one active
// worker's channel produces a message. It selects across every channel at
// once rather than polling, so it wakes the instant any worker
// replies — but never sleeps past the wallclock deadline (or
// worker_timeout, whichever is sooner): a slow simulator must not keep
// the loop from re-evaluating termination while its work is in flight.
func (l *Loop) drainBlocking(ctx context.Context) error {
	ids := l.reg.ActiveIDs()
	if len(ids) == 0 {
		return nil
	}

	wait := l.cfg.WorkerTimeout
	if remaining, ok := l.term.RemainingWallclock(); ok && remaining < wait {
		wait = remaining
	}
	if wait <= 0 {
		// Deadline already passed; let the loop trip it.
		return nil
	}

	cases := make([]reflect.SelectCase, 0, len(ids)+2)
	for _, w := range ids {
		ch := l.transport.Channel(w)
		cases = append(cases, reflect.SelectCase{
			Dir: reflect.SelectRecv,
			Chan: reflect.ValueOf(ch.ManagerRecvChan()),
		})
	}
	cases = append(cases, reflect.SelectCase{
		Dir: reflect.SelectRecv,
		Chan: reflect.ValueOf(ctx.Done()),
	})
	cases = append(cases, reflect.SelectCase{
		Dir: reflect.SelectRecv,
		Chan: reflect.ValueOf(l.deps.Clock.After(wait)),
	})

	chosen, recv, recvOK := reflect.Select(cases)
	switch chosen {
	case len(ids):
		return ctx.Err()
	case len(ids) + 1:
		// Timer fired with nothing received; wake the loop.
		return nil
	}
	if !recvOK {
		return nil
	}
	env := recv.Interface().(localtransport.Envelope)
	return l.handleIncoming(ids[chosen], env)
}

// handleIncoming processes one message from worker w. An envelope with
// no Result is treated as a transport decoding failure and routed
// through the MAN_SIGNAL_REQ_PICKLE_DUMP recovery path rather than
// failing outright.
func (l *Loop) handleIncoming(w int, env localtransport.Envelope) error {
	if env.Result == nil {
		return l.recoverCorruptMessage(w)
	}
	res := *env.Result

	if res.CalcStatus == protocol.StatusUnset && res.Info.Persistent {
		return l.ingestHandoff(w, res)
	}
	return l.ingestCompletion(w, res)
}

// recoverCorruptMessage handles a message from worker w that failed to
// decode: ask the worker to dump its last result to a file, read the
// file back, delete it, and re-ingest the payload as if it had arrived
// normally. A miss at any step — no reply, an empty path, an unreadable
// or undecodable file — is promoted to fatal.
func (l *Loop) recoverCorruptMessage(w int) error {
	l.deps.Events.Emit(events.Event{Type: events.TransportCorrupted, Worker: w})

	ch := l.transport.Channel(w)
	if ch == nil {
		return &TransportError{Worker: w, Cause: errMissingResult}
	}
	ch.SendToWorker(localtransport.Envelope{Tag: protocol.StopTag, Signal: protocol.ManSignalReqPickleDump})

	reply, ok := ch.RecvFromManagerTimeout(l.cfg.WorkerTimeout)
	if !ok || reply.DumpPath == "" {
		return &TransportError{Worker: w, Cause: errDumpRecoveryFailed}
	}

	data, err := os.ReadFile(reply.DumpPath)
	if err != nil {
		return &TransportError{Worker: w, Cause: fmt.Errorf("reading pickle dump: %w", err)}
	}
	_ = os.Remove(reply.DumpPath)

	var res protocol.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return &TransportError{Worker: w, Cause: fmt.Errorf("decoding pickle dump: %w", err)}
	}

	if res.CalcStatus == protocol.StatusUnset && res.Info.Persistent {
		return l.ingestHandoff(w, res)
	}
	return l.ingestCompletion(w, res)
}

// ingestHandoff processes an intermediate message from a still-running
// persistent session: a generator handing over a fresh batch of points,
// or a simulator handing back evaluated rows, without ending the
// session.
func (l *Loop) ingestHandoff(w int, res protocol.Result) error {
	if err := l.appendOrIngest(w, res.CalcType, res.CalcOut); err != nil {
		return err
	}
	l.mergePersisInfo(w, res.PersisInfo)
	if err := l.reg.MarkPersistentIdle(w, res.CalcType); err != nil {
		return err
	}
	return nil
}

// ingestCompletion processes a worker's final reply to one dispatch:
// transient completion, persistent-session end, or failure.
func (l *Loop) ingestCompletion(w int, res protocol.Result) error {
	if !res.CalcStatus.Valid() {
		return &TransportError{Worker: w, Cause: errUnknownStatus}
	}

	switch res.CalcStatus {
	case protocol.StatusFinishedPersistentGen, protocol.StatusFinishedPersistentSim:
		if err := l.reg.ClearPersistent(w); err != nil {
			return err
		}
		l.deps.Events.Emit(events.Event{Type: events.PersistentStopped, Worker: w})
	case protocol.StatusJobFailed:
		l.deps.Events.Emit(events.Event{Type: events.WorkerKilled, Worker: w}.WithPayload(res.CalcStatus.String()))
	default:
		if err := l.appendOrIngest(w, res.CalcType, res.CalcOut); err != nil {
			return err
		}
	}

	l.mergePersisInfo(w, res.PersisInfo)

	if err := l.reg.MarkIdle(w); err != nil {
		return err
	}
	l.deps.Events.Emit(events.Event{Type: events.WorkerIdle, Worker: w})

	if set, ok := l.blocking[w]; ok {
		if err := l.reg.ReleaseBlocking(set); err != nil {
			return err
		}
		delete(l.blocking, w)
	}
	return nil
}

// appendOrIngest routes a worker's output rows into the history table:
// generator output becomes new rows, simulator output fills in the
// row(s) it was given (keyed by the sim_id field every sim output row
// must carry).
func (l *Loop) appendOrIngest(w int, calcType protocol.CalcType, rows []protocol.Row) error {
	switch calcType {
	case protocol.EvalGenTag:
		hrows := make([]history.Row, 0, len(rows))
		for _, r := range rows {
			hrows = append(hrows, history.Row{Fields: copyRow(r)})
		}
		l.hist.AppendGenOutput(w, hrows)
		l.deps.Events.Emit(events.Event{Type: events.HistoryIngested, Worker: w}.WithPayload(calcType.String()))
	case protocol.EvalSimTag:
		for _, r := range rows {
			simID, ok := rowSimID(r["sim_id"])
			if !ok {
				return &DispatchError{Worker: w, Reason: "simulator output row missing numeric sim_id"}
			}
			fields := copyRow(r)
			delete(fields, "sim_id")
			if err := l.hist.IngestSimResult(simID, fields); err != nil {
				return err
			}
		}
		l.deps.Events.Emit(events.Event{Type: events.HistoryIngested, Worker: w}.WithPayload(calcType.String()))
	default:
		return &DispatchError{Worker: w, Reason: "result carries an unrecognized calc type"}
	}
	return nil
}

func (l *Loop) mergePersisInfo(w int, blob map[string]any) {
	if len(blob) == 0 {
		return
	}
	existing, ok := l.persisInfo[w]
	if !ok {
		existing = make(map[string]any, len(blob))
	}
	for k, v := range blob {
		existing[k] = v
	}
	l.persisInfo[w] = existing
}

// rowSimID coerces a row's sim_id to int. A result that round-tripped
// through the dump-recovery decode carries JSON numbers, so sim_id can
// arrive as float64 rather than the int the worker originally sent.
func rowSimID(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func copyRow(r protocol.Row) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
