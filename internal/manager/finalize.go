package manager

import (
	"context"

	"github.com/jlnav/ensemblekit/internal/events"
	"github.com/jlnav/ensemblekit/internal/localtransport"
	"github.com/jlnav/ensemblekit/internal/protocol"
)

// finalize runs the shutdown sequence: end every persistent session
// cleanly, drain whatever is still in flight bounded by worker_timeout,
// then signal every worker to stop its event loop.
// Force-termination of a worker that never acknowledges happens
// afterwards, in waitForShutdown.
func (l *Loop) finalize(ctx context.Context) error {
	if err := l.drainUntilIdle(ctx); err != nil {
		return err
	}

	var stopped []int
	for _, w := range l.reg.AllIDs() {
		st, ok := l.reg.Get(w)
		if !ok || st.PersisState == protocol.UnsetTag {
			continue
		}
		ch := l.transport.Channel(w)
		ch.SendToWorker(localtransport.Envelope{Tag: protocol.StopTag, Signal: protocol.PersisStop})
		stopped = append(stopped, w)
	}

	if err := l.drainPersistentStop(ctx, stopped); err != nil {
		return err
	}
	if err := l.drainUntilIdle(ctx); err != nil {
		return err
	}

	for _, w := range l.reg.AllIDs() {
		ch := l.transport.Channel(w)
		ch.SendToWorker(localtransport.Envelope{Tag: protocol.StopTag, Signal: protocol.ManSignalFinish})
	}

	l.deps.Events.Emit(events.Event{Type: events.HistoryDumped}.WithPayload(l.hist.Len()))
	return nil
}

// drainPersistentStop waits for each worker in stopped to acknowledge
// PERSIS_STOP with its FINISHED_PERSISTENT_* result. These workers are
// registry-idle (they were parked in PersistentSession.Recv) so
// drainUntilIdle's ActiveIDs() scan would skip them entirely; track
// them by persis_state instead, bounded by worker_timeout per attempt.
func (l *Loop) drainPersistentStop(ctx context.Context, stopped []int) error {
	pending := make(map[int]bool, len(stopped))
	for _, w := range stopped {
		pending[w] = true
	}

	for len(pending) > 0 {
		progressed := false
		for w := range pending {
			ch := l.transport.Channel(w)
			env, ok := ch.RecvFromManagerTimeout(l.cfg.WorkerTimeout)
			if !ok {
				continue
			}
			progressed = true
			if err := l.handleIncoming(w, env); err != nil {
				return err
			}
			if st, ok := l.reg.Get(w); ok && st.PersisState == protocol.UnsetTag {
				delete(pending, w)
			}
		}
		if !progressed {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// drainUntilIdle repeatedly drains replies, bounded by worker_timeout
// per attempt, until no worker is active or the bound is exhausted.
func (l *Loop) drainUntilIdle(ctx context.Context) error {
	for {
		if len(l.reg.ActiveIDs()) == 0 {
			return nil
		}
		progressed := false
		for _, w := range l.reg.ActiveIDs() {
			ch := l.transport.Channel(w)
			env, ok := ch.RecvFromManagerTimeout(l.cfg.WorkerTimeout)
			if !ok {
				continue
			}
			progressed = true
			if err := l.handleIncoming(w, env); err != nil {
				return err
			}
		}
		if !progressed {
			// Nobody replied within worker_timeout on this pass; give up
			// waiting and let the caller force-terminate what remains.
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// dumpAbort is the failure-path history dump: best-effort,
// the returned error from Run already reports the real failure.
func (l *Loop) dumpAbort() {
	l.deps.Events.Emit(events.Event{Type: events.HistoryDumped}.WithPayload(l.hist.Len()))
}
