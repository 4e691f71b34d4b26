package manager

import (
	"github.com/jlnav/ensemblekit/internal/alloc"
	"github.com/jlnav/ensemblekit/internal/events"
	"github.com/jlnav/ensemblekit/internal/localtransport"
	"github.com/jlnav/ensemblekit/internal/protocol"
)

// dispatch sends every unit of decision.Work to its worker.
//
// A worker already waiting inside a persistent session (its registry
// row has persis_state == the work's tag) only ever receives a bare
// row-slice continuation message, because its callback is already
// resident and blocked in (*worker.PersistentSession).Recv — sending it
// a fresh Work envelope would be consumed by nobody, since nothing in
// that worker's Run loop is selecting on the channel anymore until the
// callback returns. Every other idle worker gets a fresh dispatch: a
// Work envelope, optionally followed by the row-slice payload.
func (l *Loop) dispatch(d alloc.Decision) error {
	if len(d.PersisInfo) > 0 {
		l.persisInfo = d.PersisInfo
	}

	for w, work := range d.Work {
		// Termination can trip mid-batch (a drain inside this iteration
		// already advanced the counters); abandon the remainder of the
		// decision and let already-sent units complete during finalize.
		if trip, _ := l.term.Evaluate(l.hist); trip {
			return nil
		}

		ch := l.transport.Channel(w)
		if ch == nil {
			return &DispatchError{Worker: w, Reason: "no channel for worker"}
		}

		st, ok := l.reg.Get(w)
		if !ok {
			return &DispatchError{Worker: w, Reason: "unknown worker"}
		}

		if st.PersisState == work.Tag && work.Tag != protocol.UnsetTag {
			if err := l.dispatchContinuation(ch, w, work); err != nil {
				return err
			}
			continue
		}
		if err := l.dispatchFresh(ch, w, work); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) dispatchFresh(ch *localtransport.Channel, w int, work protocol.Work) error {
	now := l.deps.Clock.Now()
	if work.Tag == protocol.EvalSimTag && len(work.HRows) > 0 {
		if err := l.hist.MarkDispatched(work.HRows, w, float64(now.UnixNano())/1e9); err != nil {
			return err
		}
	}

	if err := l.reg.MarkActive(w, work.Tag, work.Persistent, work.Blocking); err != nil {
		return &DispatchError{Worker: w, Reason: err.Error()}
	}
	if len(work.Blocking) > 0 {
		l.blocking[w] = work.Blocking
	}

	return l.sendFreshWork(ch, w, work)
}

func (l *Loop) sendFreshWork(ch *localtransport.Channel, w int, work protocol.Work) error {
	ch.SendToWorker(localtransport.Envelope{Tag: work.Tag, Work: &work})

	if len(work.HRows) > 0 {
		slice, err := l.hist.Slice(work.HFields, work.HRows)
		if err != nil {
			return &DispatchError{Worker: w, Reason: err.Error()}
		}
		ch.SendToWorker(localtransport.Envelope{RowSlice: slice})
	}

	l.deps.Events.Emit(events.Event{Type: events.WorkerDispatched, Worker: w})
	if work.Persistent {
		l.deps.Events.Emit(events.Event{Type: events.PersistentStarted, Worker: w})
	}
	return nil
}

func (l *Loop) dispatchContinuation(ch *localtransport.Channel, w int, work protocol.Work) error {
	if err := l.reg.MarkActive(w, work.Tag, true, nil); err != nil {
		return &DispatchError{Worker: w, Reason: err.Error()}
	}

	for _, row := range work.HRows {
		if err := l.hist.MarkGivenBack(row); err != nil {
			return err
		}
	}

	slice, err := l.hist.Slice(work.HFields, work.HRows)
	if err != nil {
		return &DispatchError{Worker: w, Reason: err.Error()}
	}
	ch.SendToWorker(localtransport.Envelope{RowSlice: slice})

	l.deps.Events.Emit(events.Event{Type: events.PersistentFedBack, Worker: w})
	return nil
}
