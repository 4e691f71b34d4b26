package worker

import (
	"context"

	"github.com/jlnav/ensemblekit/internal/localtransport"
	"github.com/jlnav/ensemblekit/internal/protocol"
)

// PersistentSession is the worker-side handle a persistent callback
// uses to exchange messages with the manager without returning: a send,
// a receive, and a send-then-receive in one call.
type PersistentSession struct {
	ch       *localtransport.Channel
	calcType protocol.CalcType
	worker   int
	rt       *Runtime // owning runtime, so Send can keep it dump-recoverable
}

func newPersistentSession(ch *localtransport.Channel, worker int, calcType protocol.CalcType, rt *Runtime) *PersistentSession {
	return &PersistentSession{ch: ch, calcType: calcType, worker: worker, rt: rt}
}

// Send ships a partial result to the manager without waiting for a
// reply. The tag-as-tag convention is applied uniformly: the
// envelope's Tag is always the session's CalcType, never overloaded
// as a payload value.
func (s *PersistentSession) Send(rows []protocol.Row, persisInfo map[string]any) {
	res := &protocol.Result{
		CalcType:   s.calcType,
		CalcStatus: protocol.StatusUnset,
		CalcOut:    rows,
		Info:       protocol.WorkInfo{Persistent: true},
		PersisInfo: persisInfo,
	}
	s.rt.lastResult = res
	s.ch.SendToManager(localtransport.Envelope{Tag: s.calcType, Result: res})
}

// Recv blocks for the manager's next message to this session: either
// a fresh batch of evaluated rows (the manager handing back results),
// PersisStop ending the session, or a pickle-dump request recovering a
// corrupted earlier Send — answered in place, without ending the
// session.
func (s *PersistentSession) Recv(ctx context.Context) (rows []map[string]any, stop bool, err error) {
	for {
		env, ok := s.ch.RecvFromWorker(ctx)
		if !ok {
			return nil, false, ctx.Err()
		}
		if env.Tag != protocol.StopTag {
			return env.RowSlice, false, nil
		}
		switch env.Signal {
		case protocol.PersisStop:
			return nil, true, nil
		case protocol.ManSignalReqPickleDump:
			path, derr := s.rt.dumpLastResult()
			if derr != nil {
				return nil, false, derr
			}
			s.ch.SendToManager(localtransport.Envelope{Tag: protocol.StopTag, DumpPath: path})
		}
	}
}

// SendRecv sends rows then blocks for the manager's reply in one call
// — the common case for a persistent generator handing off a batch and
// waiting for evaluations.
func (s *PersistentSession) SendRecv(ctx context.Context, rows []protocol.Row, persisInfo map[string]any) (reply []map[string]any, stop bool, err error) {
	s.Send(rows, persisInfo)
	return s.Recv(ctx)
}
