// Package localtransport is the one Message Channel implementation in
// scope for this module: a goroutine + buffered-channel duplex per
// worker. The manager never itself suspends on user code — it only
// probes channels, so every receive primitive here has a non-blocking
// and a blocking-with-timeout form.
//
// A remote transport (sockets, MPI-backed queues) would satisfy the
// same Channel contract; it is intentionally not implemented here.
package localtransport

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jlnav/ensemblekit/internal/protocol"
)

// Envelope is one message traveling in either direction on a Channel.
type Envelope struct {
	Tag protocol.Tag
	Work *protocol.Work
	Result *protocol.Result
	Signal protocol.ManSignal
	RowSlice []map[string]any // second message of a dispatch, when sent separately from Work
	DumpPath string // worker's reply to MAN_SIGNAL_REQ_PICKLE_DUMP: path to its dumped last result
}

// Channel is a reliable, ordered, in-process duplex between the
// manager and one worker. Messages sent on it are FIFO; no
// ordering is assumed between channels.
type Channel struct {
	WorkerID int
	toWorker chan Envelope
	toMgr chan Envelope

	corruptCountdown atomic.Int64
}

// NewChannel creates a channel with the given buffer depth per
// direction. A depth of a few messages is enough: the manager never
// dispatches faster than the worker drains (each worker processes one
// Work unit at a time).
func NewChannel(workerID, depth int) *Channel {
	return &Channel{
		WorkerID: workerID,
		toWorker: make(chan Envelope, depth),
		toMgr: make(chan Envelope, depth),
	}
}

// SendToWorker delivers env to the worker side. Assumed non-blocking
// or short (the buffer absorbs the single in-flight unit).
func (c *Channel) SendToWorker(env Envelope) {
	c.toWorker <- env
}

// SendToManager delivers env to the manager side. If a corruption was
// armed, the designated send is mangled into an empty envelope instead
// — simulating a transport that garbled one message in flight — and
// the arming is consumed.
func (c *Channel) SendToManager(env Envelope) {
	if c.corruptCountdown.Load() > 0 && c.corruptCountdown.Add(-1) == 0 {
		env = Envelope{}
	}
	c.toMgr <- env
}

// CorruptNextToManager arms a one-shot fault: the next message this
// worker sends to the manager arrives empty, as if a decoding error
// had struck it in transit. Exists so tests can exercise the manager's
// MAN_SIGNAL_REQ_PICKLE_DUMP recovery path without a real serializing
// transport to corrupt.
func (c *Channel) CorruptNextToManager() {
	c.corruptCountdown.Store(1)
}

// CorruptNthToManager arms the fault for the n-th future send instead
// of the very next one, so a test can garble a specific message in the
// exchange (the first simulator reply rather than the generator's).
func (c *Channel) CorruptNthToManager(n int) {
	c.corruptCountdown.Store(int64(n))
}

// RecvFromWorker is the worker-side blocking receive used by the
// worker runtime's event loop.
func (c *Channel) RecvFromWorker(ctx context.Context) (Envelope, bool) {
	select {
	case env := <-c.toWorker:
		return env, true
	case <-ctx.Done():
		return Envelope{}, false
	}
}

// TryRecvFromManager is the manager-side non-blocking probe used
// during a drain pass.
func (c *Channel) TryRecvFromManager() (Envelope, bool) {
	select {
	case env := <-c.toMgr:
		return env, true
	default:
		return Envelope{}, false
	}
}

// RecvFromManagerTimeout is the manager-side bounded-wait receive used
// during final drain.
func (c *Channel) RecvFromManagerTimeout(timeout time.Duration) (Envelope, bool) {
	select {
	case env := <-c.toMgr:
		return env, true
	case <-time.After(timeout):
		return Envelope{}, false
	}
}

// Pending reports whether a message is currently available without
// consuming it — used only for diagnostics, never in the hot loop.
func (c *Channel) Pending() bool {
	return len(c.toMgr) > 0
}

// ManagerRecvChan exposes the raw receive channel so the manager can
// select across every worker's channel at once during a blocking drain.
func (c *Channel) ManagerRecvChan() <-chan Envelope {
	return c.toMgr
}
