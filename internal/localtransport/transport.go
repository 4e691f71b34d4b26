package localtransport

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Transport owns the static set of per-worker channels the manager
// loop probes. It also supervises the worker goroutines: a panic or
// error in any worker surfaces through Wait rather than being silently
// dropped.
type Transport struct {
	channels map[int]*Channel
	group *errgroup.Group
	ctx context.Context
	cancel context.CancelFunc
}

// New creates a Transport with one Channel per worker id 1..n.
func New(ctx context.Context, n, bufferDepth int) *Transport {
	cancelable, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(cancelable)
	t := &Transport{
		channels: make(map[int]*Channel, n),
		group: group,
		ctx: gctx,
		cancel: cancel,
	}
	for w := 1; w <= n; w++ {
		t.channels[w] = NewChannel(w, bufferDepth)
	}
	return t
}

// Cancel force-terminates every worker goroutine by cancelling the
// context they run under.
func (t *Transport) Cancel() { t.cancel() }

// Context is the supervision context: cancelled when any spawned
// worker returns an error, or when the caller's context is cancelled.
func (t *Transport) Context() context.Context { return t.ctx }

// Channel returns the channel for worker w, or nil if w is unknown.
func (t *Transport) Channel(w int) *Channel { return t.channels[w] }

// WorkerIDs returns every worker id in increasing order.
func (t *Transport) WorkerIDs() []int {
	ids := make([]int, 0, len(t.channels))
	for w := range t.channels {
		ids = append(ids, w)
	}
	// map iteration order is undefined; channels are few (N workers),
	// so an insertion sort keeps this readable without importing sort.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// Go runs fn as a supervised worker goroutine.
func (t *Transport) Go(fn func() error) {
	t.group.Go(fn)
}

// Wait blocks until every supervised worker goroutine has returned,
// and returns the first non-nil error (if any).
func (t *Transport) Wait() error {
	return t.group.Wait()
}
