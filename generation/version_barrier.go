package generation

import (
	"context"
	"sync"

	"github.com/chn0318/tlogd/tlogerr"
)

// VersionBarrier is a monotonic, strictly-increasing cursor that callers can
// wait on to reach a threshold -- the cooperative-scheduling wait-for-version
// suspension point. Every waiter observes consistent state as of the moment
// Set is called.
type VersionBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	current int64
	closed  bool
}

// NewVersionBarrier creates a barrier starting at initial.
func NewVersionBarrier(initial int64) *VersionBarrier {
	vb := &VersionBarrier{current: initial}
	vb.cond = sync.NewCond(&vb.mu)
	return vb
}

// Get returns the current value.
func (vb *VersionBarrier) Get() int64 {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.current
}

// Set advances the barrier. A value less than or equal to the current one
// is a no-op, so duplicate commit requests can call Set idempotently.
func (vb *VersionBarrier) Set(v int64) {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	if v <= vb.current {
		return
	}
	vb.current = v
	vb.cond.Broadcast()
}

// Close releases every current and future waiter with worker_removed:
// the generation that owned this barrier is gone and its target will
// never be reached.
func (vb *VersionBarrier) Close() {
	vb.mu.Lock()
	vb.closed = true
	vb.cond.Broadcast()
	vb.mu.Unlock()
}

// WaitAtLeast blocks until the barrier reaches at least v, ctx is done,
// or the barrier is closed. It waits on the calling goroutine; a
// cancelled context wakes the waiter via a broadcast rather than leaving
// it parked on the condition variable.
func (vb *VersionBarrier) WaitAtLeast(ctx context.Context, v int64) error {
	stop := context.AfterFunc(ctx, func() {
		vb.mu.Lock()
		vb.cond.Broadcast()
		vb.mu.Unlock()
	})
	defer stop()

	vb.mu.Lock()
	for vb.current < v && !vb.closed && ctx.Err() == nil {
		vb.cond.Wait()
	}
	reached := vb.current >= v
	closed := vb.closed
	vb.mu.Unlock()

	if reached {
		return nil
	}
	if closed {
		return tlogerr.ErrWorkerRemoved
	}
	return ctx.Err()
}
