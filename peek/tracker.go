package peek

import (
	"context"
	"sync"
	"time"

	"github.com/chn0318/tlogd/tlogerr"
)

// subscriberTracker is per-subscriber sequence state: it lets a consumer
// pipeline peek requests by sequence number so request N+1 can start
// before request N's reply has been fully consumed.
type subscriberTracker struct {
	mu       sync.Mutex
	window   int
	lowest   int64
	ends     map[int64]int64 // sequence -> end_version it filled in
	waiters  map[int64][]chan struct{}
	lastUsed time.Time
}

func newSubscriberTracker(window int) *subscriberTracker {
	return &subscriberTracker{
		window:  window,
		ends:    make(map[int64]int64),
		waiters: make(map[int64][]chan struct{}),
	}
}

func (t *subscriberTracker) touch() {
	t.lastUsed = time.Now()
}

// evictOld drops sequence entries more than window behind currentSeq, the
// sequence being requested, failing their waiters with timed_out.
func (t *subscriberTracker) evictOld(currentSeq int64) {
	cutoff := currentSeq - int64(t.window)
	if cutoff <= t.lowest {
		return
	}
	for seq := t.lowest; seq < cutoff; seq++ {
		delete(t.ends, seq)
		for _, w := range t.waiters[seq] {
			close(w)
		}
		delete(t.waiters, seq)
	}
	t.lowest = cutoff
}

// WaitForBegin resolves the begin_version a request with the given
// sequence should use: if seq already has a recorded end, returns it
// immediately; if seq is behind the eviction window, fails with
// ErrTimedOut; otherwise blocks until an earlier sequence fills it in.
func (t *subscriberTracker) WaitForBegin(ctx context.Context, seq int64, fallbackBegin int64) (int64, error) {
	t.mu.Lock()
	t.touch()
	t.evictOld(seq)
	if seq < t.lowest {
		t.mu.Unlock()
		return 0, tlogerr.ErrTimedOut
	}
	if end, ok := t.ends[seq]; ok {
		t.mu.Unlock()
		return end, nil
	}
	if seq == 0 {
		t.mu.Unlock()
		return fallbackBegin, nil
	}
	ch := make(chan struct{})
	t.waiters[seq] = append(t.waiters[seq], ch)
	t.mu.Unlock()

	select {
	case <-ch:
		t.mu.Lock()
		defer t.mu.Unlock()
		if end, ok := t.ends[seq]; ok {
			return end, nil
		}
		return 0, tlogerr.ErrTimedOut
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// RecordEnd stores sequence+1 -> end_version so the next request in the
// stream can resume from it. If the same sequence was already recorded
// with a different end, the retry fails with timed_out.
func (t *subscriberTracker) RecordEnd(seq int64, end int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := seq + 1
	if existing, ok := t.ends[next]; ok && existing != end {
		return tlogerr.ErrTimedOut
	}
	t.ends[next] = end
	for _, w := range t.waiters[next] {
		close(w)
	}
	delete(t.waiters, next)
	return nil
}

// trackerRegistry owns every subscriber's tracker and expires idle ones.
type trackerRegistry struct {
	mu       sync.Mutex
	trackers map[string]*subscriberTracker
	window   int
	idleTTL  time.Duration
}

func newTrackerRegistry(window int, idleTTL time.Duration) *trackerRegistry {
	return &trackerRegistry{
		trackers: make(map[string]*subscriberTracker),
		window:   window,
		idleTTL:  idleTTL,
	}
}

func (r *trackerRegistry) get(subscriberID string) *subscriberTracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[subscriberID]
	if !ok {
		t = newSubscriberTracker(r.window)
		r.trackers[subscriberID] = t
	}
	return t
}

// Cleanup expires trackers idle past idleTTL, failing all their
// outstanding sequence waiters.
func (r *trackerRegistry) Cleanup(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.trackers {
		t.mu.Lock()
		expired := now.Sub(t.lastUsed) > r.idleTTL
		if expired {
			for _, ws := range t.waiters {
				for _, w := range ws {
					close(w)
				}
			}
			t.waiters = make(map[int64][]chan struct{})
		}
		t.mu.Unlock()
		if expired {
			delete(r.trackers, id)
		}
	}
}
