// Package commit implements version-ordered admission of new batches,
// framing into the disk queue, and the queue-committer task that turns
// staged pushes into durable barriers.
package commit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chn0318/tlogd/generation"
	"github.com/chn0318/tlogd/memlog"
	"github.com/chn0318/tlogd/tlogerr"
	"github.com/chn0318/tlogd/tlogqueue"
	"github.com/chn0318/tlogd/wire"
)

// largeDiskQueueCommitBytes is the threshold past which the disk-queue
// bytes pushed since the last early wake, accumulated across commits, wake
// the queue-committer early instead of waiting for its next tick.
const largeDiskQueueCommitBytes = 1 << 20

// Request is one commit call: a version-ordered batch of tagged messages
// to admit into the generation.
type Request struct {
	PrevVersion              int64
	Version                  int64
	KnownCommittedVersion    int64
	MinKnownCommittedVersion int64
	Messages                 []memlog.TaggedMessage
	HasExecOp                bool
	DebugID                  string
}

// ExecHandler applies the state-machine changes an Exec mutation in a
// commit batch describes (operator snapshot coordination) before the batch
// itself is committed.
type ExecHandler func(req Request) error

// Path is the commit admission path for one generation.
type Path struct {
	Gen            *generation.Generation
	Queue          *tlogqueue.Queue
	CommitParams   memlog.CommitParams
	HardLimitBytes int64
	Exec           ExecHandler

	// WakeQueueCommitter is signaled (non-blocking) when the bytes pushed
	// since the last early wake reach largeDiskQueueCommitBytes, so the
	// queue-committer can wake early
	// instead of waiting for its next tick.
	WakeQueueCommitter chan struct{}

	Logger *log.Logger

	// DegradedAfter marks the process degraded when a single queue commit
	// takes longer than this; zero disables the watch.
	DegradedAfter time.Duration

	// execLock is the per-generation exec_op_lock: while an Exec mutation
	// is committing no other commit proceeds.
	execLock sync.RWMutex

	mu       sync.Mutex
	degraded bool

	pendingQueueCommitBytes int64
}

// Degraded reports whether a queue commit has ever exceeded DegradedAfter.
func (p *Path) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Path) setDegraded() {
	p.mu.Lock()
	p.degraded = true
	p.mu.Unlock()
}

// Commit admits a version: it waits for the previous version to be
// visible, applies backpressure, and (for genuinely new versions) indexes
// messages, pushes the framed batch to the disk queue, and advances the
// generation's version barrier, before waiting for the queue to durably
// commit.
func (p *Path) Commit(ctx context.Context, req Request) (durableKnownCommitted int64, err error) {
	if req.HasExecOp {
		p.execLock.Lock()
		defer p.execLock.Unlock()
	} else {
		p.execLock.RLock()
		defer p.execLock.RUnlock()
	}

	p.Gen.AdvanceMinKnownCommitted(req.MinKnownCommittedVersion)

	if err := p.Gen.Version.WaitAtLeast(ctx, req.PrevVersion); err != nil {
		return 0, err
	}

	if err := p.waitForBackpressure(ctx); err != nil {
		return 0, err
	}

	if p.Gen.Stopped() {
		return 0, tlogerr.ErrTLogStopped
	}

	// Duplicate requests have req.Version <= generation.version already;
	// only a genuinely new version does work.
	if req.Version > p.Gen.Version.Get() {
		if req.HasExecOp && p.Exec != nil {
			if err := p.Exec(req); err != nil {
				return 0, fmt.Errorf("commit: exec op: %w", err)
			}
		}

		var batchBytes int64
		for _, m := range req.Messages {
			batchBytes += int64(len(m.Data))
		}
		p.Gen.Log.Lock()
		p.Gen.Log.CommitMessages(req.Version, req.Messages, p.CommitParams)
		p.Gen.Log.Unlock()
		p.Gen.AddBytesInput(batchBytes)
		p.Gen.SetKnownCommitted(req.KnownCommittedVersion)

		batch := encodeBatch(req.Messages)
		loc, err := p.Queue.Push(tlogqueue.Entry{
			GenerationID:          p.Gen.ID,
			Version:               req.Version,
			KnownCommittedVersion: p.Gen.GetKnownCommitted(),
			Batch:                 batch,
		})
		if err != nil {
			return 0, fmt.Errorf("commit: push: %w", err)
		}
		p.Gen.RecordVersionLocation(req.Version, loc)
		p.Gen.RecordVersionSize(req.Version, int64(len(batch)), 0)

		p.pendingQueueCommitBytes += int64(len(batch))
		if p.pendingQueueCommitBytes >= largeDiskQueueCommitBytes {
			p.pendingQueueCommitBytes = 0
			select {
			case p.WakeQueueCommitter <- struct{}{}:
			default:
			}
		}

		p.Gen.Version.Set(req.Version)
	}

	if err := p.waitQueueCommitted(ctx, req.Version); err != nil {
		return 0, err
	}

	return p.Gen.GetDurableKnownCommitted(), nil
}

func (p *Path) waitForBackpressure(ctx context.Context) error {
	if p.HardLimitBytes <= 0 {
		return nil
	}
	warned := false
	start := time.Now()
	for p.Gen.Backlog() >= p.HardLimitBytes {
		if !warned && time.Since(start) > time.Second {
			p.logf("commit backpressure: backlog %d >= hard limit %d for generation %s",
				p.Gen.Backlog(), p.HardLimitBytes, p.Gen.ID)
			warned = true
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Path) waitQueueCommitted(ctx context.Context, version int64) error {
	lastWarn := time.Now()
	for p.Gen.QueueCommittedVersion.Get() < version {
		if time.Since(lastWarn) > 100*time.Millisecond {
			p.logf("commit: still waiting for queue_committed_version >= %d (generation %s)", version, p.Gen.ID)
			lastWarn = time.Now()
		}
		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		err := p.Gen.QueueCommittedVersion.WaitAtLeast(waitCtx, version)
		cancel()
		if err != nil && waitCtx.Err() == nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// RunQueueCommitter is the queue_committer background task: it durably
// commits the disk queue whenever a commit wakes it early or a tick
// elapses, then advances queue_committed_version to match version so
// waiters in waitQueueCommitted unblock.
func (p *Path) RunQueueCommitter(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.WakeQueueCommitter:
		case <-ticker.C:
		}
		v := p.Gen.Version.Get()
		if v <= p.Gen.QueueCommittedVersion.Get() {
			continue
		}
		start := time.Now()
		if err := p.Queue.Commit(); err != nil {
			p.logf("commit: queue committer: %v", err)
			continue
		}
		if p.DegradedAfter > 0 && time.Since(start) > p.DegradedAfter {
			p.logf("commit: queue commit took %v (> %v), marking degraded", time.Since(start), p.DegradedAfter)
			p.setDegraded()
		}
		p.Gen.QueueCommittedVersion.Set(v)
	}
}

func (p *Path) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

// encodeBatch converts a commit batch into the shared wire.TaggedMessage
// form and frames it, so tlogqueue's replay and peek's tag-filtering parse
// can share one decoder (wire.DecodeBatch).
func encodeBatch(messages []memlog.TaggedMessage) []byte {
	wm := make([]wire.TaggedMessage, len(messages))
	for i, m := range messages {
		wm[i] = wire.TaggedMessage{Tags: m.Tags, Data: m.Data}
	}
	return wire.EncodeBatch(wm)
}

// GenerationID is exposed for callers that need a fresh random generation
// identity without importing uuid directly.
func GenerationID() uuid.UUID { return uuid.New() }
