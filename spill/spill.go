// Package spill implements the background update-storage loop that walks
// committed versions out of memory into persistent storage, respecting a
// byte budget, and advances bytes_durable as it goes.
package spill

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chn0318/tlogd/generation"
	"github.com/chn0318/tlogd/kvindex"
	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/tlogqueue"
	"github.com/chn0318/tlogd/wire"
)

// refBatchTarget bounds how many references accumulate under one
// TagMsgRef key before a flush, so a single KV value doesn't grow
// unbounded for a hot tag.
const refBatchTarget = 100

// Loop is the spiller for one generation. commitLock is the
// persistent_data_commit_lock: it serializes spill iterations against
// each other (the ticker vs. recovery's inline passes), so the KV index
// never sees two overlapping spill commits. Access to the in-memory tag
// state is guarded separately by the generation's Log lock, which the
// commit, peek, and pop paths share.
type Loop struct {
	Gen            *generation.Generation
	Queue          *tlogqueue.Queue
	KV             kvindex.Store
	ByteBudget     int64
	HighWaterBytes int64
	Logger         *log.Logger

	commitLock sync.Mutex
	pendingRef map[tag.Tag][]wire.SpilledRef
}

// NewLoop wires a Loop for one generation.
func NewLoop(gen *generation.Generation, queue *tlogqueue.Queue, kv kvindex.Store, byteBudget, highWaterBytes int64) *Loop {
	return &Loop{
		Gen:            gen,
		Queue:          queue,
		KV:             kv,
		ByteBudget:     byteBudget,
		HighWaterBytes: highWaterBytes,
		pendingRef:     make(map[tag.Tag][]wire.SpilledRef),
	}
}

// Run ticks RunOnce until ctx is done.
func (l *Loop) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.RunOnce(ctx); err != nil {
				l.logf("spill: run once: %v", err)
			}
		}
	}
}

// RunOnce is one spill iteration: walk versions forward from the current
// persistent_data_version toward queue_committed_version, writing each
// one's per-tag contribution into the KV index, until either the queue
// catches up or the accumulated byte cost reaches the per-pass budget or
// high-water threshold. The version advance, in-memory erase, and queue
// reclaim all happen strictly after the KV commit returns: a crash
// anywhere before that point leaves the previous recoveryLocation intact
// and replay reconstructs everything this pass was about to spill.
func (l *Loop) RunOnce(ctx context.Context) error {
	l.commitLock.Lock()
	defer l.commitLock.Unlock()

	target := l.Gen.QueueCommittedVersion.Get()
	spilledBytes, minVersion, popOffset, recoveryLoc, err := l.spillPass(ctx, target)
	if err != nil {
		return err
	}

	l.persistMetadata(recoveryLoc)
	if err := l.KV.Commit(); err != nil {
		return fmt.Errorf("spill: kv commit: %w", err)
	}

	// Everything below this line is only safe once the KV commit is
	// durable: peek starts answering begin <= durable from the index, the
	// in-memory copies go away, and the queue prefix is released.
	durable := l.Gen.GetPersistentDataVersion()
	l.Gen.SetPersistentDataDurableVersion(durable)
	l.Gen.SetDurableKnownCommitted(l.Gen.GetKnownCommitted())
	l.Gen.AddBytesDurable(spilledBytes)

	l.Gen.Log.Lock()
	for _, ts := range l.Gen.Log.AllTags() {
		l.Gen.Log.EraseMessagesBefore(ts.Tag, durable+1)
	}
	l.Gen.Log.Unlock()

	l.Queue.ForgetBefore(minVersion)
	if popOffset >= 0 {
		l.Queue.Pop(popOffset)
	}
	return nil
}

// spillPass walks the spillable version window and stages every KV write
// for it, entirely under the memory log's lock so commits, peeks, and
// pops never observe a tag mid-spill. It stops when the accumulated byte
// cost reaches either the per-iteration budget or the high-water
// threshold.
func (l *Loop) spillPass(ctx context.Context, target int64) (spilledBytes, minVersion, popOffset, recoveryLoc int64, err error) {
	l.Gen.Log.Lock()
	defer l.Gen.Log.Unlock()

	for v := l.Gen.GetPersistentDataVersion() + 1; v <= target; v++ {
		if err = ctx.Err(); err != nil {
			return
		}
		vs := l.Gen.VersionSizeFor(v)
		versionBytes := vs.NonTxsBytes + vs.TxsBytes
		if spilledBytes >= l.ByteBudget || spilledBytes >= l.HighWaterBytes {
			break
		}

		if err = l.spillVersion(v); err != nil {
			err = fmt.Errorf("spill: version %d: %w", v, err)
			return
		}
		spilledBytes += versionBytes

		l.Gen.SetPersistentDataVersion(v)
		l.Gen.DropVersionSize(v)
	}

	if err = l.flushPendingRefs(); err != nil {
		return
	}
	l.clearPoppedSpill()
	minVersion, popOffset = l.popTargets()
	recoveryLoc = l.recoveryLocation()
	return
}

// persistMetadata writes this generation's recoverable state: every key
// the recovery orchestrator reads back on the next process start to
// reconstruct this generation without replaying past recoveryLoc.
func (l *Loop) persistMetadata(recoveryLoc int64) {
	g := l.Gen
	put64 := func(key []byte, v int64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		l.KV.Set(key, b[:])
	}

	put64(kvindex.KeyVersion(g.ID), g.GetPersistentDataVersion())
	put64(kvindex.KeyKnownCommitted(g.ID), g.GetKnownCommitted())
	l.KV.Set(kvindex.KeyLocality(g.ID), []byte{byte(int8(g.Locality))})
	var lr [4]byte
	binary.LittleEndian.PutUint32(lr[:], uint32(g.LogRouters))
	l.KV.Set(kvindex.KeyLogRouterTags(g.ID), lr[:])
	put64(kvindex.KeyDBRecoveryCount(g.ID), g.RecoveryCount)
	put64(kvindex.KeyProtocolVersion(g.ID), int64(tlogqueue.ProtocolVersion))
	if recoveryLoc >= 0 {
		put64(kvindex.KeyRecoveryLocation(), recoveryLoc)
	}
}

// recoveryLocation is the queue offset replay should resume from on the
// next restart: the start of the first version not yet spilled, or the
// queue's append cursor when everything has been spilled.
func (l *Loop) recoveryLocation() int64 {
	if loc, ok := l.Queue.LocationFor(l.Gen.GetPersistentDataVersion() + 1); ok {
		return loc.RecordStart
	}
	if l.Gen.GetPersistentDataVersion() == l.Gen.Version.Get() {
		return l.Queue.NextPushLocation()
	}
	return -1
}

// spillVersion writes every tag's contribution to version v: the
// transaction-system tag is spilled by value (its message bytes copied
// straight into the KV index); every other tag is spilled by reference
// (a pointer at the bytes already sitting in the disk queue from the
// original commit). Caller holds the memory log's lock.
func (l *Loop) spillVersion(v int64) error {
	loc, haveLoc := l.Queue.LocationFor(v)
	for _, ts := range l.Gen.Log.AllTags() {
		if ts.Popped > v {
			continue
		}
		msgs := ts.MessagesInRange(v, v+1)
		if len(msgs) == 0 {
			continue
		}
		if ts.Tag.IsTxs() {
			for _, data := range msgs {
				key := kvindex.KeyTagMsg(l.Gen.ID, int8(ts.Tag.Locality), ts.Tag.ID, v)
				l.KV.Set(key, data)
			}
			ts.NothingPersistent = false
			continue
		}
		if !haveLoc {
			continue
		}
		l.pendingRef[ts.Tag] = append(l.pendingRef[ts.Tag], wire.SpilledRef{
			Version:         v,
			DiskStartOffset: loc.Start,
			ByteLength:      int32(loc.End - loc.Start),
		})
		if len(l.pendingRef[ts.Tag]) >= refBatchTarget {
			if err := l.flushTagRefs(ts.Tag); err != nil {
				return err
			}
		}
	}
	return nil
}

// flushPendingRefs flushes every tag with an open reference batch.
// Caller holds the memory log's lock.
func (l *Loop) flushPendingRefs() error {
	for t := range l.pendingRef {
		if err := l.flushTagRefs(t); err != nil {
			return err
		}
	}
	return nil
}

// flushTagRefs writes one TagMsgRef KV keyed by the batch's last version
// and pulls the tag's popped_location down to the batch's first start
// offset, the earliest queue byte a peek resolving these references can
// still need. Caller holds the memory log's lock.
func (l *Loop) flushTagRefs(t tag.Tag) error {
	refs := l.pendingRef[t]
	if len(refs) == 0 {
		return nil
	}
	lastVersion := refs[len(refs)-1].Version
	key := kvindex.KeyTagMsgRef(l.Gen.ID, int8(t.Locality), t.ID, lastVersion)
	l.KV.Set(key, wire.EncodeSpilledRefs(refs))
	if ts := l.Gen.Log.TagState(t); ts != nil {
		start := refs[0].DiskStartOffset
		if ts.PoppedLocation == 0 || start < ts.PoppedLocation {
			ts.PoppedLocation = start
		}
		ts.NothingPersistent = false
	}
	delete(l.pendingRef, t)
	return nil
}

// clearPoppedSpill drops the spilled KV rows no subscriber can request
// anymore: everything keyed strictly below each tag's popped version.
// TagMsgRef values are keyed by their batch's last version, so a key
// below popped means every reference in the batch is below popped.
// Caller holds the memory log's lock.
func (l *Loop) clearPoppedSpill() {
	for _, ts := range l.Gen.Log.AllTags() {
		if ts.Popped == 0 {
			continue
		}
		loc, id := int8(ts.Tag.Locality), ts.Tag.ID
		l.KV.Clear(kvindex.Range{
			Begin: kvindex.KeyTagMsg(l.Gen.ID, loc, id, 0),
			End:   kvindex.KeyTagMsg(l.Gen.ID, loc, id, ts.Popped),
		})
		l.KV.Clear(kvindex.Range{
			Begin: kvindex.KeyTagMsgRef(l.Gen.ID, loc, id, 0),
			End:   kvindex.KeyTagMsgRef(l.Gen.ID, loc, id, ts.Popped),
		})
		if ts.Popped > l.Gen.GetPersistentDataVersion() {
			// No spilled reference for this tag can still be wanted, so it
			// no longer pins the queue's popped prefix.
			ts.PoppedLocation = 0
			ts.NothingPersistent = true
		}
	}
}

// popTargets computes the minimum version any tag may still request and
// the queue offset that version (or the earliest still-referenced spilled
// batch) starts at. ForgetBefore trims the version index to the former;
// Pop releases the queue prefix before the latter. Caller holds the
// memory log's lock.
func (l *Loop) popTargets() (minVersion int64, popOffset int64) {
	minVersion = l.Gen.GetPersistentDataVersion() + 1
	for _, ts := range l.Gen.Log.AllTags() {
		if ts.Popped < minVersion {
			minVersion = ts.Popped
		}
	}

	popOffset = -1
	if loc, ok := l.Queue.LocationFor(minVersion); ok {
		popOffset = loc.RecordStart
	}
	for _, ts := range l.Gen.Log.AllTags() {
		if ts.PoppedLocation > 0 && (popOffset < 0 || ts.PoppedLocation < popOffset) {
			popOffset = ts.PoppedLocation
		}
	}
	return minVersion, popOffset
}

func (l *Loop) logf(format string, args ...any) {
	if l.Logger != nil {
		l.Logger.Printf(format, args...)
	}
}
