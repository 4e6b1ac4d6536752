// Package memlog implements the tag-indexed in-memory log. Each tag
// keeps an ordered, arena-backed deque of (version, message-slice) plus
// cursors for popped version, spilled location, and recovery bookkeeping.
package memlog

import (
	"runtime"
	"sync"

	"github.com/chn0318/tlogd/tag"
)

// messageEntry is one (version, message-slice) pair held for a tag.
type messageEntry struct {
	Version int64
	Data    []byte
}

// TagState is the per-tag state held in the in-memory log. Its fields are
// guarded by the owning MemoryLog's lock: hold it across every read or
// write, including through pointers returned by TagState/AllTags.
type TagState struct {
	Tag               tag.Tag
	messages          []messageEntry
	head              int // index of the oldest live entry in messages
	Popped            int64
	PoppedLocation    int64
	NothingPersistent bool
	UnpoppedRecovered bool
}

// Len reports the number of live entries currently held for the tag.
func (ts *TagState) Len() int { return len(ts.messages) - ts.head }

// Messages returns the live entries in version order (oldest first).
func (ts *TagState) Messages() []messageEntry { return ts.messages[ts.head:] }

// MessagesInRange returns the live entries with version in [from, to).
func (ts *TagState) MessagesInRange(from, to int64) [][]byte {
	var out [][]byte
	for _, m := range ts.messages[ts.head:] {
		if m.Version < from {
			continue
		}
		if to > 0 && m.Version >= to {
			break
		}
		out = append(out, m.Data)
	}
	return out
}

// CommitParams describes the generation context needed to decide tag
// eligibility for a commit.
type CommitParams struct {
	// Locality is this generation's own serving locality; a tag whose
	// locality doesn't match it (and isn't a routing class or txs) is
	// skipped, per "messages whose tag set doesn't intersect the
	// generation's locality are skipped".
	Locality tag.Locality
	// LogRouterTags is the generation's configured log-router tag count;
	// log-router tag ids are taken modulo this count.
	LogRouterTags int
}

// accept reports whether a tag is eligible for this generation: the
// reserved txs tag and negative-locality routing classes are always
// eligible (they fan out across every generation); a data-center replica
// tag is eligible only when it matches this generation's own locality.
func accept(t tag.Tag, params CommitParams) bool {
	if t.IsTxs() {
		return true
	}
	if t.Locality < 0 {
		return true
	}
	return t.Locality == params.Locality
}

// TaggedMessage is one message plus the set of tags it was committed with.
type TaggedMessage struct {
	Tags []tag.Tag
	Data []byte
}

// MemoryLog is the tag-indexed in-memory log for one generation.
//
// The embedded Mutex serializes every access: the commit, peek, pop, and
// spill paths all hold it across any method call or TagState field
// access, which is what stands in for the single-task discipline the
// state machine assumes. Methods do not lock it themselves, so a caller
// can hold it across a multi-step read-modify sequence.
type MemoryLog struct {
	sync.Mutex

	arena *Arena
	// tagData is a jagged two-level array indexed by (tag-index, tag-id).
	tagData map[int]map[uint16]*TagState

	// MessageOverhead is the per-message accounting overhead charged
	// against byte budgets. The true container overhead is measured
	// empirically and varies by deployment, so it is a field rather than
	// a constant; set it before the first commit and leave it alone.
	MessageOverhead int

	BytesInput    int64
	OverheadBytes int64
}

const defaultMessageOverhead = 16

// New creates an empty memory log using blockSize-byte arena blocks.
func New(blockSize int) *MemoryLog {
	return &MemoryLog{
		arena:           NewArena(blockSize),
		tagData:         make(map[int]map[uint16]*TagState),
		MessageOverhead: defaultMessageOverhead,
	}
}

func (l *MemoryLog) tagState(t tag.Tag, create bool) *TagState {
	idx := tag.Index(t.Locality)
	byID, ok := l.tagData[idx]
	if !ok {
		if !create {
			return nil
		}
		byID = make(map[uint16]*TagState)
		l.tagData[idx] = byID
	}
	ts, ok := byID[t.ID]
	if !ok {
		if !create {
			return nil
		}
		ts = &TagState{Tag: t, NothingPersistent: true, UnpoppedRecovered: true}
		byID[t.ID] = ts
	}
	return ts
}

// TagState returns the state for a tag, or nil if it has never been
// created; tag state is created lazily on first mention. The caller must
// hold the log's lock for as long as it uses the returned pointer.
func (l *MemoryLog) TagState(t tag.Tag) *TagState { return l.tagState(t, false) }

// AllTags returns every tag with live state, in no particular order. The
// caller must hold the log's lock across the call and any use of the
// returned pointers.
func (l *MemoryLog) AllTags() []*TagState {
	var out []*TagState
	for _, byID := range l.tagData {
		for _, ts := range byID {
			out = append(out, ts)
		}
	}
	return out
}

// CommitMessages appends each message in batch to the arena and indexes it
// under every eligible tag.
func (l *MemoryLog) CommitMessages(version int64, batch []TaggedMessage, params CommitParams) {
	for _, msg := range batch {
		stored := l.arena.Alloc(msg.Data)
		l.BytesInput += int64(l.MessageOverhead) + int64(len(msg.Data))
		l.OverheadBytes += int64(l.MessageOverhead)

		for _, t := range msg.Tags {
			eff := t
			if t.Locality == tag.LocalityLogRouter {
				eff.ID = tag.LogRouterID(t.ID, params.LogRouterTags)
			}
			if !accept(eff, params) {
				continue
			}
			ts := l.tagState(eff, true)
			if ts.Popped > version {
				continue
			}
			ts.messages = append(ts.messages, messageEntry{Version: version, Data: stored})
			ts.NothingPersistent = false
		}
	}
}

// EraseMessagesBefore removes entries with version < beforeVersion from
// tag's deque, yielding periodically to stay cooperative on large deques.
func (l *MemoryLog) EraseMessagesBefore(t tag.Tag, beforeVersion int64) {
	ts := l.tagState(t, false)
	if ts == nil {
		return
	}
	const yieldEvery = 1024
	count := 0
	for ts.head < len(ts.messages) && ts.messages[ts.head].Version < beforeVersion {
		ts.head++
		count++
		if count%yieldEvery == 0 {
			runtime.Gosched()
		}
	}
	if ts.head > len(ts.messages)/2 && ts.head > 0 {
		// compact so the backing slice doesn't grow unboundedly.
		ts.messages = append([]messageEntry(nil), ts.messages[ts.head:]...)
		ts.head = 0
	}
}

// AnyUnpoppedRecovered reports whether any tag is still waiting for its
// first post-recovery pop.
func (l *MemoryLog) AnyUnpoppedRecovered() bool {
	for _, byID := range l.tagData {
		for _, ts := range byID {
			if ts.UnpoppedRecovered {
				return true
			}
		}
	}
	return false
}

// Retire removes a tag's state entirely once it has been popped past the
// generation's final version and holds no in-memory or spilled data. The
// same tag identity must not be re-created within one generation after
// retirement, so callers must not call TagState/CommitMessages for it again.
func (l *MemoryLog) Retire(t tag.Tag) {
	idx := tag.Index(t.Locality)
	if byID, ok := l.tagData[idx]; ok {
		delete(byID, t.ID)
	}
}

// RestorePopped seeds a tag's popped cursor from a persisted TagPop/* KV
// entry during recovery, before any message has been replayed for it.
func (l *MemoryLog) RestorePopped(t tag.Tag, popped int64) {
	ts := l.tagState(t, true)
	ts.Popped = popped
}
