// Package peek implements the peek/pop service that assembles replies
// from memory or spilled storage for tag subscribers, honoring
// per-subscriber sequence numbers and backpressure.
package peek

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/chn0318/tlogd/diskqueue"
	"github.com/chn0318/tlogd/generation"
	"github.com/chn0318/tlogd/kvindex"
	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/tlogerr"
	"github.com/chn0318/tlogd/wire"
)

// Request is a single peek request against one tag.
type Request struct {
	Tag             tag.Tag
	BeginVersion    int64
	ReturnIfBlocked bool
	OnlySpilled     bool

	HasSequence  bool
	SubscriberID string
	Sequence     int64
}

// Reply is the assembled response to a peek Request. EndVersion is the
// version the subscriber should ask from next: one past the generation's
// version when the reply was assembled, or the popped cursor when the
// request began below it.
type Reply struct {
	Messages                 []byte
	EndVersion               int64
	Popped                   bool
	PoppedVersion            int64
	MaxKnownVersion          int64
	MinKnownCommittedVersion int64
	BeginEcho                int64
	OnlySpilled              bool
}

// Service is the peek/pop service for one generation.
type Service struct {
	Gen      *generation.Generation
	KV       kvindex.Store
	Disk     *diskqueue.Queue
	Trackers *trackerRegistry

	PeekMemoryLimiter *semaphore.Weighted
	LogRouterReads    *semaphore.Weighted

	RefBatchLimit int // max number of TagMsgRef batch KVs read per peek

	// TranslatePseudoPop maps a pseudo-locality tag to the log-router tag
	// the surrounding log-system layer routes it to. The layer owning that
	// mapping is outside this process; nil leaves pseudo tags untranslated.
	TranslatePseudoPop func(tag.Tag) tag.Tag

	popMu             sync.Mutex
	ignorePops        bool
	ignorePopUID      uuid.UUID
	ignorePopDeadline time.Time
	toBePopped        map[tag.Tag]PopRequest
}

// NewService wires a Service with its bounded semaphores: a peek-memory
// byte budget and a cap on concurrent log-router peeks.
func NewService(gen *generation.Generation, kv kvindex.Store, disk *diskqueue.Queue, peekMemoryLimitBytes int64, logRouterConcurrency int64, sequenceWindow int, idleTTL time.Duration) *Service {
	return &Service{
		Gen:               gen,
		KV:                kv,
		Disk:              disk,
		Trackers:          newTrackerRegistry(sequenceWindow, idleTTL),
		PeekMemoryLimiter: semaphore.NewWeighted(peekMemoryLimitBytes),
		LogRouterReads:    semaphore.NewWeighted(logRouterConcurrency),
		RefBatchLimit:     64,
		toBePopped:        make(map[tag.Tag]PopRequest),
	}
}

// CleanupTrackers expires idle subscriber trackers; call periodically from
// the cleanup_peek_trackers background task.
func (s *Service) CleanupTrackers() { s.Trackers.Cleanup(time.Now()) }

// Peek resolves a Request into a Reply: it waits for the requested
// version to become visible, checks whether the tag has already been
// popped past it, and otherwise assembles message bytes from spilled
// storage and/or the in-memory log.
func (s *Service) Peek(ctx context.Context, req Request) (Reply, error) {
	begin := req.BeginVersion
	if req.HasSequence {
		tracker := s.Trackers.get(req.SubscriberID)
		b, err := tracker.WaitForBegin(ctx, req.Sequence, req.BeginVersion)
		if err != nil {
			return Reply{}, err
		}
		begin = b
	}

	if req.ReturnIfBlocked && s.Gen.Version.Get() < begin {
		return Reply{}, tlogerr.ErrEndOfStream
	}

	if err := s.Gen.Version.WaitAtLeast(ctx, begin); err != nil {
		return Reply{}, err
	}
	runtime.Gosched()

	if req.Tag.Locality == tag.LocalityLogRouter {
		if err := s.LogRouterReads.Acquire(ctx, 1); err != nil {
			return Reply{}, err
		}
		defer s.LogRouterReads.Release(1)
	}

	s.Gen.Log.Lock()
	var popped int64
	if ts := s.Gen.Log.TagState(req.Tag); ts != nil {
		popped = ts.Popped
	}
	s.Gen.Log.Unlock()

	if popped > begin {
		reply := Reply{
			Popped:                   true,
			PoppedVersion:            popped,
			EndVersion:               popped,
			MaxKnownVersion:          s.Gen.Version.Get(),
			MinKnownCommittedVersion: s.Gen.GetMinKnownCommitted(),
			BeginEcho:                begin,
			OnlySpilled:              req.OnlySpilled,
		}
		if req.HasSequence {
			if err := s.Trackers.get(req.SubscriberID).RecordEnd(req.Sequence, reply.EndVersion); err != nil {
				return Reply{}, err
			}
		}
		return reply, nil
	}

	var body bytes.Buffer
	durableVersion := s.Gen.GetPersistentDataDurableVersion()

	if !req.OnlySpilled && begin <= durableVersion {
		if req.Tag.IsTxs() {
			if err := s.appendValueSpilled(&body, req.Tag, begin, durableVersion); err != nil {
				return Reply{}, err
			}
		} else {
			if err := s.appendRefSpilled(ctx, &body, req.Tag, begin); err != nil {
				return Reply{}, err
			}
		}
	}

	// The spilled reads above run without the log's lock (they hit the KV
	// index and the disk queue); re-fetch the tag under the lock for the
	// in-memory tail, copying each message into the reply before
	// releasing it.
	s.Gen.Log.Lock()
	if ts := s.Gen.Log.TagState(req.Tag); ts != nil {
		for _, m := range ts.Messages() {
			if m.Version <= durableVersion {
				continue
			}
			if m.Version > s.Gen.Version.Get() {
				break
			}
			writeVersionedMessage(&body, m.Version, m.Data)
		}
	}
	s.Gen.Log.Unlock()

	// The reply's end is the next version to request: everything at
	// versions <= generation.version is included above, so the subscriber
	// resumes one past it.
	end := s.Gen.Version.Get() + 1
	reply := Reply{
		Messages:                 body.Bytes(),
		EndVersion:               end,
		MaxKnownVersion:          s.Gen.Version.Get(),
		MinKnownCommittedVersion: s.Gen.GetMinKnownCommitted(),
		BeginEcho:                begin,
		OnlySpilled:              req.OnlySpilled,
	}

	if req.HasSequence {
		tracker := s.Trackers.get(req.SubscriberID)
		if err := tracker.RecordEnd(req.Sequence, end); err != nil {
			return Reply{}, err
		}
	}
	return reply, nil
}

// PopRequest is the pop_messages endpoint's argument: every message with
// version < Upto for Tag can be discarded.
type PopRequest struct {
	Tag                   tag.Tag
	Upto                  int64
	DurableKnownCommitted int64
}

// Pop advances a tag's popped cursor and persists it, erasing the
// now-unneeded in-memory entries. It never removes spilled data directly;
// the spill loop's reclaim pass does that once every tag sharing a disk
// range has been popped past it.
//
// While the server is in ignore-pops mode (a disable_tlog_pop exec op
// with an unexpired deadline), the request is deferred into to_be_popped
// instead of applied; a pop arriving after the deadline replays every
// deferred request first.
func (s *Service) Pop(req PopRequest) error {
	if s.TranslatePseudoPop != nil && isPseudoLocality(req.Tag) {
		req.Tag = s.TranslatePseudoPop(req.Tag)
	}

	s.popMu.Lock()
	if s.ignorePops {
		if time.Now().Before(s.ignorePopDeadline) {
			if cur, ok := s.toBePopped[req.Tag]; !ok || req.Upto > cur.Upto {
				s.toBePopped[req.Tag] = req
			}
			s.popMu.Unlock()
			return nil
		}
		deferred := s.drainDeferredLocked()
		s.ignorePops = false
		s.popMu.Unlock()
		for _, d := range deferred {
			if err := s.popNow(d); err != nil {
				return err
			}
		}
	} else {
		s.popMu.Unlock()
	}
	return s.popNow(req)
}

func (s *Service) popNow(req PopRequest) error {
	s.Gen.AdvanceMinKnownCommitted(req.DurableKnownCommitted)

	s.Gen.Log.Lock()
	ts := s.Gen.Log.TagState(req.Tag)
	if ts == nil {
		s.Gen.Log.Unlock()
		return nil
	}
	if req.Upto <= ts.Popped {
		s.Gen.Log.Unlock()
		return nil
	}
	ts.Popped = req.Upto
	if req.Upto > s.Gen.GetPersistentDataDurableVersion() {
		s.Gen.Log.EraseMessagesBefore(req.Tag, req.Upto)
	}
	lastRecoveredTag := false
	if ts.UnpoppedRecovered && req.Upto > s.Gen.RecoveredAt {
		ts.UnpoppedRecovered = false
		lastRecoveredTag = !s.Gen.Log.AnyUnpoppedRecovered()
	}
	s.Gen.Log.Unlock()

	key := kvindex.KeyTagPop(s.Gen.ID, int8(req.Tag.Locality), req.Tag.ID)
	var val [8]byte
	binary.LittleEndian.PutUint64(val[:], uint64(req.Upto))
	s.KV.Set(key, val[:])

	if lastRecoveredTag && s.Gen.GetDurableKnownCommitted() >= s.Gen.RecoveredAt {
		s.Gen.SignalRecoveryComplete()
	}
	return nil
}

// SetIgnorePops enters ignore-pops mode for the operator identified by
// uid until deadline; pops arriving in the window accumulate in
// to_be_popped.
func (s *Service) SetIgnorePops(uid uuid.UUID, deadline time.Time) {
	s.popMu.Lock()
	defer s.popMu.Unlock()
	s.ignorePops = true
	s.ignorePopUID = uid
	s.ignorePopDeadline = deadline
}

// EnablePops leaves ignore-pops mode (if uid matches the operator that
// entered it) and replays every deferred pop.
func (s *Service) EnablePops(uid uuid.UUID) error {
	s.popMu.Lock()
	if !s.ignorePops || s.ignorePopUID != uid {
		s.popMu.Unlock()
		return nil
	}
	s.ignorePops = false
	deferred := s.drainDeferredLocked()
	s.popMu.Unlock()

	for _, d := range deferred {
		if err := s.popNow(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) drainDeferredLocked() []PopRequest {
	out := make([]PopRequest, 0, len(s.toBePopped))
	for _, d := range s.toBePopped {
		out = append(out, d)
	}
	s.toBePopped = make(map[tag.Tag]PopRequest)
	return out
}

// isPseudoLocality reports whether a tag belongs to one of the reserved
// routing classes the log-system layer remaps before a pop lands on a
// real log-router tag.
func isPseudoLocality(t tag.Tag) bool {
	return t.Locality < 0 && t.Locality != tag.LocalityLogRouter && !t.IsTxs()
}

// appendValueSpilled reads the value-spill range for the txs tag directly.
func (s *Service) appendValueSpilled(body *bytes.Buffer, t tag.Tag, begin, durableVersion int64) error {
	r := kvindex.Range{
		Begin: kvindex.KeyTagMsg(s.Gen.ID, int8(t.Locality), t.ID, begin),
		End:   kvindex.KeyTagMsg(s.Gen.ID, int8(t.Locality), t.ID, durableVersion+1),
	}
	kvs, err := s.KV.ReadRange(r, 0, 0)
	if err != nil {
		return fmt.Errorf("peek: value-spill range read: %w", err)
	}
	for _, kv := range kvs {
		version := decodeVersionSuffix(kv.Key)
		writeVersionedMessage(body, version, kv.Value)
	}
	return nil
}

// appendRefSpilled reads up to RefBatchLimit TagMsgRef batches, decodes
// their Spilled-Reference records, and resolves each one back through the
// disk queue.
func (s *Service) appendRefSpilled(ctx context.Context, body *bytes.Buffer, t tag.Tag, begin int64) error {
	r := kvindex.KeyTagMsgRefRangeForTag(s.Gen.ID, int8(t.Locality), t.ID)
	kvs, err := s.KV.ReadRange(r, s.RefBatchLimit, 0)
	if err != nil {
		return fmt.Errorf("peek: ref-spill range read: %w", err)
	}
	for _, kv := range kvs {
		refs, err := wire.DecodeSpilledRefs(kv.Value)
		if err != nil {
			return fmt.Errorf("peek: decode spilled refs: %w", err)
		}
		for _, ref := range refs {
			if ref.Version < begin {
				continue
			}
			if err := s.PeekMemoryLimiter.Acquire(ctx, int64(ref.ByteLength)); err != nil {
				return err
			}
			raw, err := s.Disk.ReadRange(ref.DiskStartOffset, int(ref.ByteLength))
			s.PeekMemoryLimiter.Release(int64(ref.ByteLength))
			if err != nil {
				return fmt.Errorf("peek: resolving spilled reference: %w", err)
			}
			messages, err := wire.DecodeBatch(raw)
			if err != nil {
				return fmt.Errorf("peek: decoding resolved batch: %w", err)
			}
			logRouters := s.Gen.LogRouters
			for _, data := range wire.FilterByTag(messages, t, logRouters) {
				writeVersionedMessage(body, ref.Version, data)
			}
		}
	}
	return nil
}

func writeVersionedMessage(body *bytes.Buffer, version int64, data []byte) {
	var hdr [4 + 8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xFFFFFFFF) // i32(-1) marker
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(version))
	body.Write(hdr[:])
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	body.Write(lenBuf[:])
	body.Write(data)
}

// VersionedMessage is one (version, data) pair decoded back out of a
// Reply.Messages stream, the inverse of writeVersionedMessage.
type VersionedMessage struct {
	Version int64
	Data    []byte
}

// DecodeVersionedMessages parses a Reply.Messages byte stream into its
// individual (version, data) records, for a caller that needs to re-commit
// peeked messages elsewhere (the recover-from-predecessor path pulls a
// predecessor generation's tag history this way).
func DecodeVersionedMessages(body []byte) ([]VersionedMessage, error) {
	var out []VersionedMessage
	for len(body) > 0 {
		if len(body) < 4+8+4 {
			return nil, fmt.Errorf("peek: truncated versioned message header")
		}
		marker := binary.LittleEndian.Uint32(body[0:4])
		if marker != 0xFFFFFFFF {
			return nil, fmt.Errorf("peek: unexpected versioned message marker %#x", marker)
		}
		version := int64(binary.LittleEndian.Uint64(body[4:12]))
		n := binary.LittleEndian.Uint32(body[12:16])
		body = body[16:]
		if uint32(len(body)) < n {
			return nil, fmt.Errorf("peek: truncated versioned message payload")
		}
		out = append(out, VersionedMessage{Version: version, Data: body[:n]})
		body = body[n:]
	}
	return out, nil
}

func decodeVersionSuffix(key []byte) int64 {
	if len(key) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}
