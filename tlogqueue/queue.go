// Package tlogqueue is a typed wrapper over a diskqueue.Queue
// that frames length-prefixed, versioned Queue Entries and replays them on
// recovery until end-of-stream.
package tlogqueue

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/chn0318/tlogd/diskqueue"
	"github.com/chn0318/tlogd/tlogerr"
)

// ProtocolVersion is the framing tag written at the front of every record's
// payload so a future incompatible layout can be detected during replay.
const ProtocolVersion uint64 = 1

const validFlag = 0x01

// entryHeaderLen is the byte length of everything in an encoded Entry
// payload before the batch bytes: protocol version + generation id +
// version + known-committed version + batch length.
const entryHeaderLen = 8 + 16 + 8 + 8 + 4

// outerHeaderLen is the byte length of the length prefix written before
// the encoded Entry payload.
const outerHeaderLen = 4

// Entry is one framed record: what is actually pushed into the disk queue.
type Entry struct {
	GenerationID          uuid.UUID
	Version               int64
	KnownCommittedVersion int64
	Batch                 []byte
}

// Location describes where a pushed record sits in the underlying disk
// queue. Start/End bound only the batch payload -- the span a
// reference-spill can hand to diskqueue.ReadRange and feed straight to
// wire.DecodeBatch -- while RecordStart is the framed record's own
// boundary (length prefix, header, valid flag), the only offset the
// recovery cursor may be positioned at.
type Location struct {
	RecordStart int64
	Start       int64
	End         int64
}

// Queue frames Entry values over a diskqueue.Queue.
type Queue struct {
	disk *diskqueue.Queue

	// mu guards versionLocation, which the commit path writes (Push)
	// while the spill loop reads and trims it (LocationFor/ForgetBefore).
	mu sync.Mutex
	// versionLocation indexes every pushed record's on-disk location by
	// version, trimmed by ForgetBefore. The queue's own bytes are reclaimed
	// only by Pop.
	versionLocation map[int64]Location

	lastGoodEnd int64 // offset just past the last record ReadNext parsed cleanly
}

// New wraps disk as a tlogqueue.
func New(disk *diskqueue.Queue) *Queue {
	return &Queue{
		disk:            disk,
		versionLocation: make(map[int64]Location),
	}
}

func encodeEntry(e Entry) []byte {
	var buf bytes.Buffer
	var hdr [8 + 16 + 8 + 8 + 4]byte
	binary.LittleEndian.PutUint64(hdr[0:8], ProtocolVersion)
	copy(hdr[8:24], e.GenerationID[:])
	binary.LittleEndian.PutUint64(hdr[24:32], uint64(e.Version))
	binary.LittleEndian.PutUint64(hdr[32:40], uint64(e.KnownCommittedVersion))
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(e.Batch)))
	buf.Write(hdr[:])
	buf.Write(e.Batch)
	return buf.Bytes()
}

func decodeEntry(payload []byte) (Entry, error) {
	const minLen = 8 + 16 + 8 + 8 + 4
	if len(payload) < minLen {
		return Entry{}, fmt.Errorf("tlogqueue: payload too short: %d bytes", len(payload))
	}
	protoVer := binary.LittleEndian.Uint64(payload[0:8])
	if protoVer != ProtocolVersion {
		return Entry{}, fmt.Errorf("tlogqueue: %w: got %d, want %d",
			tlogerr.ErrIncompatibleProtocolVersion, protoVer, ProtocolVersion)
	}
	var e Entry
	copy(e.GenerationID[:], payload[8:24])
	e.Version = int64(binary.LittleEndian.Uint64(payload[24:32]))
	e.KnownCommittedVersion = int64(binary.LittleEndian.Uint64(payload[32:40]))
	batchLen := binary.LittleEndian.Uint32(payload[40:44])
	if uint32(len(payload)-minLen) < batchLen {
		return Entry{}, fmt.Errorf("tlogqueue: truncated batch: have %d want %d", len(payload)-minLen, batchLen)
	}
	e.Batch = append([]byte(nil), payload[minLen:minLen+int(batchLen)]...)
	return e, nil
}

// Push frames e as record = u32 len | payload | u8 validFlag(=1) and
// returns the disk-queue offsets it occupies.
func (q *Queue) Push(e Entry) (Location, error) {
	payload := encodeEntry(e)
	record := make([]byte, 0, 4+len(payload)+1)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	record = append(record, lenBuf[:]...)
	record = append(record, payload...)
	record = append(record, validFlag)

	start, err := q.disk.Push(record)
	if err != nil {
		return Location{}, err
	}
	batchStart := start + outerHeaderLen + entryHeaderLen
	loc := Location{RecordStart: start, Start: batchStart, End: batchStart + int64(len(e.Batch))}
	q.mu.Lock()
	q.versionLocation[e.Version] = loc
	q.mu.Unlock()
	return loc, nil
}

// Commit delegates to the underlying disk queue's durable barrier.
func (q *Queue) Commit() error {
	return q.disk.Commit()
}

// Pop delegates to the underlying disk queue.
func (q *Queue) Pop(uptoOffset int64) {
	q.disk.Pop(uptoOffset)
}

// ForgetBefore trims the version_location index; the queue's bytes
// themselves are reclaimed only via Pop.
func (q *Queue) ForgetBefore(version int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for v := range q.versionLocation {
		if v < version {
			delete(q.versionLocation, v)
		}
	}
}

// NextPushLocation reports the disk offset the next pushed record will
// start at.
func (q *Queue) NextPushLocation() int64 {
	return q.disk.GetNextPushLocation()
}

// LocationFor returns the recorded disk location for a version, if present.
func (q *Queue) LocationFor(version int64) (Location, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	loc, ok := q.versionLocation[version]
	return loc, ok
}

// InitializeRecovery positions the replay cursor and records the starting
// point as the last known-good boundary.
func (q *Queue) InitializeRecovery(minOffset int64) (empty bool, err error) {
	empty, err = q.disk.InitializeRecovery(minOffset)
	q.lastGoodEnd = minOffset
	return empty, err
}

// ReadNext parses the next framed Entry. On a partial header or partial
// payload it zero-fills the torn remainder and returns ErrEndOfStream. On
// a complete header whose trailing byte is not validFlag, it treats the
// record as a never-committed torn write, zero-fills it away, and also
// returns ErrEndOfStream.
func (q *Queue) ReadNext() (Entry, error) {
	lenBytes, err := q.disk.ReadNext(4)
	if err != nil {
		return Entry{}, err
	}
	if len(lenBytes) < 4 {
		return Entry{}, q.tornTail(len(lenBytes))
	}
	payloadLen := int(binary.LittleEndian.Uint32(lenBytes))

	rest, err := q.disk.ReadNext(payloadLen + 1)
	if err != nil {
		return Entry{}, err
	}
	if len(rest) < payloadLen+1 {
		return Entry{}, q.tornTail(4 + len(rest))
	}
	payload := rest[:payloadLen]
	flag := rest[payloadLen]
	if flag != validFlag {
		return Entry{}, q.tornTail(4 + len(rest))
	}

	e, err := decodeEntry(payload)
	if err != nil {
		return Entry{}, q.tornTail(4 + len(rest))
	}
	recordLen := 4 + payloadLen + 1
	batchStart := q.lastGoodEnd + outerHeaderLen + entryHeaderLen
	loc := Location{RecordStart: q.lastGoodEnd, Start: batchStart, End: batchStart + int64(len(e.Batch))}
	q.mu.Lock()
	q.versionLocation[e.Version] = loc
	q.mu.Unlock()
	q.lastGoodEnd += int64(recordLen)
	return e, nil
}

// tornTail computes the exact zero-fill needed to restore framing
// alignment at the last known-good boundary and signals end of stream.
func (q *Queue) tornTail(consumedSinceGood int) error {
	garbageLen := consumedSinceGood
	if err := q.disk.ZeroFillAt(q.lastGoodEnd, garbageLen); err != nil {
		return fmt.Errorf("tlogqueue: repairing torn tail: %w", err)
	}
	// Rewind both cursors to the boundary so the next append overwrites
	// the blanked bytes instead of landing after them.
	if err := q.disk.ZeroFillAt(q.lastGoodEnd, 0); err != nil {
		return fmt.Errorf("tlogqueue: repairing torn tail: %w", err)
	}
	return tlogerr.ErrEndOfStream
}
