package kvindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// Memory op-log record tags. The log bounds itself with a periodic
// snapshot: OpSnapshotItem... OpSnapshotEnd is emitted by RunSnapshot and
// replaces the log file wholesale, standing in for a production engine's
// own parallel snapshot task.
const (
	opSet byte = iota
	opClear
	opSnapshotItem
	opSnapshotEnd
)

// MemoryStore is an in-memory ordered map backed by a small append-only
// write-ahead log for crash recovery, used as the simulation/test
// backend; the bbolt-backed Store is used in production.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte

	pending []pendingOp
	path    string
	log     *os.File
}

type pendingOp struct {
	clear    bool
	key      []byte
	value    []byte
	rangeEnd []byte
}

// OpenMemoryStore opens (and replays, if present) the op-log at path.
func OpenMemoryStore(path string) (*MemoryStore, error) {
	m := &MemoryStore{
		data: make(map[string][]byte),
		path: path,
	}
	if err := m.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("kvindex: open memory log %s: %w", path, err)
	}
	m.log = f
	return m, nil
}

func (m *MemoryStore) replay() error {
	f, err := os.Open(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kvindex: replay %s: %w", m.path, err)
	}
	defer f.Close()

	r := &countingReader{r: f}
	for {
		tag, err := readByte(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch tag {
		case opSet, opSnapshotItem:
			key, err := readBlob(r)
			if err != nil {
				return err
			}
			val, err := readBlob(r)
			if err != nil {
				return err
			}
			m.data[string(key)] = val
		case opClear:
			begin, err := readBlob(r)
			if err != nil {
				return err
			}
			end, err := readBlob(r)
			if err != nil {
				return err
			}
			m.clearLocked(Range{Begin: begin, End: end})
		case opSnapshotEnd:
			// marks the boundary of a snapshot; nothing to do on replay.
		default:
			return fmt.Errorf("kvindex: unknown op-log tag %d", tag)
		}
	}
	return nil
}

// Set stages (and immediately applies in memory) a key/value write; it
// becomes durable on the next Commit.
func (m *MemoryStore) Set(key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	m.pending = append(m.pending, pendingOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

// Clear stages (and immediately applies) a range clear.
func (m *MemoryStore) Clear(r Range) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked(r)
	m.pending = append(m.pending, pendingOp{clear: true, key: append([]byte(nil), r.Begin...), rangeEnd: append([]byte(nil), r.End...)})
}

func (m *MemoryStore) clearLocked(r Range) {
	for k := range m.data {
		if inRange([]byte(k), r) {
			delete(m.data, k)
		}
	}
}

func inRange(key []byte, r Range) bool {
	if cmp(key, r.Begin) < 0 {
		return false
	}
	if r.End != nil && cmp(key, r.End) >= 0 {
		return false
	}
	return true
}

// Commit flushes every pending op to the log file and fsyncs it: the
// durability barrier. All staged mutations survive together, or (on a
// crash before fsync returns) none do.
func (m *MemoryStore) Commit() error {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, op := range pending {
		if op.clear {
			buf.WriteByte(opClear)
			writeBlob(&buf, op.key)
			writeBlob(&buf, op.rangeEnd)
		} else {
			buf.WriteByte(opSet)
			writeBlob(&buf, op.key)
			writeBlob(&buf, op.value)
		}
	}
	if _, err := m.log.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("kvindex: commit write: %w", err)
	}
	return m.log.Sync()
}

// ReadValue returns the current (committed-or-staged) value for key.
func (m *MemoryStore) ReadValue(key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// ReadRange returns ordered results within r, capped by rowLimit and
// byteLimit (0 means unlimited).
func (m *MemoryStore) ReadRange(r Range, rowLimit, byteLimit int) ([]KV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if inRange([]byte(k), r) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]KV, 0, len(keys))
	bytesUsed := 0
	for _, k := range keys {
		v := m.data[k]
		if rowLimit > 0 && len(out) >= rowLimit {
			break
		}
		if byteLimit > 0 && bytesUsed+len(k)+len(v) > byteLimit {
			break
		}
		out = append(out, KV{Key: []byte(k), Value: append([]byte(nil), v...)})
		bytesUsed += len(k) + len(v)
	}
	return out, nil
}

// RunSnapshot bounds the op log's growth: it writes the entire live data
// set as OpSnapshotItem records terminated by OpSnapshotEnd into a fresh
// file, fsyncs it, and atomically replaces the old log.
func (m *MemoryStore) RunSnapshot() error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteByte(opSnapshotItem)
		writeBlob(&buf, []byte(k))
		writeBlob(&buf, m.data[k])
	}
	buf.WriteByte(opSnapshotEnd)
	m.mu.Unlock()

	tmp := m.path + ".snapshot-tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("kvindex: snapshot create: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("kvindex: snapshot write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	f.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.log.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("kvindex: snapshot rename: %w", err)
	}
	newLog, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	m.log = newLog
	return nil
}

// GetStorageBytes reports filesystem usage for the volume backing the log.
func (m *MemoryStore) GetStorageBytes() (StorageBytes, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(m.path, &stat); err != nil {
		return StorageBytes{}, fmt.Errorf("kvindex: statfs: %w", err)
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return StorageBytes{}, err
	}
	return StorageBytes{
		Free:      int64(stat.Bfree) * int64(stat.Bsize),
		Total:     int64(stat.Blocks) * int64(stat.Bsize),
		Used:      info.Size(),
		Available: int64(stat.Bavail) * int64(stat.Bsize),
	}, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.log.Close()
}

type countingReader struct {
	r io.Reader
}

func readByte(r *countingReader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readBlob(r *countingReader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeBlob(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}
