// Package diskqueue implements an append-only framed byte log with a
// recovery cursor, pop-to-offset reclaim, and torn-tail tolerance. It knows
// nothing about record framing -- that is tlogqueue's job.
package diskqueue

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// StorageBytes reports the disk-queue's view of its backing filesystem.
type StorageBytes struct {
	Free      int64
	Total     int64
	Used      int64
	Available int64
}

// Queue is a single append-only file plus a popped-prefix offset. Real
// multi-file recycling is out of scope here; pop only
// records the reclaimable prefix so tlogqueue's forget_before logic has
// somewhere to report into, and a background compactor (not included)
// could later punch holes using that offset.
type Queue struct {
	mu   sync.Mutex
	path string
	file *os.File

	nextPush int64 // offset the next push will land at (== durable file size once committed)
	readPos  int64 // recovery read cursor
	popped   int64 // smallest offset a reader may still need
}

// Open opens or creates the queue file at path.
func Open(path string) (*Queue, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskqueue: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Queue{
		path:     path,
		file:     f,
		nextPush: info.Size(),
	}, nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file.Close()
}

// Push stages bytes at the current write offset and returns that offset.
// Durability is not implied until Commit returns.
func (q *Queue) Push(b []byte) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	off := q.nextPush
	if _, err := q.file.WriteAt(b, off); err != nil {
		return 0, fmt.Errorf("diskqueue: push at %d: %w", off, err)
	}
	q.nextPush += int64(len(b))
	return off, nil
}

// Commit is the durable barrier: once it returns nil, every prior Push is
// recoverable in order.
func (q *Queue) Commit() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file.Sync()
}

// Pop declares that no reader will ever need bytes before uptoOffset again.
func (q *Queue) Pop(uptoOffset int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if uptoOffset > q.popped {
		q.popped = uptoOffset
	}
}

// ReadNext reads up to n bytes starting at the current read cursor, used
// only during recovery replay. It returns fewer than n bytes at the true
// end of the file and advances the cursor by exactly what was read; callers
// (tlogqueue) are responsible for detecting torn records from a short read.
func (q *Queue) ReadNext(n int) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	buf := make([]byte, n)
	read, err := q.file.ReadAt(buf, q.readPos)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("diskqueue: read at %d: %w", q.readPos, err)
	}
	q.readPos += int64(read)
	return buf[:read], nil
}

// ReadRange performs a random (non-sequential) read of [offset, offset+n),
// used by peek to resolve a spilled reference back into message bytes
// without disturbing the recovery read cursor.
func (q *Queue) ReadRange(offset int64, n int) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// A range overlapping a popped prefix is surfaced as a normal (possibly
	// short) read; it is up to the caller to decide whether that is
	// acceptable for the record it's trying to resolve.
	buf := make([]byte, n)
	read, err := q.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("diskqueue: read range at %d: %w", offset, err)
	}
	return buf[:read], nil
}

// InitializeRecovery positions the read cursor at minOffset and reports
// whether the queue is entirely empty from that point on.
func (q *Queue) InitializeRecovery(minOffset int64) (empty bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.readPos = minOffset
	return minOffset >= q.nextPush, nil
}

// GetNextReadLocation returns the current recovery read cursor.
func (q *Queue) GetNextReadLocation() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readPos
}

// GetNextPushLocation returns the offset the next Push will land at.
func (q *Queue) GetNextPushLocation() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextPush
}

// ZeroFillAt overwrites [offset, offset+n) with zero bytes -- blanking a
// torn tail discovered during recovery -- and repositions both the read
// and push cursors to offset+n, re-establishing framing alignment before
// any new append.
func (q *Queue) ZeroFillAt(offset int64, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > 0 {
		zeros := make([]byte, n)
		if _, err := q.file.WriteAt(zeros, offset); err != nil {
			return fmt.Errorf("diskqueue: zero-fill at %d: %w", offset, err)
		}
	}
	end := offset + int64(n)
	q.readPos = end
	q.nextPush = end
	return q.file.Sync()
}

// GetStorageBytes reports filesystem usage for the volume backing the
// queue file, and the queue's own logical used/available figuring in the
// popped prefix.
func (q *Queue) GetStorageBytes() (StorageBytes, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stat unix.Statfs_t
	if err := unix.Statfs(q.path, &stat); err != nil {
		return StorageBytes{}, fmt.Errorf("diskqueue: statfs: %w", err)
	}
	total := int64(stat.Blocks) * int64(stat.Bsize)
	free := int64(stat.Bfree) * int64(stat.Bsize)
	avail := int64(stat.Bavail) * int64(stat.Bsize)
	used := q.nextPush - q.popped
	return StorageBytes{
		Free:      free,
		Total:     total,
		Used:      used,
		Available: avail,
	}, nil
}
