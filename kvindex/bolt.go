package kvindex

import (
	"fmt"
	"os"

	"go.etcd.io/bbolt"
	"golang.org/x/sys/unix"
)

var bucketName = []byte("tlog")

// BoltStore is the production backend: a single bbolt bucket gives us
// ordered range scans, prefix clears, and atomic batch commit for free.
type BoltStore struct {
	db   *bbolt.DB
	path string

	tx      *bbolt.Tx
	pending bool
}

// OpenBoltStore opens (creating if necessary) a bbolt-backed store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("kvindex: open bbolt %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	s := &BoltStore{db: db, path: path}
	if err := s.beginTx(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) beginTx() error {
	tx, err := s.db.Begin(true)
	if err != nil {
		return fmt.Errorf("kvindex: begin tx: %w", err)
	}
	s.tx = tx
	s.pending = false
	return nil
}

func (s *BoltStore) bucket() *bbolt.Bucket {
	return s.tx.Bucket(bucketName)
}

// Set stages a write in the open transaction.
func (s *BoltStore) Set(key, value []byte) {
	_ = s.bucket().Put(key, value)
	s.pending = true
}

// Clear stages a range delete in the open transaction.
func (s *BoltStore) Clear(r Range) {
	b := s.bucket()
	c := b.Cursor()
	var k []byte
	if r.Begin != nil {
		k, _ = c.Seek(r.Begin)
	} else {
		k, _ = c.First()
	}
	for ; k != nil; k, _ = c.Next() {
		if r.End != nil && cmp(k, r.End) >= 0 {
			break
		}
		if err := b.Delete(k); err != nil {
			break
		}
	}
	s.pending = true
}

// Commit commits the open transaction (bbolt fsyncs by default) and opens
// a fresh one for subsequent staged mutations.
func (s *BoltStore) Commit() error {
	if !s.pending {
		if err := s.tx.Rollback(); err != nil {
			return fmt.Errorf("kvindex: rollback: %w", err)
		}
		return s.beginTx()
	}
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("kvindex: commit: %w", err)
	}
	return s.beginTx()
}

// ReadValue reads key from the currently open transaction's view (so a
// caller sees its own uncommitted staged writes, as bbolt transactions do).
func (s *BoltStore) ReadValue(key []byte) ([]byte, bool, error) {
	v := s.bucket().Get(key)
	if v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// ReadRange returns ordered results within r, capped by rowLimit/byteLimit.
func (s *BoltStore) ReadRange(r Range, rowLimit, byteLimit int) ([]KV, error) {
	b := s.bucket()
	c := b.Cursor()
	var out []KV
	used := 0
	var k, v []byte
	if r.Begin != nil {
		k, v = c.Seek(r.Begin)
	} else {
		k, v = c.First()
	}
	for ; k != nil; k, v = c.Next() {
		if r.End != nil && cmp(k, r.End) >= 0 {
			break
		}
		if rowLimit > 0 && len(out) >= rowLimit {
			break
		}
		if byteLimit > 0 && used+len(k)+len(v) > byteLimit {
			break
		}
		out = append(out, KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
		used += len(k) + len(v)
	}
	return out, nil
}

// GetStorageBytes reports filesystem usage for the volume backing the db.
func (s *BoltStore) GetStorageBytes() (StorageBytes, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(s.path, &stat); err != nil {
		return StorageBytes{}, fmt.Errorf("kvindex: statfs: %w", err)
	}
	info, err := os.Stat(s.path)
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

func (s *BoltStore) Close() error {
	_ = s.tx.Rollback()
	return s.db.Close()
}
