// Package mapservice is the in-memory key index a storage replica builds
// from the tagged mutations it consumes off a TLog: the latest value and
// the commit version that last wrote each key.
package mapservice

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// KeyMeta stores a key's latest value and the version of the commit that
// last updated it.
type KeyMeta struct {
	Value   []byte
	Version int64
}

// Mutation is one decoded key write carried in a TLog message body.
type Mutation struct {
	Key   string
	Value []byte
}

// EncodeMutation renders a key write as TLog message bytes:
// u16 keyLen | key | value.
func EncodeMutation(m Mutation) []byte {
	buf := make([]byte, 0, 2+len(m.Key)+len(m.Value))
	var kl [2]byte
	binary.LittleEndian.PutUint16(kl[:], uint16(len(m.Key)))
	buf = append(buf, kl[:]...)
	buf = append(buf, m.Key...)
	buf = append(buf, m.Value...)
	return buf
}

// DecodeMutation parses bytes produced by EncodeMutation.
func DecodeMutation(b []byte) (Mutation, error) {
	if len(b) < 2 {
		return Mutation{}, fmt.Errorf("mapservice: mutation too short: %d bytes", len(b))
	}
	keyLen := int(binary.LittleEndian.Uint16(b[0:2]))
	if len(b) < 2+keyLen {
		return Mutation{}, fmt.Errorf("mapservice: truncated key: want %d have %d", keyLen, len(b)-2)
	}
	return Mutation{
		Key:   string(b[2 : 2+keyLen]),
		Value: append([]byte(nil), b[2+keyLen:]...),
	}, nil
}

// MapService maintains the key -> (value, version) mapping for one
// replica, tracking the highest version applied so consumption can resume
// from there after a restart.
type MapService struct {
	mu sync.RWMutex
	m  map[string]KeyMeta

	maxVersion int64
}

// NewMapService creates an empty in-memory map service.
func NewMapService() *MapService {
	return &MapService{
		m: make(map[string]KeyMeta),
	}
}

// Apply records one mutation at version. Versions arrive in order from
// the TLog, so a mutation at or below the key's current version is a
// replayed duplicate and is ignored.
func (s *MapService) Apply(version int64, m Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta, ok := s.m[m.Key]; ok && version <= meta.Version {
		return
	}
	s.m[m.Key] = KeyMeta{Value: m.Value, Version: version}
	if version > s.maxVersion {
		s.maxVersion = version
	}
}

// Get returns a key's latest meta.
func (s *MapService) Get(key string) (KeyMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.m[key]
	return meta, ok
}

// MaxVersion returns the highest version applied so far -- the version a
// replica pops up to and resumes peeking from.
func (s *MapService) MaxVersion() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxVersion
}

// Len reports the number of live keys.
func (s *MapService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
