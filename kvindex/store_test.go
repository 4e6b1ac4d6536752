package kvindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	mem, err := OpenMemoryStore(filepath.Join(dir, "mem.log"))
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	bolt, err := OpenBoltStore(filepath.Join(dir, "bolt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]Store{"memory": mem, "bolt": bolt}
}

func TestSetCommitReadValue(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			s.Set([]byte("k1"), []byte("v1"))
			require.NoError(t, s.Commit())

			v, ok, err := s.ReadValue([]byte("k1"))
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, []byte("v1"), v)

			_, ok, err = s.ReadValue([]byte("missing"))
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestReadRangeOrdered(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			s.Set([]byte("b"), []byte("2"))
			s.Set([]byte("a"), []byte("1"))
			s.Set([]byte("c"), []byte("3"))
			require.NoError(t, s.Commit())

			kvs, err := s.ReadRange(Range{Begin: []byte("a"), End: []byte("z")}, 0, 0)
			require.NoError(t, err)
			require.Len(t, kvs, 3)
			require.Equal(t, []byte("a"), kvs[0].Key)
			require.Equal(t, []byte("b"), kvs[1].Key)
			require.Equal(t, []byte("c"), kvs[2].Key)
		})
	}
}

func TestClearRange(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			s.Set([]byte("a"), []byte("1"))
			s.Set([]byte("b"), []byte("2"))
			require.NoError(t, s.Commit())

			s.Clear(Range{Begin: []byte("a"), End: []byte("b")})
			require.NoError(t, s.Commit())

			_, ok, err := s.ReadValue([]byte("a"))
			require.NoError(t, err)
			require.False(t, ok)

			_, ok, err = s.ReadValue([]byte("b"))
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestRowAndByteLimits(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"a", "b", "c", "d"} {
				s.Set([]byte(k), []byte("x"))
			}
			require.NoError(t, s.Commit())

			kvs, err := s.ReadRange(Range{Begin: []byte("a"), End: nil}, 2, 0)
			require.NoError(t, err)
			require.Len(t, kvs, 2)
		})
	}
}

func TestMemoryStoreRecoversFromLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mem.log")

	s, err := OpenMemoryStore(path)
	require.NoError(t, err)
	s.Set([]byte("k"), []byte("v"))
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	s2, err := OpenMemoryStore(path)
	require.NoError(t, err)
	defer s2.Close()
	v, ok, err := s2.ReadValue([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestMemoryStoreSnapshotBoundsLogAndReplays(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mem.log")

	s, err := OpenMemoryStore(path)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		s.Set([]byte(k), []byte("val-"+k))
	}
	require.NoError(t, s.Commit())
	s.Clear(Range{Begin: []byte("b"), End: []byte("c")})
	require.NoError(t, s.Commit())

	require.NoError(t, s.RunSnapshot())
	require.NoError(t, s.Close())

	s2, err := OpenMemoryStore(path)
	require.NoError(t, err)
	defer s2.Close()

	_, ok, err := s2.ReadValue([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok)
	v, ok, err := s2.ReadValue([]byte("c"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("val-c"), v)
}

func TestKeyNamespaceHelpersRoundTrip(t *testing.T) {
	require.Equal(t, "Format", string(KeyFormat()))
	require.Equal(t, "recoveryLocation", string(KeyRecoveryLocation()))
}

func TestPrefixEnd(t *testing.T) {
	require.Equal(t, []byte{0x01}, prefixEnd([]byte{0x00}))
	require.Nil(t, prefixEnd([]byte{0xFF}))
}
