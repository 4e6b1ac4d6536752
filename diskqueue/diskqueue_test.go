package diskqueue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPushCommitReadNext(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(filepath.Join(dir, "queue.dat"))
	require.NoError(t, err)
	defer q.Close()

	off1, err := q.Push([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(0), off1)

	off2, err := q.Push([]byte("world"))
	require.NoError(t, err)
	require.Equal(t, int64(5), off2)

	require.NoError(t, q.Commit())
	require.Equal(t, int64(10), q.GetNextPushLocation())

	empty, err := q.InitializeRecovery(0)
	require.NoError(t, err)
	require.False(t, empty)

	got, err := q.ReadNext(10)
	require.NoError(t, err)
	require.Equal(t, []byte("helloworld"), got)
}

func TestInitializeRecoveryEmpty(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(filepath.Join(dir, "queue.dat"))
	require.NoError(t, err)
	defer q.Close()

	empty, err := q.InitializeRecovery(0)
	require.NoError(t, err)
	require.True(t, empty)
}

func TestTornTailShortRead(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(filepath.Join(dir, "queue.dat"))
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Push([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, q.Commit())

	_, _ = q.InitializeRecovery(0)
	got, err := q.ReadNext(100)
	require.NoError(t, err)
	require.Len(t, got, 10)
}

func TestZeroFillAdvancesCursors(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(filepath.Join(dir, "queue.dat"))
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Push([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, q.Commit())

	require.NoError(t, q.ZeroFillAt(3, 5))
	require.Equal(t, int64(8), q.GetNextReadLocation())
	require.Equal(t, int64(8), q.GetNextPushLocation())
}

func TestPopTracksPrefix(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(filepath.Join(dir, "queue.dat"))
	require.NoError(t, err)
	defer q.Close()

	_, _ = q.Push([]byte("0123456789"))
	require.NoError(t, q.Commit())

	sb, err := q.GetStorageBytes()
	require.NoError(t, err)
	require.Equal(t, int64(10), sb.Used)

	q.Pop(4)
	sb, err = q.GetStorageBytes()
	require.NoError(t, err)
	require.Equal(t, int64(6), sb.Used)
}
