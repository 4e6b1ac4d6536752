package commit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chn0318/tlogd/diskqueue"
	"github.com/chn0318/tlogd/generation"
	"github.com/chn0318/tlogd/memlog"
	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/tlogerr"
	"github.com/chn0318/tlogd/tlogqueue"
)

func newTestPath(t *testing.T) (*Path, *generation.Generation) {
	t.Helper()
	dir := t.TempDir()
	disk, err := diskqueue.Open(filepath.Join(dir, "q.dat"))
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	q := tlogqueue.New(disk)

	gen := generation.New(uuid.New(), 1, 0, 1)
	gen.Initialize(0)
	require.NoError(t, gen.StartServing())

	return &Path{
		Gen:                gen,
		Queue:              q,
		CommitParams:       memlog.CommitParams{Locality: 0},
		HardLimitBytes:     1 << 20,
		WakeQueueCommitter: make(chan struct{}, 1),
	}, gen
}

// driveQueueCommitter stands in for the queue-committer task: it commits
// the queue and advances QueueCommittedVersion to match Version.
func driveQueueCommitter(p *Path, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-time.After(2 * time.Millisecond):
			v := p.Gen.Version.Get()
			if v > p.Gen.QueueCommittedVersion.Get() {
				_ = p.Queue.Commit()
				p.Gen.QueueCommittedVersion.Set(v)
			}
		}
	}
}

func TestCommitSingleVersion(t *testing.T) {
	p, gen := newTestPath(t)
	stop := make(chan struct{})
	go driveQueueCommitter(p, stop)
	defer close(stop)

	req := Request{
		PrevVersion: 0,
		Version:     10,
		Messages: []memlog.TaggedMessage{
			{Tags: []tag.Tag{{Locality: 0, ID: 7}}, Data: []byte("a")},
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := p.Commit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, int64(10), gen.Version.Get())

	ts := gen.Log.TagState(tag.Tag{Locality: 0, ID: 7})
	require.NotNil(t, ts)
	require.Equal(t, 1, ts.Len())
}

func TestCommitRejectsWhenStopped(t *testing.T) {
	p, gen := newTestPath(t)
	gen.Stop()

	req := Request{PrevVersion: 0, Version: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := p.Commit(ctx, req)
	require.ErrorIs(t, err, tlogerr.ErrTLogStopped)
}

func TestDuplicateCommitIsIdempotent(t *testing.T) {
	p, gen := newTestPath(t)
	stop := make(chan struct{})
	go driveQueueCommitter(p, stop)
	defer close(stop)

	req := Request{PrevVersion: 0, Version: 5}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := p.Commit(ctx, req)
	require.NoError(t, err)

	// Replaying the same request (version <= current version) must not
	// advance state further, but must still return the same reply.
	dup := Request{PrevVersion: 0, Version: 5}
	second, err := p.Commit(ctx, dup)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int64(5), gen.Version.Get())
}
