package recovery

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chn0318/tlogd/commit"
	"github.com/chn0318/tlogd/diskqueue"
	"github.com/chn0318/tlogd/generation"
	"github.com/chn0318/tlogd/kvindex"
	"github.com/chn0318/tlogd/memlog"
	"github.com/chn0318/tlogd/peek"
	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/tlogqueue"
	"github.com/chn0318/tlogd/tlogsvc"
	"github.com/chn0318/tlogd/transport"
)

// newServedGeneration stands one generation up behind a listening
// transport, returning its address, tokens, and commit path.
func newServedGeneration(t *testing.T) (addr string, iface tlogsvc.Interface, path *commit.Path) {
	t.Helper()
	dir := t.TempDir()

	disk, err := diskqueue.Open(filepath.Join(dir, "q.dat"))
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	q := tlogqueue.New(disk)

	kv, err := kvindex.OpenMemoryStore(filepath.Join(dir, "kv.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	gen := generation.New(uuid.New(), 1, 0, 1)
	gen.Initialize(0)
	require.NoError(t, gen.StartServing())

	path = &commit.Path{
		Gen:                gen,
		Queue:              q,
		CommitParams:       memlog.CommitParams{Locality: 0},
		HardLimitBytes:     1 << 20,
		WakeQueueCommitter: make(chan struct{}, 1),
	}
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
				v := path.Gen.Version.Get()
				if v > path.Gen.QueueCommittedVersion.Get() {
					_ = path.Queue.Commit()
					path.Gen.QueueCommittedVersion.Set(v)
				}
			}
		}
	}()

	peekSvc := peek.NewService(gen, kv, disk, 1<<20, 4, 64, time.Minute)
	srv := tlogsvc.NewServer(gen, path, peekSvc, disk, "pred-test")
	srv.SetQueueCommittedWaiter(func(target int64) error {
		for gen.QueueCommittedVersion.Get() < target {
			time.Sleep(time.Millisecond)
		}
		return nil
	})

	serverT := transport.New(0, false)
	iface = srv.Register(serverT)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go serverT.Serve(ln)
	t.Cleanup(serverT.Stop)

	return ln.Addr().String(), iface, path
}

func TestClientPoolRoundRobins(t *testing.T) {
	p := clientPool{targets: []Target{{Addr: "a"}, {Addr: "b"}, {Addr: "c"}}}
	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, p.pick().Addr)
	}
	require.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestPullerRecoversPredecessorHistory(t *testing.T) {
	predAddr, predIface, predPath := newServedGeneration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tg := tag.Tag{Locality: 0, ID: 6}
	prev := int64(0)
	for _, w := range []struct {
		version int64
		body    string
	}{{10, "a"}, {11, "b"}, {12, "c"}} {
		_, err := predPath.Commit(ctx, commit.Request{
			PrevVersion: prev,
			Version:     w.version,
			Messages: []memlog.TaggedMessage{
				{Tags: []tag.Tag{tg}, Data: []byte(w.body)},
			},
		})
		require.NoError(t, err)
		prev = w.version
	}

	_, _, newPath := newServedGeneration(t)
	clientT := transport.New(0, false)
	t.Cleanup(clientT.Stop)

	puller := NewPuller(tlogsvc.NewClient(clientT), PredecessorConfig{
		Targets:               []Target{{Addr: predAddr, Iface: predIface}},
		RecoverTags:           []tag.Tag{tg},
		KnownCommittedVersion: 0,
		RecoverAt:             15,
	})
	require.NoError(t, puller.Pull(ctx, newPath))

	g := newPath.Gen
	require.Equal(t, int64(15), g.Version.Get(), "boundary entry lands on recover_at")
	require.Equal(t, int64(15), g.GetKnownCommitted())

	ts := g.Log.TagState(tg)
	require.NotNil(t, ts)
	require.Equal(t, 3, ts.Len())
	msgs := ts.Messages()
	require.Equal(t, int64(10), msgs[0].Version)
	require.Equal(t, []byte("a"), msgs[0].Data)
	require.Equal(t, int64(12), msgs[2].Version)
	require.Equal(t, []byte("c"), msgs[2].Data)
}
