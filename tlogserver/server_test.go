package tlogserver

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chn0318/tlogd/commit"
	"github.com/chn0318/tlogd/config"
	"github.com/chn0318/tlogd/diskqueue"
	"github.com/chn0318/tlogd/generation"
	"github.com/chn0318/tlogd/kvindex"
	"github.com/chn0318/tlogd/memlog"
	"github.com/chn0318/tlogd/peek"
	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/wire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.ListenAddr = "127.0.0.1:0"
	srv, err := Open(cfg, log.New(os.Stderr, "test: ", 0))
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestRecruitStartsServingGeneration(t *testing.T) {
	srv := newTestServer(t)

	id, iface, err := srv.Recruit(0, 1)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)
	require.NotZero(t, iface.Commit.Low)
	require.Equal(t, 1, srv.GenerationCount())

	got, ok := srv.Interface(id)
	require.True(t, ok)
	require.Equal(t, iface, got)
}

func TestRecruitStopsPriorGeneration(t *testing.T) {
	srv := newTestServer(t)

	first, _, err := srv.Recruit(0, 1)
	require.NoError(t, err)
	_, _, err = srv.Recruit(0, 1)
	require.NoError(t, err)

	srv.mu.Lock()
	h := srv.generations[first]
	srv.mu.Unlock()
	require.True(t, h.gen.Stopped())
}

func newExecFixture(t *testing.T) (*Server, *peek.Service, *generation.Generation, commit.ExecHandler) {
	t.Helper()
	srv := newTestServer(t)

	dir := t.TempDir()
	disk, err := diskqueue.Open(filepath.Join(dir, "q.dat"))
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	kv, err := kvindex.OpenMemoryStore(filepath.Join(dir, "kv.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	gen := generation.New(uuid.New(), 1, 0, 1)
	gen.Initialize(0)
	require.NoError(t, gen.StartServing())

	peekSvc := peek.NewService(gen, kv, disk, 1<<20, 4, 8, time.Minute)
	return srv, peekSvc, gen, srv.execHandler(peekSvc)
}

func TestExecHandlerDisableAndEnablePop(t *testing.T) {
	_, peekSvc, gen, handler := newExecFixture(t)
	tg := tag.Tag{Locality: 0, ID: 1}
	gen.Log.CommitMessages(3, []memlog.TaggedMessage{
		{Tags: []tag.Tag{tg}, Data: []byte("x")},
	}, memlog.CommitParams{Locality: 0})
	gen.Version.Set(3)

	uid := uuid.New()
	disable := wire.EncodeExecOp(wire.ExecOp{
		Kind:         wire.ExecDisablePop,
		UID:          uid,
		DeadlineUnix: time.Now().Add(time.Minute).UnixNano(),
	})
	require.NoError(t, handler(commit.Request{
		HasExecOp: true,
		Messages:  []memlog.TaggedMessage{{Tags: []tag.Tag{tag.TxsTag}, Data: disable}},
	}))

	require.NoError(t, peekSvc.Pop(peek.PopRequest{Tag: tg, Upto: 3}))
	require.Equal(t, int64(0), gen.Log.TagState(tg).Popped)

	enable := wire.EncodeExecOp(wire.ExecOp{Kind: wire.ExecEnablePop, UID: uid})
	require.NoError(t, handler(commit.Request{
		HasExecOp: true,
		Messages:  []memlog.TaggedMessage{{Tags: []tag.Tag{tag.TxsTag}, Data: enable}},
	}))
	require.Equal(t, int64(3), gen.Log.TagState(tg).Popped)
}

func TestExecHandlerSnapWithoutCommandFails(t *testing.T) {
	_, _, _, handler := newExecFixture(t)

	snap := wire.EncodeExecOp(wire.ExecOp{Kind: wire.ExecSnap, UID: uuid.New()})
	err := handler(commit.Request{
		HasExecOp: true,
		Messages:  []memlog.TaggedMessage{{Tags: []tag.Tag{tag.TxsTag}, Data: snap}},
	})
	require.Error(t, err)
}

func TestGenerationDrained(t *testing.T) {
	gen := generation.New(uuid.New(), 1, 0, 1)
	gen.Initialize(0)
	require.NoError(t, gen.StartServing())
	tg := tag.Tag{Locality: 0, ID: 1}
	gen.Log.CommitMessages(5, []memlog.TaggedMessage{
		{Tags: []tag.Tag{tg}, Data: []byte("x")},
	}, memlog.CommitParams{Locality: 0})
	gen.Version.Set(5)

	require.False(t, generationDrained(gen))

	ts := gen.Log.TagState(tg)
	ts.Popped = 5
	gen.Log.EraseMessagesBefore(tg, 6)
	require.True(t, generationDrained(gen))
}
