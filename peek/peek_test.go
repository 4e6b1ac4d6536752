package peek

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/chn0318/tlogd/diskqueue"
	"github.com/chn0318/tlogd/generation"
	"github.com/chn0318/tlogd/kvindex"
	"github.com/chn0318/tlogd/memlog"
	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/tlogerr"
	"github.com/chn0318/tlogd/wire"
)

func newTestService(t *testing.T) (*Service, *generation.Generation) {
	t.Helper()
	dir := t.TempDir()
	disk, err := diskqueue.Open(filepath.Join(dir, "q.dat"))
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })

	kv, err := kvindex.OpenMemoryStore(filepath.Join(dir, "kv.log"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	gen := generation.New(uuid.New(), 1, 0, 1)
	gen.Initialize(0)
	require.NoError(t, gen.StartServing())

	svc := NewService(gen, kv, disk, 1<<20, 4, 8, time.Minute)
	return svc, gen
}

func TestPeekReturnsInMemoryMessages(t *testing.T) {
	svc, gen := newTestService(t)
	tg := tag.Tag{Locality: 0, ID: 3}

	gen.Log.CommitMessages(10, []memlog.TaggedMessage{
		{Tags: []tag.Tag{tg}, Data: []byte("hello")},
	}, memlog.CommitParams{Locality: 0})
	gen.Version.Set(10)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := svc.Peek(ctx, Request{Tag: tg, BeginVersion: 0})
	require.NoError(t, err)
	require.False(t, reply.Popped)
	require.Equal(t, int64(11), reply.EndVersion)
	require.Contains(t, string(reply.Messages), "hello")
}

func TestPeekReturnIfBlockedFailsFast(t *testing.T) {
	svc, _ := newTestService(t)
	tg := tag.Tag{Locality: 0, ID: 3}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := svc.Peek(ctx, Request{Tag: tg, BeginVersion: 5, ReturnIfBlocked: true})
	require.ErrorIs(t, err, tlogerr.ErrEndOfStream)
}

func TestPeekReportsPoppedPastBegin(t *testing.T) {
	svc, gen := newTestService(t)
	tg := tag.Tag{Locality: 0, ID: 3}

	gen.Log.CommitMessages(10, []memlog.TaggedMessage{
		{Tags: []tag.Tag{tg}, Data: []byte("a")},
	}, memlog.CommitParams{Locality: 0})
	gen.Version.Set(10)
	ts := gen.Log.TagState(tg)
	ts.Popped = 10

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := svc.Peek(ctx, Request{Tag: tg, BeginVersion: 0})
	require.NoError(t, err)
	require.True(t, reply.Popped)
	require.Equal(t, int64(10), reply.PoppedVersion)
	require.Equal(t, int64(10), reply.EndVersion)
}

func TestPeekSequencePipelining(t *testing.T) {
	svc, gen := newTestService(t)
	tg := tag.Tag{Locality: 0, ID: 3}
	gen.Version.Set(5)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first, err := svc.Peek(ctx, Request{
		Tag: tg, BeginVersion: 0,
		HasSequence: true, SubscriberID: "sub-1", Sequence: 0,
	})
	require.NoError(t, err)
	require.Equal(t, int64(6), first.EndVersion)

	// A request at sequence 1 should resume from sequence 0's end_version
	// without the caller having to track it; new data past that end keeps
	// it from blocking.
	gen.Version.Set(8)
	second, err := svc.Peek(ctx, Request{
		Tag: tg, BeginVersion: -1,
		HasSequence: true, SubscriberID: "sub-1", Sequence: 1,
	})
	require.NoError(t, err)
	require.Equal(t, int64(6), second.BeginEcho)
}

func TestPeekResolvesValueSpilledTxsMessages(t *testing.T) {
	svc, gen := newTestService(t)
	gen.Version.Set(3)
	gen.SetPersistentDataDurableVersion(3)

	svc.KV.Set(kvindex.KeyTagMsg(gen.ID, int8(tag.TxsTag.Locality), tag.TxsTag.ID, 2), []byte("txs-payload"))
	require.NoError(t, svc.KV.Commit())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := svc.Peek(ctx, Request{Tag: tag.TxsTag, BeginVersion: 0})
	require.NoError(t, err)
	require.Contains(t, string(reply.Messages), "txs-payload")
}

func TestPopAdvancesCursorAndPersists(t *testing.T) {
	svc, gen := newTestService(t)
	tg := tag.Tag{Locality: 0, ID: 3}

	gen.Log.CommitMessages(10, []memlog.TaggedMessage{
		{Tags: []tag.Tag{tg}, Data: []byte("a")},
	}, memlog.CommitParams{Locality: 0})
	gen.Version.Set(10)

	require.NoError(t, svc.Pop(PopRequest{Tag: tg, Upto: 10, DurableKnownCommitted: 10}))
	require.NoError(t, svc.KV.Commit())

	ts := gen.Log.TagState(tg)
	require.Equal(t, int64(10), ts.Popped)
	require.Equal(t, 1, ts.Len())

	val, ok, err := svc.KV.ReadValue(kvindex.KeyTagPop(gen.ID, int8(tg.Locality), tg.ID))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, val, 8)
}

func TestIgnorePopsDefersUntilEnabled(t *testing.T) {
	svc, gen := newTestService(t)
	tg := tag.Tag{Locality: 0, ID: 3}

	gen.Log.CommitMessages(10, []memlog.TaggedMessage{
		{Tags: []tag.Tag{tg}, Data: []byte("a")},
	}, memlog.CommitParams{Locality: 0})
	gen.Version.Set(10)

	uid := uuid.New()
	svc.SetIgnorePops(uid, time.Now().Add(time.Minute))

	require.NoError(t, svc.Pop(PopRequest{Tag: tg, Upto: 10}))
	ts := gen.Log.TagState(tg)
	require.Equal(t, int64(0), ts.Popped, "pop must be deferred while ignore-pops is active")
	require.Equal(t, 1, ts.Len())

	// Enabling with a different operator's uid changes nothing.
	require.NoError(t, svc.EnablePops(uuid.New()))
	require.Equal(t, int64(0), ts.Popped)

	require.NoError(t, svc.EnablePops(uid))
	require.Equal(t, int64(10), ts.Popped)
	require.Equal(t, 1, ts.Len())
}

func TestIgnorePopsExpiredDeadlineReplays(t *testing.T) {
	svc, gen := newTestService(t)
	tg := tag.Tag{Locality: 0, ID: 3}
	gen.Version.Set(10)
	gen.Log.CommitMessages(10, []memlog.TaggedMessage{
		{Tags: []tag.Tag{tg}, Data: []byte("a")},
	}, memlog.CommitParams{Locality: 0})

	svc.SetIgnorePops(uuid.New(), time.Now().Add(-time.Second))

	// The deadline already passed, so this pop applies directly (and
	// replays anything deferred before the deadline).
	require.NoError(t, svc.Pop(PopRequest{Tag: tg, Upto: 10}))
	require.Equal(t, int64(10), gen.Log.TagState(tg).Popped)
}

func TestPopClearsUnpoppedRecoveredAndSignalsRecovery(t *testing.T) {
	svc, gen := newTestService(t)
	tg := tag.Tag{Locality: 0, ID: 3}

	gen.Log.CommitMessages(10, []memlog.TaggedMessage{
		{Tags: []tag.Tag{tg}, Data: []byte("a")},
	}, memlog.CommitParams{Locality: 0})
	gen.Version.Set(10)
	gen.RecoveredAt = 5
	gen.SetDurableKnownCommitted(5)

	require.True(t, gen.Log.TagState(tg).UnpoppedRecovered)
	require.NoError(t, svc.Pop(PopRequest{Tag: tg, Upto: 6}))
	require.False(t, gen.Log.TagState(tg).UnpoppedRecovered)

	select {
	case <-gen.RecoveryComplete():
	default:
		t.Fatal("recovery_complete should fire once the last recovered tag is popped past recovered_at")
	}
}

func TestPseudoLocalityPopTranslation(t *testing.T) {
	svc, gen := newTestService(t)
	router := tag.Tag{Locality: tag.LocalityLogRouter, ID: 0}

	gen.Log.CommitMessages(4, []memlog.TaggedMessage{
		{Tags: []tag.Tag{router}, Data: []byte("r")},
	}, memlog.CommitParams{Locality: 0, LogRouterTags: 1})
	gen.Version.Set(4)

	svc.TranslatePseudoPop = func(t tag.Tag) tag.Tag { return router }
	require.NoError(t, svc.Pop(PopRequest{Tag: tag.Tag{Locality: tag.LocalityRemote, ID: 7}, Upto: 4}))
	require.Equal(t, int64(4), gen.Log.TagState(router).Popped)
}

func TestPeekResolvesReferenceSpilledMessages(t *testing.T) {
	svc, gen := newTestService(t)
	tg := tag.Tag{Locality: 0, ID: 9}
	gen.Version.Set(3)
	gen.SetPersistentDataDurableVersion(3)

	batch := wire.EncodeBatch([]wire.TaggedMessage{
		{Tags: []tag.Tag{tg}, Data: []byte("spilled-ref-data")},
	})
	off, err := svc.Disk.Push(batch)
	require.NoError(t, err)
	require.NoError(t, svc.Disk.Commit())

	refs := wire.EncodeSpilledRefs([]wire.SpilledRef{
		{Version: 2, DiskStartOffset: off, ByteLength: int32(len(batch))},
	})
	svc.KV.Set(kvindex.KeyTagMsgRef(gen.ID, int8(tg.Locality), tg.ID, 2), refs)
	require.NoError(t, svc.KV.Commit())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := svc.Peek(ctx, Request{Tag: tg, BeginVersion: 0})
	require.NoError(t, err)
	require.Contains(t, string(reply.Messages), "spilled-ref-data")
}
