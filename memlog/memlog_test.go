package memlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chn0318/tlogd/tag"
)

func TestCommitMessagesIndexesEligibleTags(t *testing.T) {
	l := New(4096)
	params := CommitParams{Locality: 0, LogRouterTags: 2}

	tA := tag.Tag{Locality: 0, ID: 7}
	tOther := tag.Tag{Locality: 5, ID: 1}

	l.CommitMessages(10, []TaggedMessage{
		{Tags: []tag.Tag{tA}, Data: []byte("a")},
		{Tags: []tag.Tag{tOther}, Data: []byte("skip-me")},
		{Tags: []tag.Tag{tag.TxsTag}, Data: []byte("txs")},
	}, params)

	ts := l.TagState(tA)
	require.NotNil(t, ts)
	require.Equal(t, 1, ts.Len())
	require.Equal(t, []byte("a"), ts.Messages()[0].Data)

	require.Nil(t, l.TagState(tOther))

	txs := l.TagState(tag.TxsTag)
	require.NotNil(t, txs)
	require.Equal(t, 1, txs.Len())
}

func TestCommitMessagesSkipsAlreadyPopped(t *testing.T) {
	l := New(4096)
	params := CommitParams{Locality: 0}
	tA := tag.Tag{Locality: 0, ID: 1}

	ts := l.tagState(tA, true)
	ts.Popped = 100

	l.CommitMessages(50, []TaggedMessage{{Tags: []tag.Tag{tA}, Data: []byte("late")}}, params)
	require.Equal(t, 0, ts.Len())
}

func TestLogRouterModMapping(t *testing.T) {
	l := New(4096)
	params := CommitParams{Locality: 0, LogRouterTags: 3}
	routed := tag.Tag{Locality: tag.LocalityLogRouter, ID: 7} // 7 mod 3 == 1

	l.CommitMessages(1, []TaggedMessage{{Tags: []tag.Tag{routed}, Data: []byte("r")}}, params)

	mapped := tag.Tag{Locality: tag.LocalityLogRouter, ID: 1}
	ts := l.TagState(mapped)
	require.NotNil(t, ts)
	require.Equal(t, 1, ts.Len())
}

func TestEraseMessagesBefore(t *testing.T) {
	l := New(4096)
	params := CommitParams{Locality: 0}
	tA := tag.Tag{Locality: 0, ID: 1}

	for v := int64(1); v <= 5; v++ {
		l.CommitMessages(v, []TaggedMessage{{Tags: []tag.Tag{tA}, Data: []byte{byte(v)}}}, params)
	}
	l.EraseMessagesBefore(tA, 3)

	ts := l.TagState(tA)
	require.Equal(t, 3, ts.Len())
	require.Equal(t, int64(3), ts.Messages()[0].Version)
}

func TestMessagesInRange(t *testing.T) {
	l := New(4096)
	params := CommitParams{Locality: 0}
	tA := tag.Tag{Locality: 0, ID: 1}
	for v := int64(1); v <= 5; v++ {
		l.CommitMessages(v, []TaggedMessage{{Tags: []tag.Tag{tA}, Data: []byte{byte(v)}}}, params)
	}
	ts := l.TagState(tA)
	got := ts.MessagesInRange(2, 4)
	require.Len(t, got, 2)
	require.Equal(t, byte(2), got[0][0])
	require.Equal(t, byte(3), got[1][0])
}
