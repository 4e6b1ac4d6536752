package mapservice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMutationRoundTrip(t *testing.T) {
	m := Mutation{Key: "user/42", Value: []byte("payload")}
	got, err := DecodeMutation(EncodeMutation(m))
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestDecodeMutationTruncated(t *testing.T) {
	_, err := DecodeMutation([]byte{0x05})
	require.Error(t, err)

	_, err = DecodeMutation([]byte{0x05, 0x00, 'a', 'b'})
	require.Error(t, err)
}

func TestApplyTracksLatestVersion(t *testing.T) {
	s := NewMapService()
	s.Apply(10, Mutation{Key: "k", Value: []byte("v1")})
	s.Apply(12, Mutation{Key: "k", Value: []byte("v2")})

	meta, ok := s.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v2"), meta.Value)
	require.Equal(t, int64(12), meta.Version)
	require.Equal(t, int64(12), s.MaxVersion())
}

func TestApplyIgnoresReplayedDuplicate(t *testing.T) {
	s := NewMapService()
	s.Apply(12, Mutation{Key: "k", Value: []byte("new")})
	s.Apply(10, Mutation{Key: "k", Value: []byte("old")})

	meta, ok := s.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("new"), meta.Value)
	require.Equal(t, 1, s.Len())
}
