package wire

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestExecOpRoundTrip(t *testing.T) {
	op := ExecOp{
		Kind:         ExecDisablePop,
		UID:          uuid.New(),
		DeadlineUnix: time.Now().Add(time.Minute).UnixNano(),
	}
	got, isExec, err := DecodeExecOp(EncodeExecOp(op))
	require.NoError(t, err)
	require.True(t, isExec)
	require.Equal(t, op, got)
}

func TestDecodeExecOpOrdinaryPayload(t *testing.T) {
	_, isExec, err := DecodeExecOp([]byte("just a normal mutation"))
	require.NoError(t, err)
	require.False(t, isExec)
}

func TestDecodeExecOpTruncated(t *testing.T) {
	full := EncodeExecOp(ExecOp{Kind: ExecSnap, UID: uuid.New()})
	_, isExec, err := DecodeExecOp(full[:10])
	require.True(t, isExec)
	require.Error(t, err)
}

func TestDecodeExecOpUnknownKind(t *testing.T) {
	b := EncodeExecOp(ExecOp{Kind: ExecKind(99), UID: uuid.New()})
	_, isExec, err := DecodeExecOp(b)
	require.True(t, isExec)
	require.Error(t, err)
}
