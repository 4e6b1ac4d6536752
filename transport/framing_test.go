package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chn0318/tlogd/tlogerr"
)

func TestFramePacketRoundTrip(t *testing.T) {
	dst := Token{Low: 7, High: 0}
	body := []byte("hello")

	framed, err := FramePacket(dst, body, false)
	require.NoError(t, err)

	headerLen, payloadLen, checksum, haveChecksum, err := ParsePacketHeader(framed, false)
	require.NoError(t, err)
	require.True(t, haveChecksum)
	require.Equal(t, 8, headerLen)

	payload := framed[headerLen : headerLen+int(payloadLen)]
	gotToken, gotBody, err := VerifyAndSplit(payload, checksum)
	require.NoError(t, err)
	require.Equal(t, dst, gotToken)
	require.Equal(t, body, gotBody)
}

func TestVerifyAndSplitDetectsCorruption(t *testing.T) {
	dst := Token{Low: 3, High: 0}
	framed, err := FramePacket(dst, []byte("payload"), false)
	require.NoError(t, err)

	headerLen, payloadLen, checksum, _, err := ParsePacketHeader(framed, false)
	require.NoError(t, err)
	payload := append([]byte(nil), framed[headerLen:headerLen+int(payloadLen)]...)
	payload[len(payload)-1] ^= 0xFF

	_, _, err = VerifyAndSplit(payload, checksum)
	require.ErrorIs(t, err, tlogerr.ErrChecksumFailed)
}

func TestFramePacketTLSOmitsChecksum(t *testing.T) {
	dst := Token{Low: 1, High: 0}
	framed, err := FramePacket(dst, []byte("x"), true)
	require.NoError(t, err)

	headerLen, payloadLen, _, haveChecksum, err := ParsePacketHeader(framed, true)
	require.NoError(t, err)
	require.False(t, haveChecksum)
	require.Equal(t, 4, headerLen)

	payload := framed[headerLen : headerLen+int(payloadLen)]
	gotToken, gotBody, err := SplitToken(payload)
	require.NoError(t, err)
	require.Equal(t, dst, gotToken)
	require.Equal(t, []byte("x"), gotBody)
}

func TestFramePacketRejectsOversizedPayload(t *testing.T) {
	orig := PacketLimitBytes
	PacketLimitBytes = 4
	defer func() { PacketLimitBytes = orig }()

	_, err := FramePacket(Token{Low: 1}, []byte("too big"), false)
	require.Error(t, err)
}
