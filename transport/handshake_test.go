package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chn0318/tlogd/tlogerr"
)

func TestConnectPacketRoundTripFullForm(t *testing.T) {
	p := ConnectPacket{
		ProtocolVersion:     3,
		CanonicalRemotePort: 4500,
		ConnectionID:        0xdeadbeef,
		RemoteIPv4:          0x7f000001,
		Flags:               ConnectFlagMultiVersionClient,
		HasIPv6:             true,
	}
	copy(p.RemoteIPv6[:], []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15})

	encoded := EncodeConnectPacket(p)
	got, consumed, err := DecodeConnectPacket(encoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), consumed)
	require.Equal(t, p, got)
}

func TestDecodeConnectPacketAcceptsLegacyShortForm(t *testing.T) {
	full := ConnectPacket{ProtocolVersion: 1, CanonicalRemotePort: 9000, ConnectionID: 42, RemoteIPv4: 0x0a000001}
	encoded := EncodeConnectPacket(full)

	legacyLen := connectPacketLenLegacy
	legacy := make([]byte, 4+legacyLen)
	copy(legacy, encoded[:4])
	legacy[0] = byte(legacyLen)
	legacy[1], legacy[2], legacy[3] = 0, 0, 0
	copy(legacy[4:], encoded[4:4+legacyLen])

	got, consumed, err := DecodeConnectPacket(legacy)
	require.NoError(t, err)
	require.Equal(t, len(legacy), consumed)
	require.False(t, got.HasIPv6)
	require.Equal(t, full.ProtocolVersion, got.ProtocolVersion)
	require.Equal(t, full.CanonicalRemotePort, got.CanonicalRemotePort)
	require.Equal(t, full.ConnectionID, got.ConnectionID)
	require.Equal(t, full.RemoteIPv4, got.RemoteIPv4)
}

func TestCheckCompatibleSameVersion(t *testing.T) {
	local := ConnectPacket{ProtocolVersion: 5}
	peer := ConnectPacket{ProtocolVersion: 5}
	keepAlive, err := CheckCompatible(local, peer)
	require.NoError(t, err)
	require.True(t, keepAlive)
}

func TestCheckCompatibleMultiVersionClientKeptAlive(t *testing.T) {
	local := ConnectPacket{ProtocolVersion: 5}
	peer := ConnectPacket{ProtocolVersion: 4, Flags: ConnectFlagMultiVersionClient}
	keepAlive, err := CheckCompatible(local, peer)
	require.ErrorIs(t, err, tlogerr.ErrIncompatibleProtocolVersion)
	require.True(t, keepAlive)
}

func TestCheckCompatibleIncompatibleClosesByDefault(t *testing.T) {
	local := ConnectPacket{ProtocolVersion: 5}
	peer := ConnectPacket{ProtocolVersion: 4}
	keepAlive, err := CheckCompatible(local, peer)
	require.ErrorIs(t, err, tlogerr.ErrIncompatibleProtocolVersion)
	require.False(t, keepAlive)
}
