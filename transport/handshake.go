package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/chn0318/tlogd/tlogerr"
)

// HandshakeProtocolVersion is bumped on any incompatible change to the
// ConnectPacket or packet-framing layout.
const HandshakeProtocolVersion uint64 = 1

const (
	// protocol_version + port + connection_id + ip4; no IPv6, no flags.
	connectPacketLenLegacy = 8 + 2 + 8 + 4
	connectPacketLenFull   = connectPacketLenLegacy + 2 + 16
)

// ConnectFlagMultiVersionClient marks a client that tolerates staying
// connected to an incompatible peer without message delivery.
const ConnectFlagMultiVersionClient uint16 = 1

// ConnectPacket is the first thing sent on any TCP connection.
type ConnectPacket struct {
	ProtocolVersion    uint64
	CanonicalRemotePort uint16
	ConnectionID        uint64
	RemoteIPv4          uint32
	Flags               uint16
	RemoteIPv6          [16]byte
	HasIPv6             bool
}

// EncodeConnectPacket writes the full (IPv6+flags) form: u32 length |
// protocol_version | port | connection_id | ip4 | flags | ip6.
func EncodeConnectPacket(p ConnectPacket) []byte {
	body := make([]byte, connectPacketLenFull)
	off := 0
	binary.LittleEndian.PutUint64(body[off:], p.ProtocolVersion)
	off += 8
	binary.LittleEndian.PutUint16(body[off:], p.CanonicalRemotePort)
	off += 2
	binary.LittleEndian.PutUint64(body[off:], p.ConnectionID)
	off += 8
	binary.LittleEndian.PutUint32(body[off:], p.RemoteIPv4)
	off += 4
	binary.LittleEndian.PutUint16(body[off:], p.Flags)
	off += 2
	copy(body[off:off+16], p.RemoteIPv6[:])

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// DecodeConnectPacket accepts both the full form and the legacy shorter
// form (no IPv6, no flags), distinguishing them by the declared length.
func DecodeConnectPacket(b []byte) (ConnectPacket, int, error) {
	if len(b) < 4 {
		return ConnectPacket{}, 0, fmt.Errorf("transport: connect packet too short")
	}
	length := int(binary.LittleEndian.Uint32(b[0:4]))
	total := 4 + length
	if len(b) < total {
		return ConnectPacket{}, 0, fmt.Errorf("transport: connect packet truncated")
	}
	body := b[4:total]

	var p ConnectPacket
	if length < connectPacketLenLegacy {
		return ConnectPacket{}, 0, fmt.Errorf("transport: connect packet too short for legacy form")
	}
	off := 0
	p.ProtocolVersion = binary.LittleEndian.Uint64(body[off:])
	off += 8
	p.CanonicalRemotePort = binary.LittleEndian.Uint16(body[off:])
	off += 2
	p.ConnectionID = binary.LittleEndian.Uint64(body[off:])
	off += 8
	p.RemoteIPv4 = binary.LittleEndian.Uint32(body[off:])
	off += 4

	if length >= connectPacketLenFull {
		p.Flags = binary.LittleEndian.Uint16(body[off:])
		off += 2
		copy(p.RemoteIPv6[:], body[off:off+16])
		p.HasIPv6 = true
	}
	return p, total, nil
}

// CheckCompatible applies the incompatible-version policy: returns nil if
// the connection should proceed normally, ErrIncompatibleProtocolVersion
// with keepAlive=true if it should stay open but deliver nothing, and the
// same error with keepAlive=false if it should be closed.
func CheckCompatible(local, peer ConnectPacket) (keepAlive bool, err error) {
	if local.ProtocolVersion == peer.ProtocolVersion {
		return true, nil
	}
	if peer.Flags&ConnectFlagMultiVersionClient != 0 {
		return true, tlogerr.ErrIncompatibleProtocolVersion
	}
	return false, tlogerr.ErrIncompatibleProtocolVersion
}

