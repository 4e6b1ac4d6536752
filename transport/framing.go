package transport

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/chn0318/tlogd/tlogerr"
)

// PacketLimitBytes is the hard upper bound on one framed packet's payload;
// a declared length above this is a protocol violation, not a slow peer.
var PacketLimitBytes = 128 << 20

// LargePacketWarnBytes is a soft bound: a payload past this is still
// accepted but worth logging, since it usually means a caller is batching
// more than intended into one packet.
var LargePacketWarnBytes = 8 << 20

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// FramePacket serializes dst (as a Token) followed by body into one
// on-wire packet: u32 payload_length | u32 CRC32C(payload) | payload,
// where payload is the 16-byte token followed by body. TLS connections
// skip the checksum field since the transport already authenticates the
// stream; useTLS selects that shorter form.
func FramePacket(dst Token, body []byte, useTLS bool) ([]byte, error) {
	payload := make([]byte, 16+len(body))
	binary.LittleEndian.PutUint64(payload[0:8], dst.Low)
	binary.LittleEndian.PutUint64(payload[8:16], dst.High)
	copy(payload[16:], body)

	if len(payload) > PacketLimitBytes {
		return nil, fmt.Errorf("transport: packet of %d bytes exceeds limit %d", len(payload), PacketLimitBytes)
	}

	if useTLS {
		out := make([]byte, 4+len(payload))
		binary.LittleEndian.PutUint32(out[0:4], uint32(len(payload)))
		copy(out[4:], payload)
		return out, nil
	}

	checksum := crc32.Checksum(payload, crc32cTable)
	out := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(out[4:8], checksum)
	copy(out[8:], payload)
	return out, nil
}

// ParsePacketHeader reads the length (and, for non-TLS, checksum) prefix
// from the start of a stream buffer. It reports the number of header bytes
// consumed and the payload length still to be read; it does not require
// the payload itself to be present yet, so a reader can call it as soon as
// the header bytes have arrived.
func ParsePacketHeader(b []byte, useTLS bool) (headerLen int, payloadLen uint32, checksum uint32, haveChecksum bool, err error) {
	if useTLS {
		if len(b) < 4 {
			return 0, 0, 0, false, nil
		}
		return 4, binary.LittleEndian.Uint32(b[0:4]), 0, false, nil
	}
	if len(b) < 8 {
		return 0, 0, 0, false, nil
	}
	return 8, binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8]), true, nil
}

// VerifyAndSplit checks a non-TLS payload's checksum and splits off its
// leading Token, returning the Token and the remaining body.
func VerifyAndSplit(payload []byte, wantChecksum uint32) (Token, []byte, error) {
	if got := crc32.Checksum(payload, crc32cTable); got != wantChecksum {
		return Token{}, nil, tlogerr.ErrChecksumFailed
	}
	return SplitToken(payload)
}

// SplitToken reads the leading 16-byte Token off a decoded payload.
func SplitToken(payload []byte) (Token, []byte, error) {
	if len(payload) < 16 {
		return Token{}, nil, fmt.Errorf("transport: payload too short for token")
	}
	t := Token{
		Low:  binary.LittleEndian.Uint64(payload[0:8]),
		High: binary.LittleEndian.Uint64(payload[8:16]),
	}
	return t, payload[16:], nil
}
