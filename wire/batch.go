// Package wire holds the on-disk/on-wire encoding for a commit batch's
// tagged messages, shared by the commit path (encodes) and recovery/peek
// (decode and filter by tag); the spill loop only encodes the SpilledRef
// lists it writes for spilled versions.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/chn0318/tlogd/tag"
)

// EncodeBatch concatenates a commit batch into:
//
//	u32 messageCount
//	  per message: u32 tagCount | per tag: i8 locality, u16 id | u32 dataLen | data
func EncodeBatch(messages []TaggedMessage) []byte {
	size := 4
	for _, m := range messages {
		size += 4 + len(m.Tags)*3 + 4 + len(m.Data)
	}
	buf := make([]byte, 0, size)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(messages)))
	buf = append(buf, tmp[:]...)
	for _, m := range messages {
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(m.Tags)))
		buf = append(buf, tmp[:]...)
		for _, t := range m.Tags {
			buf = append(buf, byte(int8(t.Locality)))
			var idb [2]byte
			binary.LittleEndian.PutUint16(idb[:], t.ID)
			buf = append(buf, idb[:]...)
		}
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(m.Data)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, m.Data...)
	}
	return buf
}

// TaggedMessage mirrors memlog.TaggedMessage without importing memlog, to
// avoid a dependency cycle (memlog is a consumer of the decoded form via
// commit, not the other way around).
type TaggedMessage struct {
	Tags []tag.Tag
	Data []byte
}

// DecodeBatch parses bytes produced by EncodeBatch.
func DecodeBatch(b []byte) ([]TaggedMessage, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("wire: batch too short")
	}
	count := binary.LittleEndian.Uint32(b[0:4])
	off := 4
	out := make([]TaggedMessage, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(b) {
			return nil, fmt.Errorf("wire: truncated message header")
		}
		tagCount := binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
		tags := make([]tag.Tag, 0, tagCount)
		for j := uint32(0); j < tagCount; j++ {
			if off+3 > len(b) {
				return nil, fmt.Errorf("wire: truncated tag")
			}
			locality := int8(b[off])
			id := binary.LittleEndian.Uint16(b[off+1 : off+3])
			off += 3
			tags = append(tags, tag.Tag{Locality: tag.Locality(locality), ID: id})
		}
		if off+4 > len(b) {
			return nil, fmt.Errorf("wire: truncated data length")
		}
		dataLen := binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
		if off+int(dataLen) > len(b) {
			return nil, fmt.Errorf("wire: truncated data")
		}
		data := append([]byte(nil), b[off:off+int(dataLen)]...)
		off += int(dataLen)
		out = append(out, TaggedMessage{Tags: tags, Data: data})
	}
	return out, nil
}

// SpilledRef points at one version's batch bytes inside the raw disk
// queue, for a tag that chose reference-spill over value-spill.
type SpilledRef struct {
	Version         int64
	DiskStartOffset int64
	ByteLength      int32
}

// EncodeSpilledRefs packs a batch of references (one KV value under a
// TagMsgRef key) as a simple fixed-width array.
func EncodeSpilledRefs(refs []SpilledRef) []byte {
	buf := make([]byte, 0, 4+len(refs)*20)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(refs)))
	buf = append(buf, tmp[:]...)
	for _, r := range refs {
		var rec [20]byte
		binary.LittleEndian.PutUint64(rec[0:8], uint64(r.Version))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(r.DiskStartOffset))
		binary.LittleEndian.PutUint32(rec[16:20], uint32(r.ByteLength))
		buf = append(buf, rec[:]...)
	}
	return buf
}

// DecodeSpilledRefs parses bytes produced by EncodeSpilledRefs.
func DecodeSpilledRefs(b []byte) ([]SpilledRef, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("wire: spilled-ref batch too short")
	}
	count := binary.LittleEndian.Uint32(b[0:4])
	off := 4
	out := make([]SpilledRef, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+20 > len(b) {
			return nil, fmt.Errorf("wire: truncated spilled ref")
		}
		out = append(out, SpilledRef{
			Version:         int64(binary.LittleEndian.Uint64(b[off : off+8])),
			DiskStartOffset: int64(binary.LittleEndian.Uint64(b[off+8 : off+16])),
			ByteLength:      int32(binary.LittleEndian.Uint32(b[off+16 : off+20])),
		})
		off += 20
	}
	return out, nil
}

// FilterByTag returns, in order, the Data of every message in a decoded
// batch whose tag set contains want, applying the log-router mod mapping
// so a consumer reading a log-router's effective ID gets the same
// messages a direct subscriber to that ID would.
func FilterByTag(messages []TaggedMessage, want tag.Tag, logRouters int) [][]byte {
	var out [][]byte
	for _, m := range messages {
		for _, t := range m.Tags {
			eff := t
			if t.Locality == tag.LocalityLogRouter {
				eff.ID = tag.LogRouterID(t.ID, logRouters)
			}
			if eff == want || (want.IsTxs() && t.IsTxs()) {
				out = append(out, m.Data)
				break
			}
		}
	}
	return out
}
