// Package kvindex implements the ordered KV index the TLog uses as its
// persistent side index for metadata, popped versions, and spilled records.
package kvindex

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
)

// KV is a single ordered key/value pair as returned from a range read.
type KV struct {
	Key   []byte
	Value []byte
}

// Range is a half-open [Begin, End) byte-key range. A nil End means "to
// the end of the keyspace".
type Range struct {
	Begin []byte
	End   []byte
}

// StorageBytes mirrors diskqueue.StorageBytes for the KV backend's volume.
type StorageBytes struct {
	Free      int64
	Total     int64
	Used      int64
	Available int64
}

// Store is the contract both the in-memory and bbolt-backed implementations
// satisfy. Every mutation issued since the last Commit either all survive a
// crash or none do.
type Store interface {
	Set(key, value []byte)
	Clear(r Range)
	Commit() error
	ReadValue(key []byte) ([]byte, bool, error)
	ReadRange(r Range, rowLimit, byteLimit int) ([]KV, error)
	GetStorageBytes() (StorageBytes, error)
	Close() error
}

// Key namespace, exhaustive.
var (
	keyFormat           = []byte("Format")
	keyRecoveryLocation = []byte("recoveryLocation")
)

// FormatValue is the literal format-version string stored under Format.
const FormatValue = "FoundationDB/LogServer/3/0"

func KeyFormat() []byte           { return append([]byte(nil), keyFormat...) }
func KeyRecoveryLocation() []byte { return append([]byte(nil), keyRecoveryLocation...) }

func genKey(prefix string, gen uuid.UUID) []byte {
	b := make([]byte, 0, len(prefix)+16)
	b = append(b, prefix...)
	b = append(b, gen[:]...)
	return b
}

func KeyVersion(gen uuid.UUID) []byte           { return genKey("version/", gen) }
func KeyKnownCommitted(gen uuid.UUID) []byte    { return genKey("knownCommitted/", gen) }
func KeyLocality(gen uuid.UUID) []byte          { return genKey("Locality/", gen) }
func KeyLogRouterTags(gen uuid.UUID) []byte     { return genKey("LogRouterTags/", gen) }
func KeyDBRecoveryCount(gen uuid.UUID) []byte   { return genKey("DbRecoveryCount/", gen) }
func KeyProtocolVersion(gen uuid.UUID) []byte   { return genKey("ProtocolVersion/", gen) }

// generationPrefixes lists every per-generation metadata key family, so
// recovery can range-scan each and reconstruct the set of known
// generation ids without guessing them in advance.
var generationPrefixes = []string{
	"version/", "knownCommitted/", "Locality/", "LogRouterTags/",
	"DbRecoveryCount/", "ProtocolVersion/",
}

func VersionRange() Range           { return prefixRange("version/") }
func KnownCommittedRange() Range    { return prefixRange("knownCommitted/") }
func LocalityRange() Range          { return prefixRange("Locality/") }
func LogRouterTagsRange() Range     { return prefixRange("LogRouterTags/") }
func DBRecoveryCountRange() Range   { return prefixRange("DbRecoveryCount/") }
func ProtocolVersionRange() Range   { return prefixRange("ProtocolVersion/") }
func TagPopRange() Range            { return prefixRange("TagPop/") }

func prefixRange(prefix string) Range {
	p := []byte(prefix)
	return Range{Begin: p, End: prefixEnd(p)}
}

// GenIDFromKey extracts the trailing 16-byte generation id from a key
// built by genKey, given the byte length of that key's fixed prefix.
func GenIDFromKey(key []byte, prefixLen int) (uuid.UUID, bool) {
	if len(key) != prefixLen+16 {
		return uuid.UUID{}, false
	}
	var id uuid.UUID
	copy(id[:], key[prefixLen:])
	return id, true
}

// TagFromTagPopKey splits a TagPop/<gen><tag> key back into its
// generation id and (locality, tag id) pair.
func TagFromTagPopKey(key []byte) (gen uuid.UUID, locality int8, id uint16, ok bool) {
	const prefixLen = 7 // "TagPop/"
	if len(key) != prefixLen+16+3 {
		return uuid.UUID{}, 0, 0, false
	}
	copy(gen[:], key[prefixLen:prefixLen+16])
	locality = int8(key[prefixLen+16])
	id = binary.BigEndian.Uint16(key[prefixLen+17 : prefixLen+19])
	return gen, locality, id, true
}

// tagBytes packs a tag's locality+id into 3 bytes for use inside composite keys.
func tagBytes(locality int8, id uint16) [3]byte {
	var b [3]byte
	b[0] = byte(locality)
	binary.BigEndian.PutUint16(b[1:3], id)
	return b
}

// KeyTagMsg builds the value-spill key TagMsg/<gen><tag><big-endian version>.
func KeyTagMsg(gen uuid.UUID, locality int8, id uint16, version int64) []byte {
	tb := tagBytes(locality, id)
	b := make([]byte, 0, 7+16+3+8)
	b = append(b, "TagMsg/"...)
	b = append(b, gen[:]...)
	b = append(b, tb[:]...)
	var vb [8]byte
	binary.BigEndian.PutUint64(vb[:], uint64(version))
	b = append(b, vb[:]...)
	return b
}

// KeyTagMsgRef builds the reference-spill batch key
// TagMsgRef/<gen><tag><big-endian last-version-in-batch>.
func KeyTagMsgRef(gen uuid.UUID, locality int8, id uint16, lastVersion int64) []byte {
	tb := tagBytes(locality, id)
	b := make([]byte, 0, 10+16+3+8)
	b = append(b, "TagMsgRef/"...)
	b = append(b, gen[:]...)
	b = append(b, tb[:]...)
	var vb [8]byte
	binary.BigEndian.PutUint64(vb[:], uint64(lastVersion))
	b = append(b, vb[:]...)
	return b
}

// KeyTagMsgRefRangeForTag builds the [begin,end) range covering every
// TagMsgRef batch key for one tag within one generation, so a peek or spill
// can range-scan them in version order.
func KeyTagMsgRefRangeForTag(gen uuid.UUID, locality int8, id uint16) Range {
	tb := tagBytes(locality, id)
	prefix := make([]byte, 0, 10+16+3)
	prefix = append(prefix, "TagMsgRef/"...)
	prefix = append(prefix, gen[:]...)
	prefix = append(prefix, tb[:]...)
	return Range{Begin: prefix, End: prefixEnd(prefix)}
}

// KeyTagPop builds the TagPop/<gen><tag> key.
func KeyTagPop(gen uuid.UUID, locality int8, id uint16) []byte {
	tb := tagBytes(locality, id)
	b := make([]byte, 0, 7+16+3)
	b = append(b, "TagPop/"...)
	b = append(b, gen[:]...)
	b = append(b, tb[:]...)
	return b
}

// prefixEnd returns the lexicographically smallest byte string greater
// than every string with the given prefix, for use as a range End.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // prefix was all 0xFF: unbounded
}

func cmp(a, b []byte) int { return bytes.Compare(a, b) }
