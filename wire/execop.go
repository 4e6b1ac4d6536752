package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ExecKind discriminates the operator coordination commands that ride
// inside a commit batch as pseudo-mutations.
type ExecKind byte

const (
	ExecDisablePop ExecKind = iota + 1
	ExecEnablePop
	ExecSnap
)

// execOpMagic prefixes an exec pseudo-mutation's message bytes so a
// handler can tell it apart from ordinary opaque payloads; a commit
// request additionally flags has_exec_op, so the magic is a cross-check,
// not a scan.
var execOpMagic = []byte{0xE5, 0xEC}

// ExecOp is one operator command: disable_tlog_pop{uid, deadline},
// enable_tlog_pop{uid}, or snap{uid}.
type ExecOp struct {
	Kind         ExecKind
	UID          uuid.UUID
	DeadlineUnix int64 // nanoseconds; only meaningful for ExecDisablePop
}

// EncodeExecOp renders op as message bytes suitable for a TaggedMessage
// payload in a commit batch.
func EncodeExecOp(op ExecOp) []byte {
	buf := make([]byte, 0, 2+1+16+8)
	buf = append(buf, execOpMagic...)
	buf = append(buf, byte(op.Kind))
	buf = append(buf, op.UID[:]...)
	var d [8]byte
	binary.LittleEndian.PutUint64(d[:], uint64(op.DeadlineUnix))
	buf = append(buf, d[:]...)
	return buf
}

// DecodeExecOp parses message bytes produced by EncodeExecOp. The second
// return is false when the bytes are not an exec op at all (an ordinary
// mutation in the same flagged batch).
func DecodeExecOp(b []byte) (ExecOp, bool, error) {
	if len(b) < 2 || b[0] != execOpMagic[0] || b[1] != execOpMagic[1] {
		return ExecOp{}, false, nil
	}
	if len(b) < 2+1+16+8 {
		return ExecOp{}, true, fmt.Errorf("wire: truncated exec op: %d bytes", len(b))
	}
	var op ExecOp
	op.Kind = ExecKind(b[2])
	copy(op.UID[:], b[3:19])
	op.DeadlineUnix = int64(binary.LittleEndian.Uint64(b[19:27]))
	switch op.Kind {
	case ExecDisablePop, ExecEnablePop, ExecSnap:
	default:
		return ExecOp{}, true, fmt.Errorf("wire: unknown exec op kind %d", op.Kind)
	}
	return op, true, nil
}
