// Package tlogsvc implements the TLog's request/reply endpoint surface:
// the eight interface calls (peek, pop, commit, lock, queuing metrics,
// confirm-running, recovery-finished, wait-failure), each an endpoint on
// the transport package's EndpointMap rather than a separate
// RPC framework. A caller embeds a one-shot reply token in every request;
// the handler answers by sending straight back down the same Peer
// connection the request arrived on, addressed to that token.
package tlogsvc

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/tlogerr"
	"github.com/chn0318/tlogd/transport"
)

// replyTo is embedded at the front of every request: the one-shot
// endpoint the handler should send its reply to, over the same
// connection the request arrived on.
type replyTo struct {
	Token transport.Token
}

func putString(buf []byte, s string) []byte {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func getString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("tlogsvc: truncated string length")
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, fmt.Errorf("tlogsvc: truncated string body")
	}
	return string(b[:n]), b[n:], nil
}

func putBytes(buf []byte, b []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
	buf = append(buf, l[:]...)
	return append(buf, b...)
}

func getBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("tlogsvc: truncated bytes length")
	}
	n := int(binary.LittleEndian.Uint32(b))
	b = b[4:]
	if len(b) < n {
		return nil, nil, fmt.Errorf("tlogsvc: truncated bytes body")
	}
	return append([]byte(nil), b[:n]...), b[n:], nil
}

func putI64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func getI64(b []byte) (int64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("tlogsvc: truncated int64")
	}
	return int64(binary.LittleEndian.Uint64(b)), b[8:], nil
}

func putBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func getBool(b []byte) (bool, []byte, error) {
	if len(b) < 1 {
		return false, nil, fmt.Errorf("tlogsvc: truncated bool")
	}
	return b[0] != 0, b[1:], nil
}

func putTag(buf []byte, t tag.Tag) []byte {
	buf = append(buf, byte(int8(t.Locality)))
	var id [2]byte
	binary.LittleEndian.PutUint16(id[:], t.ID)
	return append(buf, id[:]...)
}

func getTag(b []byte) (tag.Tag, []byte, error) {
	if len(b) < 3 {
		return tag.Tag{}, nil, fmt.Errorf("tlogsvc: truncated tag")
	}
	t := tag.Tag{Locality: tag.Locality(int8(b[0])), ID: binary.LittleEndian.Uint16(b[1:3])}
	return t, b[3:], nil
}

func putReplyTo(buf []byte, r replyTo) []byte {
	buf = putI64(buf, int64(r.Token.Low))
	buf = putI64(buf, int64(r.Token.High))
	return buf
}

func getReplyTo(b []byte) (replyTo, []byte, error) {
	low, b, err := getI64(b)
	if err != nil {
		return replyTo{}, nil, err
	}
	high, b, err := getI64(b)
	if err != nil {
		return replyTo{}, nil, err
	}
	return replyTo{Token: transport.Token{Low: uint64(low), High: uint64(high)}}, b, nil
}

// errReply is the shared envelope tail every reply carries: status 0
// means ok; any other byte is followed by a UTF-8 message describing
// which tlogerr sentinel the call failed with. getErr wraps the sentinel a
// message names, so callers can match the decoded error with errors.Is.
func putErr(buf []byte, err error) []byte {
	if err == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return putString(buf, err.Error())
}

func getErr(b []byte) (error, []byte, error) {
	if len(b) < 1 {
		return nil, nil, fmt.Errorf("tlogsvc: truncated error flag")
	}
	flag := b[0]
	b = b[1:]
	if flag == 0 {
		return nil, b, nil
	}
	msg, b, err := getString(b)
	if err != nil {
		return nil, nil, err
	}
	for _, s := range []error{
		tlogerr.ErrEndOfStream, tlogerr.ErrTLogStopped, tlogerr.ErrConnectionFailed,
		tlogerr.ErrChecksumFailed, tlogerr.ErrTimedOut, tlogerr.ErrWorkerRemoved,
		tlogerr.ErrIncompatibleProtocolVersion, tlogerr.ErrAddressInUse,
		tlogerr.ErrRecruitmentFailed, tlogerr.ErrTornRecord, tlogerr.ErrInvariantViolation,
	} {
		if before, after, found := strings.Cut(msg, s.Error()); found {
			return fmt.Errorf("%s%w%s", before, s, after), b, nil
		}
	}
	return fmt.Errorf("%s", msg), b, nil
}
