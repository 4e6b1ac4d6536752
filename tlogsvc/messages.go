package tlogsvc

import (
	"github.com/chn0318/tlogd/commit"
	"github.com/chn0318/tlogd/diskqueue"
	"github.com/chn0318/tlogd/generation"
	"github.com/chn0318/tlogd/memlog"
	"github.com/chn0318/tlogd/peek"
	"github.com/chn0318/tlogd/wire"
)

// PeekRequest is peek_messages: (tag, begin_version, return_if_blocked,
// only_spilled, optional (subscriber_id, sequence)).
type PeekRequest struct {
	reply replyTo
	peek.Request
}

func encodePeekRequest(r replyTo, req peek.Request) []byte {
	buf := putReplyTo(nil, r)
	buf = putTag(buf, req.Tag)
	buf = putI64(buf, req.BeginVersion)
	buf = putBool(buf, req.ReturnIfBlocked)
	buf = putBool(buf, req.OnlySpilled)
	buf = putBool(buf, req.HasSequence)
	buf = putString(buf, req.SubscriberID)
	buf = putI64(buf, req.Sequence)
	return buf
}

func decodePeekRequest(b []byte) (PeekRequest, error) {
	var out PeekRequest
	var err error
	out.reply, b, err = getReplyTo(b)
	if err != nil {
		return out, err
	}
	out.Tag, b, err = getTag(b)
	if err != nil {
		return out, err
	}
	out.BeginVersion, b, err = getI64(b)
	if err != nil {
		return out, err
	}
	out.ReturnIfBlocked, b, err = getBool(b)
	if err != nil {
		return out, err
	}
	out.OnlySpilled, b, err = getBool(b)
	if err != nil {
		return out, err
	}
	out.HasSequence, b, err = getBool(b)
	if err != nil {
		return out, err
	}
	out.SubscriberID, b, err = getString(b)
	if err != nil {
		return out, err
	}
	out.Sequence, _, err = getI64(b)
	return out, err
}

// PeekReply mirrors peek.Reply plus the shared error tail.
func encodePeekReply(rep peek.Reply, callErr error) []byte {
	buf := putI64(nil, rep.EndVersion)
	buf = putBool(buf, rep.Popped)
	buf = putI64(buf, rep.PoppedVersion)
	buf = putI64(buf, rep.MaxKnownVersion)
	buf = putI64(buf, rep.MinKnownCommittedVersion)
	buf = putI64(buf, rep.BeginEcho)
	buf = putBool(buf, rep.OnlySpilled)
	buf = putBytes(buf, rep.Messages)
	return putErr(buf, callErr)
}

func decodePeekReply(b []byte) (peek.Reply, error) {
	var rep peek.Reply
	var err error
	rep.EndVersion, b, err = getI64(b)
	if err != nil {
		return rep, err
	}
	rep.Popped, b, err = getBool(b)
	if err != nil {
		return rep, err
	}
	rep.PoppedVersion, b, err = getI64(b)
	if err != nil {
		return rep, err
	}
	rep.MaxKnownVersion, b, err = getI64(b)
	if err != nil {
		return rep, err
	}
	rep.MinKnownCommittedVersion, b, err = getI64(b)
	if err != nil {
		return rep, err
	}
	rep.BeginEcho, b, err = getI64(b)
	if err != nil {
		return rep, err
	}
	rep.OnlySpilled, b, err = getBool(b)
	if err != nil {
		return rep, err
	}
	rep.Messages, b, err = getBytes(b)
	if err != nil {
		return rep, err
	}
	callErr, _, err := getErr(b)
	if err != nil {
		return rep, err
	}
	return rep, callErr
}

// PopRequest is pop_messages: (upto, durable_known_committed_version, tag).
type PopRequest struct {
	reply replyTo
	peek.PopRequest
}

func encodePopRequest(r replyTo, req peek.PopRequest) []byte {
	buf := putReplyTo(nil, r)
	buf = putTag(buf, req.Tag)
	buf = putI64(buf, req.Upto)
	buf = putI64(buf, req.DurableKnownCommitted)
	return buf
}

func decodePopRequest(b []byte) (PopRequest, error) {
	var out PopRequest
	var err error
	out.reply, b, err = getReplyTo(b)
	if err != nil {
		return out, err
	}
	out.Tag, b, err = getTag(b)
	if err != nil {
		return out, err
	}
	out.Upto, b, err = getI64(b)
	if err != nil {
		return out, err
	}
	out.DurableKnownCommitted, _, err = getI64(b)
	return out, err
}

func encodePopReply(callErr error) []byte { return putErr(nil, callErr) }

func decodePopReply(b []byte) error {
	err, _, decErr := getErr(b)
	if decErr != nil {
		return decErr
	}
	return err
}

// CommitRequest is commit: (prev_version, version, known_committed_version,
// min_known_committed_version, messages, has_exec_op, debug_id).
type CommitRequest struct {
	reply replyTo
	commit.Request
}

func encodeCommitRequest(r replyTo, req commit.Request) []byte {
	buf := putReplyTo(nil, r)
	buf = putI64(buf, req.PrevVersion)
	buf = putI64(buf, req.Version)
	buf = putI64(buf, req.KnownCommittedVersion)
	buf = putI64(buf, req.MinKnownCommittedVersion)
	wm := make([]wire.TaggedMessage, len(req.Messages))
	for i, m := range req.Messages {
		wm[i] = wire.TaggedMessage{Tags: m.Tags, Data: m.Data}
	}
	buf = putBytes(buf, wire.EncodeBatch(wm))
	buf = putBool(buf, req.HasExecOp)
	buf = putString(buf, req.DebugID)
	return buf
}

func decodeCommitRequest(b []byte) (CommitRequest, error) {
	var out CommitRequest
	var err error
	out.reply, b, err = getReplyTo(b)
	if err != nil {
		return out, err
	}
	out.PrevVersion, b, err = getI64(b)
	if err != nil {
		return out, err
	}
	out.Version, b, err = getI64(b)
	if err != nil {
		return out, err
	}
	out.KnownCommittedVersion, b, err = getI64(b)
	if err != nil {
		return out, err
	}
	out.MinKnownCommittedVersion, b, err = getI64(b)
	if err != nil {
		return out, err
	}
	batch, b, err := getBytes(b)
	if err != nil {
		return out, err
	}
	wm, err := wire.DecodeBatch(batch)
	if err != nil {
		return out, err
	}
	out.Messages = make([]memlog.TaggedMessage, len(wm))
	for i, m := range wm {
		out.Messages[i] = memlog.TaggedMessage{Tags: m.Tags, Data: m.Data}
	}
	out.HasExecOp, b, err = getBool(b)
	if err != nil {
		return out, err
	}
	out.DebugID, _, err = getString(b)
	return out, err
}

func encodeCommitReply(durableKnownCommitted int64, callErr error) []byte {
	buf := putI64(nil, durableKnownCommitted)
	return putErr(buf, callErr)
}

func decodeCommitReply(b []byte) (int64, error) {
	v, b, err := getI64(b)
	if err != nil {
		return 0, err
	}
	callErr, _, err := getErr(b)
	if err != nil {
		return 0, err
	}
	return v, callErr
}

// LockRequest carries only a reply address; the coordinator identity
// making the request isn't modeled beyond the generation accepting
// whichever lock call arrives first.
type LockRequest struct {
	reply replyTo
}

func encodeLockRequest(r replyTo) []byte { return putReplyTo(nil, r) }

func decodeLockRequest(b []byte) (LockRequest, error) {
	r, _, err := getReplyTo(b)
	return LockRequest{reply: r}, err
}

func encodeLockReply(res generation.LockResult, callErr error) []byte {
	buf := putI64(nil, res.End)
	buf = putI64(buf, res.KnownCommittedVersion)
	return putErr(buf, callErr)
}

func decodeLockReply(b []byte) (generation.LockResult, error) {
	var res generation.LockResult
	var err error
	res.End, b, err = getI64(b)
	if err != nil {
		return res, err
	}
	res.KnownCommittedVersion, b, err = getI64(b)
	if err != nil {
		return res, err
	}
	callErr, _, err := getErr(b)
	if err != nil {
		return res, err
	}
	return res, callErr
}

// QueuingMetrics is the queuing-metrics reply: the generation's byte
// accounting, its storage footprint, and its current version.
type QueuingMetrics struct {
	LocalTime    int64
	InstanceID   string
	BytesDurable int64
	BytesInput   int64
	StorageBytes diskqueue.StorageBytes
	V            int64
}

type metricsRequest struct {
	reply replyTo
}

func encodeMetricsRequest(r replyTo) []byte { return putReplyTo(nil, r) }

func decodeMetricsRequest(b []byte) (metricsRequest, error) {
	r, _, err := getReplyTo(b)
	return metricsRequest{reply: r}, err
}

func encodeMetricsReply(m QueuingMetrics, callErr error) []byte {
	buf := putI64(nil, m.LocalTime)
	buf = putString(buf, m.InstanceID)
	buf = putI64(buf, m.BytesDurable)
	buf = putI64(buf, m.BytesInput)
	buf = putI64(buf, m.StorageBytes.Free)
	buf = putI64(buf, m.StorageBytes.Total)
	buf = putI64(buf, m.StorageBytes.Used)
	buf = putI64(buf, m.StorageBytes.Available)
	buf = putI64(buf, m.V)
	return putErr(buf, callErr)
}

func decodeMetricsReply(b []byte) (QueuingMetrics, error) {
	var m QueuingMetrics
	var err error
	m.LocalTime, b, err = getI64(b)
	if err != nil {
		return m, err
	}
	m.InstanceID, b, err = getString(b)
	if err != nil {
		return m, err
	}
	m.BytesDurable, b, err = getI64(b)
	if err != nil {
		return m, err
	}
	m.BytesInput, b, err = getI64(b)
	if err != nil {
		return m, err
	}
	m.StorageBytes.Free, b, err = getI64(b)
	if err != nil {
		return m, err
	}
	m.StorageBytes.Total, b, err = getI64(b)
	if err != nil {
		return m, err
	}
	m.StorageBytes.Used, b, err = getI64(b)
	if err != nil {
		return m, err
	}
	m.StorageBytes.Available, b, err = getI64(b)
	if err != nil {
		return m, err
	}
	m.V, b, err = getI64(b)
	if err != nil {
		return m, err
	}
	callErr, _, err := getErr(b)
	if err != nil {
		return m, err
	}
	return m, callErr
}

// confirmRunningRequest/Reply: a no-op debug-id round trip.
type confirmRunningRequest struct {
	reply   replyTo
	debugID string
}

func encodeConfirmRunningRequest(r replyTo, debugID string) []byte {
	buf := putReplyTo(nil, r)
	return putString(buf, debugID)
}

func decodeConfirmRunningRequest(b []byte) (confirmRunningRequest, error) {
	var out confirmRunningRequest
	var err error
	out.reply, b, err = getReplyTo(b)
	if err != nil {
		return out, err
	}
	out.debugID, _, err = getString(b)
	return out, err
}

func encodeVoidReply(callErr error) []byte { return putErr(nil, callErr) }

func decodeVoidReply(b []byte) error {
	err, _, decErr := getErr(b)
	if decErr != nil {
		return decErr
	}
	return err
}

// recoveryFinishedRequest/waitFailureRequest both carry only a reply
// address: each is answered exactly once, but only when its condition
// fires (recovery_complete, or the generation's failure signal), which may
// be long after the request arrives.
type recoveryFinishedRequest struct{ reply replyTo }
type waitFailureRequest struct{ reply replyTo }

func encodeReplyOnlyRequest(r replyTo) []byte { return putReplyTo(nil, r) }

func decodeReplyOnlyRequest(b []byte) (replyTo, error) {
	r, _, err := getReplyTo(b)
	return r, err
}
