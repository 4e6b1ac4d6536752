package tlogsvc

import (
	"context"
	"log"
	"time"

	"github.com/chn0318/tlogd/commit"
	"github.com/chn0318/tlogd/diskqueue"
	"github.com/chn0318/tlogd/generation"
	"github.com/chn0318/tlogd/peek"
	"github.com/chn0318/tlogd/transport"
)

// Interface is the set of tokens a caller needs to address one
// generation's endpoints, handed out once at recruitment.
type Interface struct {
	Peek             transport.Token
	Pop              transport.Token
	Commit           transport.Token
	Lock             transport.Token
	QueuingMetrics   transport.Token
	ConfirmRunning   transport.Token
	RecoveryFinished transport.Token
	WaitFailure      transport.Token
}

// Server binds one generation's commit path, peek/pop service, and
// metrics to a set of endpoint tokens registered on a transport.
type Server struct {
	Gen        *generation.Generation
	Commit     *commit.Path
	Peek       *peek.Service
	Disk       *diskqueue.Queue
	InstanceID string
	Logger     *log.Logger

	t *transport.Transport

	waitQueueCommitted func(target int64) error
}

// NewServer wires a Server for one generation.
func NewServer(gen *generation.Generation, commitPath *commit.Path, peekSvc *peek.Service, disk *diskqueue.Queue, instanceID string) *Server {
	return &Server{
		Gen:        gen,
		Commit:     commitPath,
		Peek:       peekSvc,
		Disk:       disk,
		InstanceID: instanceID,
	}
}

// Register installs all eight handlers on t's EndpointMap and returns the
// tokens addressing them.
func (s *Server) Register(t *transport.Transport) Interface {
	s.t = t
	return Interface{
		Peek:             t.Endpoints.RegisterStream(s.handlePeek),
		Pop:              t.Endpoints.RegisterStream(s.handlePop),
		Commit:           t.Endpoints.RegisterStream(s.handleCommit),
		Lock:             t.Endpoints.Register(s.handleLock),
		QueuingMetrics:   t.Endpoints.Register(s.handleMetrics),
		ConfirmRunning:   t.Endpoints.Register(s.handleConfirmRunning),
		RecoveryFinished: t.Endpoints.RegisterStream(s.handleRecoveryFinished),
		WaitFailure:      t.Endpoints.RegisterStream(s.handleWaitFailure),
	}
}

func (s *Server) handlePeek(from *transport.Peer, payload []byte) {
	req, err := decodePeekRequest(payload)
	if err != nil {
		s.logf("tlogsvc: decode peek request: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rep, callErr := s.Peek.Peek(ctx, req.Request)
	from.Send(req.reply.Token, encodePeekReply(rep, callErr), true)
}

func (s *Server) handlePop(from *transport.Peer, payload []byte) {
	req, err := decodePopRequest(payload)
	if err != nil {
		s.logf("tlogsvc: decode pop request: %v", err)
		return
	}
	callErr := s.Peek.Pop(req.PopRequest)
	from.Send(req.reply.Token, encodePopReply(callErr), true)
}

func (s *Server) handleCommit(from *transport.Peer, payload []byte) {
	req, err := decodeCommitRequest(payload)
	if err != nil {
		s.logf("tlogsvc: decode commit request: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	durable, callErr := s.Commit.Commit(ctx, req.Request)
	from.Send(req.reply.Token, encodeCommitReply(durable, callErr), true)
}

func (s *Server) handleLock(from *transport.Peer, payload []byte) {
	req, err := decodeLockRequest(payload)
	if err != nil {
		s.logf("tlogsvc: decode lock request: %v", err)
		return
	}
	res, callErr := s.Gen.Lock(s.waitQueueCommittedFn())
	from.Send(req.reply.Token, encodeLockReply(res, callErr), true)
}

func (s *Server) handleMetrics(from *transport.Peer, payload []byte) {
	req, err := decodeMetricsRequest(payload)
	if err != nil {
		s.logf("tlogsvc: decode metrics request: %v", err)
		return
	}
	var storage diskqueue.StorageBytes
	if s.Disk != nil {
		storage, _ = s.Disk.GetStorageBytes()
	}
	m := QueuingMetrics{
		LocalTime:    time.Now().UnixNano(),
		InstanceID:   s.InstanceID,
		BytesDurable: s.Gen.GetBytesDurable(),
		BytesInput:   s.Gen.GetBytesInput(),
		StorageBytes: storage,
		V:            s.Gen.Version.Get(),
	}
	from.Send(req.reply.Token, encodeMetricsReply(m, nil), true)
}

func (s *Server) handleConfirmRunning(from *transport.Peer, payload []byte) {
	req, err := decodeConfirmRunningRequest(payload)
	if err != nil {
		s.logf("tlogsvc: decode confirm_running request: %v", err)
		return
	}
	from.Send(req.reply.Token, encodeVoidReply(nil), true)
}

// handleRecoveryFinished only answers once recovery_complete fires on the
// generation, which may be long after the request is received.
func (s *Server) handleRecoveryFinished(from *transport.Peer, payload []byte) {
	reply, err := decodeReplyOnlyRequest(payload)
	if err != nil {
		s.logf("tlogsvc: decode recovery_finished request: %v", err)
		return
	}
	go func() {
		<-s.Gen.RecoveryComplete()
		from.Send(reply.Token, encodeVoidReply(nil), true)
	}()
}

// handleWaitFailure answers once the generation is stopped (locked by a
// newer coordinator), letting a watcher learn the generation is done
// serving commits.
func (s *Server) handleWaitFailure(from *transport.Peer, payload []byte) {
	reply, err := decodeReplyOnlyRequest(payload)
	if err != nil {
		s.logf("tlogsvc: decode wait_failure request: %v", err)
		return
	}
	go func() {
		<-s.Gen.StopCommit()
		from.Send(reply.Token, encodeVoidReply(nil), true)
	}()
}

// SetQueueCommittedWaiter wires the queue-committer's waiter into lock()
// so Lock can block for queue_committed_version >= version, as the
// generation package doesn't itself hold a reference to commit.Path.
func (s *Server) SetQueueCommittedWaiter(wait func(target int64) error) {
	s.waitQueueCommitted = wait
}

func (s *Server) waitQueueCommittedFn() func(target int64) error {
	if s.waitQueueCommitted != nil {
		return s.waitQueueCommitted
	}
	return func(int64) error { return nil }
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}
