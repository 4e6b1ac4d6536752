// Package tlogserver wires one process's worth of TLog components --
// the KV index, raw and typed disk queues, recovered or recruited
// generations, and the transport they're served over -- into a single
// long-running Server.
package tlogserver

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chn0318/tlogd/commit"
	"github.com/chn0318/tlogd/config"
	"github.com/chn0318/tlogd/diskqueue"
	"github.com/chn0318/tlogd/generation"
	"github.com/chn0318/tlogd/kvindex"
	"github.com/chn0318/tlogd/memlog"
	"github.com/chn0318/tlogd/peek"
	"github.com/chn0318/tlogd/recovery"
	"github.com/chn0318/tlogd/spill"
	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/tlogqueue"
	"github.com/chn0318/tlogd/tlogsvc"
	"github.com/chn0318/tlogd/transport"
)

// handle is everything running for one recovered or recruited generation.
type handle struct {
	gen       *generation.Generation
	commit    *commit.Path
	peek      *peek.Service
	spillLoop *spill.Loop
	svc       *tlogsvc.Server
	iface     tlogsvc.Interface
	cancel    context.CancelFunc
}

// Server is one process's TLog: the storage underneath every generation,
// the set of generations it currently serves, and the transport they
// answer requests on.
type Server struct {
	Config    config.Config
	KV        kvindex.Store
	Disk      *diskqueue.Queue
	Queue     *tlogqueue.Queue
	Transport *transport.Transport
	Logger    *log.Logger

	// WorkerRemoved is closed when the last generation retires: the
	// process's TLog role is over and the supervisor owns what happens next.
	WorkerRemoved chan struct{}

	// Heartbeat records this process's liveness for whatever supervises
	// it; every background maintenance tick touches it.
	Heartbeat generation.Heartbeat

	mu                sync.Mutex
	generations       map[uuid.UUID]*handle
	workerRemovedOnce sync.Once
}

// Open creates the on-disk storage for a new or existing process
// directory and wires an idle Server (no generations yet; call Recover to
// reconstruct them from what's on disk, or Recruit for a brand new one).
func Open(cfg config.Config, logger *log.Logger) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("tlogserver: creating data dir: %w", err)
	}

	kv, err := kvindex.OpenBoltStore(filepath.Join(cfg.DataDir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("tlogserver: opening kv index: %w", err)
	}
	disk, err := diskqueue.Open(filepath.Join(cfg.DataDir, "queue.dat"))
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("tlogserver: opening disk queue: %w", err)
	}

	t := transport.New(listenPort(cfg.ListenAddr), false)
	t.Logger = logger

	return &Server{
		Config:        cfg,
		KV:            kv,
		Disk:          disk,
		Queue:         tlogqueue.New(disk),
		Transport:     t,
		Logger:        logger,
		WorkerRemoved: make(chan struct{}),
		generations:   make(map[uuid.UUID]*handle),
	}, nil
}

// Recover runs the startup recovery orchestrator and installs every
// reconstructed generation as a live, serving handle.
func (s *Server) Recover(ctx context.Context) error {
	orch := &recovery.Orchestrator{
		KV:                 s.KV,
		Disk:               s.Disk,
		Queue:              s.Queue,
		RecoverMemoryLimit: s.Config.RecoverMemoryLimit,
		Logger:             s.Logger,
		NewSpillLoop: func(gen *generation.Generation) *spill.Loop {
			return spill.NewLoop(gen, s.Queue, s.KV, s.Config.SpillByteBudget, s.Config.SpillHighWaterBytes)
		},
	}
	res, err := orch.Run(ctx)
	if err != nil {
		return fmt.Errorf("tlogserver: recovery: %w", err)
	}
	for id, gen := range res.Generations {
		s.install(gen, res.SpillLoops[id])
	}
	return nil
}

// Recruit creates a brand new generation (the master_recruitment path for
// a process with no prior data, or a fresh generation rolled over by a new
// epoch), persists its metadata, and starts it serving.
func (s *Server) Recruit(locality tag.Locality, logRouters int) (uuid.UUID, tlogsvc.Interface, error) {
	s.stopPrior()
	gen := generation.New(commit.GenerationID(), 1, locality, logRouters)
	s.persistNewGeneration(gen)
	if err := s.KV.Commit(); err != nil {
		return uuid.Nil, tlogsvc.Interface{}, fmt.Errorf("tlogserver: persisting new generation: %w", err)
	}
	gen.Initialize(0)
	if err := gen.StartServing(); err != nil {
		return uuid.Nil, tlogsvc.Interface{}, err
	}
	loop := spill.NewLoop(gen, s.Queue, s.KV, s.Config.SpillByteBudget, s.Config.SpillHighWaterBytes)
	iface := s.install(gen, loop)
	gen.SignalRecoveryComplete()
	return gen.ID, iface, nil
}

// RecruitRecovered creates a generation that first pulls its tag history
// from a predecessor log system (the recruit request's non-empty
// recover_from config) before it is considered recovered: the pulled
// messages flow through the normal commit path, known_committed lands on
// recover_at, and recovery_complete fires only once every recovered tag
// has seen its first pop past recover_at.
func (s *Server) RecruitRecovered(ctx context.Context, locality tag.Locality, logRouters int, pred recovery.PredecessorConfig) (uuid.UUID, tlogsvc.Interface, error) {
	s.stopPrior()

	gen := generation.New(commit.GenerationID(), 1, locality, logRouters)
	s.persistNewGeneration(gen)
	if err := s.KV.Commit(); err != nil {
		return uuid.Nil, tlogsvc.Interface{}, fmt.Errorf("tlogserver: persisting new generation: %w", err)
	}
	gen.Initialize(pred.RecoverAt)
	if err := gen.StartServing(); err != nil {
		return uuid.Nil, tlogsvc.Interface{}, err
	}
	loop := spill.NewLoop(gen, s.Queue, s.KV, s.Config.SpillByteBudget, s.Config.SpillHighWaterBytes)
	iface := s.install(gen, loop)

	s.mu.Lock()
	h := s.generations[gen.ID]
	s.mu.Unlock()

	puller := recovery.NewPuller(tlogsvc.NewClient(s.Transport), pred)
	puller.Logger = s.Logger
	if err := puller.Pull(ctx, h.commit); err != nil {
		return gen.ID, iface, fmt.Errorf("tlogserver: predecessor pull: %w", err)
	}
	return gen.ID, iface, nil
}

// stopPrior locks every still-serving generation: a recruit request for a
// new epoch displaces its predecessors.
func (s *Server) stopPrior() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.generations {
		h.gen.Stop()
	}
}

func (s *Server) persistNewGeneration(gen *generation.Generation) {
	put64 := func(key []byte, v int64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		s.KV.Set(key, b[:])
	}
	put64(kvindex.KeyVersion(gen.ID), 0)
	put64(kvindex.KeyKnownCommitted(gen.ID), 0)
	s.KV.Set(kvindex.KeyLocality(gen.ID), []byte{byte(int8(gen.Locality))})
	var lr [4]byte
	binary.LittleEndian.PutUint32(lr[:], uint32(gen.LogRouters))
	s.KV.Set(kvindex.KeyLogRouterTags(gen.ID), lr[:])
	put64(kvindex.KeyDBRecoveryCount(gen.ID), gen.RecoveryCount)
	put64(kvindex.KeyProtocolVersion(gen.ID), int64(tlogqueue.ProtocolVersion))
}

// install wires a generation's commit path, peek service, and tlogsvc
// Server, registers it on the transport, and starts its background tasks
// (the queue committer, the spill ticker, and peek-tracker cleanup).
func (s *Server) install(gen *generation.Generation, loop *spill.Loop) tlogsvc.Interface {
	commitPath := &commit.Path{
		Gen:                gen,
		Queue:              s.Queue,
		CommitParams:       memlog.CommitParams{Locality: gen.Locality, LogRouterTags: gen.LogRouters},
		HardLimitBytes:     s.Config.HardLimitBytes,
		DegradedAfter:      5 * time.Second,
		WakeQueueCommitter: make(chan struct{}, 1),
		Logger:             s.Logger,
	}
	peekSvc := peek.NewService(gen, s.KV, s.Disk, s.Config.PeekMemoryLimitBytes,
		int64(s.Config.LogRouterReadLimit), s.Config.PeekSequenceWindow, s.Config.PeekTrackerIdleTTL)
	commitPath.Exec = s.execHandler(peekSvc)

	svc := tlogsvc.NewServer(gen, commitPath, peekSvc, s.Disk, s.Config.ListenAddr)
	svc.Logger = s.Logger
	svc.SetQueueCommittedWaiter(func(target int64) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return gen.QueueCommittedVersion.WaitAtLeast(ctx, target)
	})
	iface := svc.Register(s.Transport)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := commitPath.RunQueueCommitter(ctx, 10*time.Millisecond); err != nil && ctx.Err() == nil {
			s.logf("tlogserver: queue committer for %s exited: %v", gen.ID, err)
		}
	}()
	go func() {
		if err := loop.Run(ctx, time.Second); err != nil && ctx.Err() == nil {
			s.logf("tlogserver: spill loop for %s exited: %v", gen.ID, err)
		}
	}()
	go func() {
		ticker := time.NewTicker(s.Config.PeekTrackerIdleTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				peekSvc.CleanupTrackers()
				s.Transport.ClearKnownMultiVersionPeers()
				s.Heartbeat.Touch(time.Now())
			}
		}
	}()
	go s.retireWatch(ctx, gen)

	s.mu.Lock()
	s.generations[gen.ID] = &handle{gen: gen, commit: commitPath, peek: peekSvc, spillLoop: loop, svc: svc, iface: iface, cancel: cancel}
	s.mu.Unlock()
	return iface
}

// retireWatch waits for a generation to be displaced (stopped) and fully
// recovered, then polls until every tag has popped past its final version
// and holds no data, at which point the generation is erased from the
// server. When the last one goes, WorkerRemoved fires.
func (s *Server) retireWatch(ctx context.Context, gen *generation.Generation) {
	select {
	case <-ctx.Done():
		return
	case <-gen.StopCommit():
	}
	select {
	case <-ctx.Done():
		return
	case <-gen.RecoveryComplete():
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if generationDrained(gen) {
				s.retire(gen.ID)
				return
			}
		}
	}
}

// generationDrained reports whether every tag has been popped past the
// generation's final version and no in-memory data remains.
func generationDrained(gen *generation.Generation) bool {
	v := gen.Version.Get()
	gen.Log.Lock()
	defer gen.Log.Unlock()
	for _, ts := range gen.Log.AllTags() {
		if ts.Len() > 0 || ts.Popped < v {
			return false
		}
	}
	return true
}

// retire erases a drained generation: its background tasks stop, its
// endpoint tokens come off the transport, and -- when it was the last one
// -- the WorkerRemoved signal tells the supervisor this process no longer
// hosts a TLog role.
func (s *Server) retire(id uuid.UUID) {
	s.mu.Lock()
	h, ok := s.generations[id]
	if ok {
		delete(s.generations, id)
	}
	empty := len(s.generations) == 0
	s.mu.Unlock()
	if !ok {
		return
	}

	h.gen.Retire()
	h.cancel()
	for _, tok := range []transport.Token{
		h.iface.Peek, h.iface.Pop, h.iface.Commit, h.iface.Lock,
		h.iface.QueuingMetrics, h.iface.ConfirmRunning,
		h.iface.RecoveryFinished, h.iface.WaitFailure,
	} {
		s.Transport.Endpoints.Unregister(tok)
	}
	s.logf("tlogserver: generation %s retired", id)
	if empty {
		s.workerRemovedOnce.Do(func() { close(s.WorkerRemoved) })
	}
}

// GenerationCount reports how many generations this process currently
// serves, so a caller can decide whether Recover left it with none (a
// genuinely fresh store needing an initial Recruit).
func (s *Server) GenerationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.generations)
}

// Interface returns the registered endpoint tokens for a generation, so a
// coordinator that already knows the generation id can address it.
func (s *Server) Interface(id uuid.UUID) (tlogsvc.Interface, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.generations[id]
	if !ok {
		return tlogsvc.Interface{}, false
	}
	return h.iface, true
}

// Serve accepts inbound connections until ln closes or Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	return s.Transport.Serve(ln)
}

// Lock stops a generation locally (the process side-effect of a lock()
// call answered by this generation's handler already in tlogsvc).
func (s *Server) Lock(id uuid.UUID) {
	s.mu.Lock()
	h, ok := s.generations[id]
	s.mu.Unlock()
	if ok {
		h.gen.Stop()
	}
}

// Close stops every generation's background tasks and releases storage.
func (s *Server) Close() error {
	s.mu.Lock()
	for _, h := range s.generations {
		h.cancel()
	}
	s.mu.Unlock()
	s.Transport.Stop()
	if err := s.Disk.Close(); err != nil {
		return err
	}
	return s.KV.Close()
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// listenPort extracts the port from a ":4500" or "host:4500" style
// address for advertising in the transport's ConnectPacket; a malformed
// address advertises port 0, which simply disables canonical-address
// tiebreaking for this process's inbound connections.
func listenPort(addr string) uint16 {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 0
	}
	return port
}
