// Package generation implements the per-generation log-data create /
// lock / recover-from-predecessor / stop / retire state machine, and holds
// each generation's version barriers, byte accounting, and spill state.
package generation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chn0318/tlogd/memlog"
	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/tlogqueue"
)

// State is a generation's lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateServing
	StateStopped
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateServing:
		return "serving"
	case StateStopped:
		return "stopped"
	case StateRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// VersionSize tracks spill accounting per version: non-transaction-system
// bytes and transaction-system bytes.
type VersionSize struct {
	NonTxsBytes int64
	TxsBytes    int64
}

// Generation is the mutable state for one recruited instance of the log.
// Scalar cursors and the version maps are guarded by mu and accessed only
// through the methods below; Log carries its own lock, shared by the
// commit, peek, pop, and spill paths.
type Generation struct {
	mu sync.Mutex

	ID         uuid.UUID
	Epoch      int64
	Locality   tag.Locality
	LogRouters int

	state State

	Version               *VersionBarrier
	QueueCommittedVersion *VersionBarrier

	persistentDataVersion        int64
	persistentDataDurableVersion int64
	knownCommittedVersion        int64
	durableKnownCommittedVersion int64
	minKnownCommittedVersion     int64

	QueuePoppedVersion int64
	RecoveredAt        int64
	UnrecoveredBefore  int64
	RecoveryCount      int64

	bytesInput   int64
	bytesDurable int64

	versionLocation map[int64]tlogqueue.Location
	versionSizes    map[int64]VersionSize

	Log *memlog.MemoryLog

	initialized      bool
	recoveryComplete chan struct{}
	stopCommit       chan struct{}
	committingQueue  bool

	recoveryCompleteClosed bool
	stopCommitClosed       bool
}

// New creates a generation in the uninitialized state.
func New(id uuid.UUID, epoch int64, locality tag.Locality, logRouters int) *Generation {
	return &Generation{
		ID:                    id,
		Epoch:                 epoch,
		Locality:              locality,
		LogRouters:            logRouters,
		state:                 StateUninitialized,
		Version:               NewVersionBarrier(0),
		QueueCommittedVersion: NewVersionBarrier(0),
		versionLocation:       make(map[int64]tlogqueue.Location),
		versionSizes:          make(map[int64]VersionSize),
		Log:                   memlog.New(0),
		recoveryComplete:      make(chan struct{}),
		stopCommit:            make(chan struct{}),
	}
}

func (g *Generation) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Initialize transitions uninitialized -> initialized. The caller (recovery
// or recruit handler) is expected to have already written the generation's
// metadata KVs to the KV index exactly once before calling this.
func (g *Generation) Initialize(recoveredAt int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.RecoveredAt = recoveredAt
	g.state = StateInitialized
	g.initialized = true
}

// StartServing transitions initialized -> serving.
func (g *Generation) StartServing() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateInitialized {
		return fmt.Errorf("generation: cannot start serving from state %s", g.state)
	}
	g.state = StateServing
	return nil
}

// Stop transitions serving -> stopped: fired when a new coordinator locks
// this generation. Any waiters on StopCommit are released.
func (g *Generation) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateStopped || g.state == StateRetired {
		return
	}
	g.state = StateStopped
	if !g.stopCommitClosed {
		close(g.stopCommit)
		g.stopCommitClosed = true
	}
}

// Stopped reports whether the generation has been locked.
func (g *Generation) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == StateStopped || g.state == StateRetired
}

// StopCommit returns a channel closed when Stop fires, for commit-path
// cancellation.
func (g *Generation) StopCommit() <-chan struct{} {
	return g.stopCommit
}

// SignalRecoveryComplete fires recovery_complete exactly once.
func (g *Generation) SignalRecoveryComplete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.recoveryCompleteClosed {
		close(g.recoveryComplete)
		g.recoveryCompleteClosed = true
	}
}

// RecoveryComplete returns a channel closed once recovery_complete fires.
func (g *Generation) RecoveryComplete() <-chan struct{} {
	return g.recoveryComplete
}

// Retire transitions stopped -> retired: the caller must already have
// confirmed recovery_complete fired and all in-memory/spilled data is
// drained/popped. Both version barriers are closed so any task still
// parked on them fails with worker_removed instead of hanging.
func (g *Generation) Retire() {
	g.mu.Lock()
	g.state = StateRetired
	g.mu.Unlock()
	g.Version.Close()
	g.QueueCommittedVersion.Close()
}

// LockResult is the reply to a lock() request.
type LockResult struct {
	End                   int64
	KnownCommittedVersion int64
}

// Lock implements the lock() endpoint: wait until queue_committed_version
// >= version, reply, and mark the generation stopped.
func (g *Generation) Lock(waitQueueCommitted func(target int64) error) (LockResult, error) {
	target := g.Version.Get()
	if err := waitQueueCommitted(target); err != nil {
		return LockResult{}, err
	}
	g.mu.Lock()
	res := LockResult{End: target, KnownCommittedVersion: g.knownCommittedVersion}
	g.mu.Unlock()
	g.Stop()
	return res, nil
}

// AdvanceMinKnownCommitted bumps min_known_committed_version, which is
// non-decreasing over the generation's life.
func (g *Generation) AdvanceMinKnownCommitted(v int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v > g.minKnownCommittedVersion {
		g.minKnownCommittedVersion = v
	}
}

// GetMinKnownCommitted reads min_known_committed_version.
func (g *Generation) GetMinKnownCommitted() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.minKnownCommittedVersion
}

// RecordVersionLocation stores the disk location a committed version
// occupies, for spilled-reference peeks to resolve later.
func (g *Generation) RecordVersionLocation(version int64, loc tlogqueue.Location) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.versionLocation[version] = loc
}

// VersionLocationFor returns the recorded disk location for a version.
func (g *Generation) VersionLocationFor(version int64) (tlogqueue.Location, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	loc, ok := g.versionLocation[version]
	return loc, ok
}

// RecordVersionSize accumulates the spill-accounting byte cost of a
// version's commit.
func (g *Generation) RecordVersionSize(version int64, nonTxs, txs int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	vs := g.versionSizes[version]
	vs.NonTxsBytes += nonTxs
	vs.TxsBytes += txs
	g.versionSizes[version] = vs
}

// VersionSizeFor reads a version's recorded spill cost.
func (g *Generation) VersionSizeFor(version int64) VersionSize {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.versionSizes[version]
}

// DropVersionSize forgets a version's spill accounting once the spill
// loop has drained it.
func (g *Generation) DropVersionSize(version int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.versionSizes, version)
}

// AddBytesInput accumulates bytes_input, the backpressure accounting that
// bytes_durable can never exceed.
func (g *Generation) AddBytesInput(n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bytesInput += n
}

// AddBytesDurable accumulates bytes_durable as the spill loop drains
// versions into persistent storage.
func (g *Generation) AddBytesDurable(n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bytesDurable += n
}

// GetBytesInput reads bytes_input.
func (g *Generation) GetBytesInput() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bytesInput
}

// GetBytesDurable reads bytes_durable.
func (g *Generation) GetBytesDurable() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bytesDurable
}

// Backlog returns bytes_input - bytes_durable, the quantity the commit
// path's backpressure gate compares against the hard limit.
func (g *Generation) Backlog() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bytesInput - g.bytesDurable
}

// SetDurableKnownCommitted records durable_known_committed_version,
// updated once the spill loop has persisted through a given version.
func (g *Generation) SetDurableKnownCommitted(v int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v > g.durableKnownCommittedVersion {
		g.durableKnownCommittedVersion = v
	}
}

// GetDurableKnownCommitted reads durable_known_committed_version.
func (g *Generation) GetDurableKnownCommitted() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.durableKnownCommittedVersion
}

// SetKnownCommitted advances known_committed_version (non-decreasing).
func (g *Generation) SetKnownCommitted(v int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v > g.knownCommittedVersion {
		g.knownCommittedVersion = v
	}
}

// GetKnownCommitted reads known_committed_version.
func (g *Generation) GetKnownCommitted() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.knownCommittedVersion
}

// SetPersistentDataVersion advances persistent_data_version as the spill
// loop walks versions into the KV index.
func (g *Generation) SetPersistentDataVersion(v int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v > g.persistentDataVersion {
		g.persistentDataVersion = v
	}
}

// GetPersistentDataVersion reads persistent_data_version.
func (g *Generation) GetPersistentDataVersion() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.persistentDataVersion
}

// SetPersistentDataDurableVersion records that everything up to v is now
// durably spilled, flipping peeks at or below it onto the KV index.
func (g *Generation) SetPersistentDataDurableVersion(v int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v > g.persistentDataDurableVersion {
		g.persistentDataDurableVersion = v
	}
}

// GetPersistentDataDurableVersion reads persistent_data_durable_version.
func (g *Generation) GetPersistentDataDurableVersion() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.persistentDataDurableVersion
}

// Heartbeat is the simplified stand-in for periodic controller
// re-registration: it only records the last-heartbeat time so a
// supervisor can alert on staleness. Full priority computation and
// controller recruitment are out of scope.
type Heartbeat struct {
	mu   sync.Mutex
	last time.Time
}

func (h *Heartbeat) Touch(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = now
}

func (h *Heartbeat) Last() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
