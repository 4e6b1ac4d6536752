// Package recovery implements the startup orchestrator that replays a
// partially-committed disk queue into the in-memory tag index, under a
// rollback-aware discipline bounded by a memory budget, and the puller
// that drains a predecessor generation into a freshly recruited one.
package recovery

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/chn0318/tlogd/diskqueue"
	"github.com/chn0318/tlogd/generation"
	"github.com/chn0318/tlogd/kvindex"
	"github.com/chn0318/tlogd/memlog"
	"github.com/chn0318/tlogd/spill"
	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/tlogerr"
	"github.com/chn0318/tlogd/tlogqueue"
	"github.com/chn0318/tlogd/wire"
)

// Orchestrator drives one process's startup: it owns the KV index, the raw and
// typed disk queues, and rebuilds the set of live generations from them on
// startup.
type Orchestrator struct {
	KV                 kvindex.Store
	Disk               *diskqueue.Queue
	Queue              *tlogqueue.Queue
	RecoverMemoryLimit int64
	Logger             *log.Logger

	// NewSpillLoop builds the background spill loop for a recovered
	// generation; recovery calls its RunOnce inline to keep replay memory
	// bounded, the same loop is later handed to the serving process to run
	// on its own ticker.
	NewSpillLoop func(gen *generation.Generation) *spill.Loop
}

// Result is what recovery hands back to the server: every reconstructed
// generation plus the spill loop recovery used to bound replay memory, so
// the caller can keep using the same loop instance once serving starts.
type Result struct {
	Generations map[uuid.UUID]*generation.Generation
	SpillLoops  map[uuid.UUID]*spill.Loop
}

// Run performs the full startup sequence: verify the KV format tag, rebuild
// generation metadata, position the disk queue at the last recorded
// boundary, and replay every durable record since.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	if err := o.checkFormat(); err != nil {
		return nil, err
	}

	gens, err := o.reconstructGenerations()
	if err != nil {
		return nil, err
	}
	if err := o.restorePopped(gens); err != nil {
		return nil, err
	}

	recoveryLoc, err := o.readRecoveryLocation()
	if err != nil {
		return nil, err
	}
	if _, err := o.Queue.InitializeRecovery(recoveryLoc); err != nil {
		return nil, fmt.Errorf("recovery: initialize at %d: %w", recoveryLoc, err)
	}

	loops := make(map[uuid.UUID]*spill.Loop, len(gens))
	for id, g := range gens {
		if o.NewSpillLoop != nil {
			loops[id] = o.NewSpillLoop(g)
		}
	}

	if err := o.replay(ctx, gens, loops); err != nil {
		return nil, err
	}

	for _, g := range gens {
		if g.QueueCommittedVersion.Get() == 0 && g.Version.Get() > 0 {
			g.QueueCommittedVersion.Set(g.Version.Get())
		}
		g.Initialize(0)
		if err := g.StartServing(); err != nil {
			o.logf("recovery: %v", err)
		}
		g.SignalRecoveryComplete()
	}

	return &Result{Generations: gens, SpillLoops: loops}, nil
}

// checkFormat requires the KV store's Format key to be absent on a
// genuinely empty store (fresh deployment) or present and equal to the
// known value; anything else is an unreadable store from an incompatible
// build.
func (o *Orchestrator) checkFormat() error {
	val, ok, err := o.KV.ReadValue(kvindex.KeyFormat())
	if err != nil {
		return fmt.Errorf("recovery: reading format key: %w", err)
	}
	if !ok {
		kvs, err := o.KV.ReadRange(kvindex.Range{}, 1, 0)
		if err != nil {
			return fmt.Errorf("recovery: checking for fresh store: %w", err)
		}
		if len(kvs) > 0 {
			return fmt.Errorf("%w: missing Format key in non-empty store", tlogerr.ErrRecruitmentFailed)
		}
		o.KV.Set(kvindex.KeyFormat(), []byte(kvindex.FormatValue))
		return o.KV.Commit()
	}
	if string(val) != kvindex.FormatValue {
		return fmt.Errorf("%w: format %q, want %q", tlogerr.ErrRecruitmentFailed, val, kvindex.FormatValue)
	}
	return nil
}

// reconstructGenerations rebuilds a Generation object for every
// version/<gen-id> key found, with version/persistent_data_version/
// persistent_data_durable_version all set to the stored version. Locality
// and log-router-tag count come from their own KV families; a generation
// missing either uses the zero value (freshly created generations always
// write all four metadata keys together, so this only matters for a
// format the recovery code has never seen before).
func (o *Orchestrator) reconstructGenerations() (map[uuid.UUID]*generation.Generation, error) {
	gens := make(map[uuid.UUID]*generation.Generation)

	versions, err := o.KV.ReadRange(kvindex.VersionRange(), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("recovery: reading version/*: %w", err)
	}
	for _, kv := range versions {
		id, ok := kvindex.GenIDFromKey(kv.Key, len("version/"))
		if !ok || len(kv.Value) < 8 {
			continue
		}
		v := int64(binary.LittleEndian.Uint64(kv.Value))
		g := generation.New(id, 0, 0, 1)
		g.Version.Set(v)
		g.SetPersistentDataVersion(v)
		g.SetPersistentDataDurableVersion(v)
		gens[id] = g
	}

	known, err := o.KV.ReadRange(kvindex.KnownCommittedRange(), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("recovery: reading knownCommitted/*: %w", err)
	}
	for _, kv := range known {
		id, ok := kvindex.GenIDFromKey(kv.Key, len("knownCommitted/"))
		if !ok || len(kv.Value) < 8 {
			continue
		}
		if g, ok := gens[id]; ok {
			v := int64(binary.LittleEndian.Uint64(kv.Value))
			g.SetKnownCommitted(v)
			g.SetDurableKnownCommitted(v)
		}
	}

	locality, err := o.KV.ReadRange(kvindex.LocalityRange(), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("recovery: reading Locality/*: %w", err)
	}
	for _, kv := range locality {
		id, ok := kvindex.GenIDFromKey(kv.Key, len("Locality/"))
		if !ok || len(kv.Value) < 1 {
			continue
		}
		if g, ok := gens[id]; ok {
			g.Locality = tag.Locality(int8(kv.Value[0]))
		}
	}

	routers, err := o.KV.ReadRange(kvindex.LogRouterTagsRange(), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("recovery: reading LogRouterTags/*: %w", err)
	}
	for _, kv := range routers {
		id, ok := kvindex.GenIDFromKey(kv.Key, len("LogRouterTags/"))
		if !ok || len(kv.Value) < 4 {
			continue
		}
		if g, ok := gens[id]; ok {
			g.LogRouters = int(binary.LittleEndian.Uint32(kv.Value))
		}
	}

	recoveryCounts, err := o.KV.ReadRange(kvindex.DBRecoveryCountRange(), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("recovery: reading DbRecoveryCount/*: %w", err)
	}
	for _, kv := range recoveryCounts {
		id, ok := kvindex.GenIDFromKey(kv.Key, len("DbRecoveryCount/"))
		if !ok || len(kv.Value) < 8 {
			continue
		}
		if g, ok := gens[id]; ok {
			g.RecoveryCount = int64(binary.LittleEndian.Uint64(kv.Value)) + 1
		}
	}

	return gens, nil
}

// restorePopped replays every TagPop/<gen><tag> entry back into the
// matching generation's in-memory tag state, so a peek against a freshly
// recovered generation sees the same popped cursor it had before the
// crash.
func (o *Orchestrator) restorePopped(gens map[uuid.UUID]*generation.Generation) error {
	kvs, err := o.KV.ReadRange(kvindex.TagPopRange(), 0, 0)
	if err != nil {
		return fmt.Errorf("recovery: reading TagPop/*: %w", err)
	}
	for _, kv := range kvs {
		id, locality, tagID, ok := kvindex.TagFromTagPopKey(kv.Key)
		if !ok || len(kv.Value) < 8 {
			continue
		}
		g, ok := gens[id]
		if !ok {
			continue
		}
		popped := int64(binary.LittleEndian.Uint64(kv.Value))
		g.Log.Lock()
		g.Log.RestorePopped(tag.Tag{Locality: tag.Locality(locality), ID: tagID}, popped)
		g.Log.Unlock()
	}
	return nil
}

func (o *Orchestrator) readRecoveryLocation() (int64, error) {
	val, ok, err := o.KV.ReadValue(kvindex.KeyRecoveryLocation())
	if err != nil {
		return 0, fmt.Errorf("recovery: reading recoveryLocation: %w", err)
	}
	if !ok || len(val) < 8 {
		return 0, nil
	}
	return int64(binary.LittleEndian.Uint64(val)), nil
}

// replay walks the typed queue from the recovery cursor until
// end_of_stream, feeding
// each entry through the normal commit-time path (memlog + version
// barrier) for its generation, and runs an inline spill pass whenever
// replayed-but-unspilled bytes cross RecoverMemoryLimit so a long replay
// never holds the whole queue in memory at once.
func (o *Orchestrator) replay(ctx context.Context, gens map[uuid.UUID]*generation.Generation, loops map[uuid.UUID]*spill.Loop) error {
	var sinceSpillBytes int64
	for {
		entry, err := o.Queue.ReadNext()
		if err != nil {
			if err == tlogerr.ErrEndOfStream {
				return nil
			}
			return fmt.Errorf("recovery: replay: %w", err)
		}

		g, ok := gens[entry.GenerationID]
		if !ok {
			o.logf("recovery: replay: entry for unknown generation %s, skipping", entry.GenerationID)
			continue
		}
		if entry.Version <= g.GetPersistentDataDurableVersion() {
			// Already spilled before the crash; the KV index is the durable
			// copy and re-appending it to memory would double it up.
			continue
		}

		messages, err := wire.DecodeBatch(entry.Batch)
		if err != nil {
			return fmt.Errorf("recovery: decoding batch at version %d: %w", entry.Version, err)
		}
		wrapped := make([]memlog.TaggedMessage, len(messages))
		for i, m := range messages {
			wrapped[i] = memlog.TaggedMessage{Tags: m.Tags, Data: m.Data}
		}
		g.Log.Lock()
		g.Log.CommitMessages(entry.Version, wrapped, memlog.CommitParams{
			Locality:      g.Locality,
			LogRouterTags: g.LogRouters,
		})
		g.Log.Unlock()
		if loc, ok := o.Queue.LocationFor(entry.Version); ok {
			g.RecordVersionLocation(entry.Version, loc)
			g.RecordVersionSize(entry.Version, loc.End-loc.Start, 0)
			sinceSpillBytes += loc.End - loc.Start
		}
		g.SetKnownCommitted(entry.KnownCommittedVersion)
		g.Version.Set(entry.Version)
		g.QueueCommittedVersion.Set(entry.Version)

		if o.RecoverMemoryLimit > 0 && sinceSpillBytes >= o.RecoverMemoryLimit {
			if loop, ok := loops[entry.GenerationID]; ok {
				if err := loop.RunOnce(ctx); err != nil {
					return fmt.Errorf("recovery: inline spill: %w", err)
				}
			}
			sinceSpillBytes = 0
		}
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}
