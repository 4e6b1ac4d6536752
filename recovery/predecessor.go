package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/chn0318/tlogd/commit"
	"github.com/chn0318/tlogd/memlog"
	"github.com/chn0318/tlogd/peek"
	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/tlogerr"
	"github.com/chn0318/tlogd/tlogsvc"
)

// Target addresses one server of the predecessor log system: where it
// listens and the endpoint tokens of the generation being recovered from.
type Target struct {
	Addr  string
	Iface tlogsvc.Interface
}

// clientPool hands out targets round-robin so a multi-server predecessor
// spreads the pull load instead of hammering one member.
type clientPool struct {
	mu      sync.Mutex
	next    int
	targets []Target
}

func (p *clientPool) pick() Target {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.targets[p.next]
	p.next = (p.next + 1) % len(p.targets)
	return t
}

// PredecessorConfig is the recover_from payload of a recruit request: the
// predecessor log system's members, which tags to pull, and the version
// window (known_committed_version, recover_at] to pull them over.
type PredecessorConfig struct {
	Targets               []Target
	RecoverTags           []tag.Tag
	KnownCommittedVersion int64
	RecoverAt             int64
}

// Puller drains a predecessor generation's tag history into a freshly
// recruited generation through its normal commit path, so recovered
// messages are durable and peekable exactly like live commits.
type Puller struct {
	Client *tlogsvc.Client
	Config PredecessorConfig
	Logger *log.Logger

	pool clientPool
}

// NewPuller wires a Puller over cfg's targets.
func NewPuller(client *tlogsvc.Client, cfg PredecessorConfig) *Puller {
	return &Puller{
		Client: client,
		Config: cfg,
		pool:   clientPool{targets: cfg.Targets},
	}
}

// Pull peeks every recover tag over (known_committed_version, recover_at],
// re-commits the pulled versions in order, then declares
// known_committed_version = recover_at -- injecting a zero-message entry
// at recover_at when nothing was pulled that far, so the new generation's
// version lands exactly on the recovery boundary.
func (p *Puller) Pull(ctx context.Context, path *commit.Path) error {
	if len(p.Config.Targets) == 0 {
		return fmt.Errorf("recovery: predecessor pull with no targets")
	}

	byVersion := make(map[int64][]memlog.TaggedMessage)
	for _, t := range p.Config.RecoverTags {
		if err := p.pullTag(ctx, t, byVersion); err != nil {
			return fmt.Errorf("recovery: pulling tag %s: %w", t, err)
		}
	}

	versions := make([]int64, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	prev := path.Gen.Version.Get()
	for _, v := range versions {
		if v <= prev {
			continue
		}
		_, err := path.Commit(ctx, commit.Request{
			PrevVersion:           prev,
			Version:               v,
			KnownCommittedVersion: p.Config.KnownCommittedVersion,
			Messages:              byVersion[v],
		})
		if err != nil {
			return fmt.Errorf("recovery: re-committing version %d: %w", v, err)
		}
		prev = v
	}

	path.Gen.SetKnownCommitted(p.Config.RecoverAt)
	if path.Gen.Version.Get() < p.Config.RecoverAt {
		_, err := path.Commit(ctx, commit.Request{
			PrevVersion:           prev,
			Version:               p.Config.RecoverAt,
			KnownCommittedVersion: p.Config.RecoverAt,
		})
		if err != nil {
			return fmt.Errorf("recovery: injecting boundary entry at %d: %w", p.Config.RecoverAt, err)
		}
	}
	return nil
}

// pullTag walks one tag's history with return_if_blocked peeks until the
// replies pass recover_at or the predecessor has nothing further.
func (p *Puller) pullTag(ctx context.Context, t tag.Tag, byVersion map[int64][]memlog.TaggedMessage) error {
	begin := p.Config.KnownCommittedVersion + 1
	for begin <= p.Config.RecoverAt {
		tgt := p.pool.pick()
		rep, err := p.Client.Peek(ctx, tgt.Addr, tgt.Iface, peek.Request{
			Tag:             t,
			BeginVersion:    begin,
			ReturnIfBlocked: true,
		})
		if err != nil {
			if errors.Is(err, tlogerr.ErrEndOfStream) {
				return nil
			}
			return err
		}
		if rep.Popped {
			// The predecessor already discarded everything below its popped
			// cursor; resume from there.
			if rep.EndVersion <= begin {
				return nil
			}
			begin = rep.EndVersion
			continue
		}

		msgs, err := peek.DecodeVersionedMessages(rep.Messages)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.Version > p.Config.RecoverAt {
				continue
			}
			byVersion[m.Version] = append(byVersion[m.Version], memlog.TaggedMessage{
				Tags: []tag.Tag{t},
				Data: m.Data,
			})
		}

		if rep.EndVersion <= begin {
			return nil
		}
		begin = rep.EndVersion
	}
	return nil
}
