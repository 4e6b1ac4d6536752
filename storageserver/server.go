// Package storageserver is a minimal storage replica: the tag-subscribed
// consumer side of the TLog contract. It peeks its tag's message stream
// with pipelined sequence numbers, applies each mutation to its map
// service, and pops the TLog once the data is applied so the log can
// reclaim it.
package storageserver

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/chn0318/tlogd/mapservice"
	"github.com/chn0318/tlogd/peek"
	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/tlogerr"
	"github.com/chn0318/tlogd/tlogsvc"
)

// Replica consumes one tag from one TLog generation into a MapService.
type Replica struct {
	Client *tlogsvc.Client
	Addr   string
	Iface  tlogsvc.Interface
	Tag    tag.Tag
	Map    *mapservice.MapService
	Logger *log.Logger

	subscriberID string
	sequence     int64
	begin        int64
}

// NewReplica wires a replica starting at beginVersion with a fresh
// subscriber identity.
func NewReplica(client *tlogsvc.Client, addr string, iface tlogsvc.Interface, t tag.Tag, beginVersion int64) *Replica {
	return &Replica{
		Client:       client,
		Addr:         addr,
		Iface:        iface,
		Tag:          t,
		Map:          mapservice.NewMapService(),
		subscriberID: uuid.New().String(),
		begin:        beginVersion,
	}
}

// Run peeks, applies, and pops until ctx is done. A timed-out tracker
// (ErrTimedOut) restarts the subscription with a fresh sequence stream;
// any other error except context cancellation is logged and the same
// sequence is retried, rather than killing the replica.
func (r *Replica) Run(ctx context.Context, idle time.Duration) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		advanced, err := r.ConsumeOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, tlogerr.ErrTimedOut) {
				// Tracker evicted our sequence window; resubscribe.
				r.subscriberID = uuid.New().String()
				r.sequence = 0
			}
			r.logf("storageserver: consume: %v", err)
		}
		if !advanced {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idle):
			}
		}
	}
}

// ConsumeOnce issues one sequenced peek, applies everything it returned,
// and pops up to the reply's end version. It reports whether the peek
// moved the cursor forward.
func (r *Replica) ConsumeOnce(ctx context.Context) (advanced bool, err error) {
	seq := r.sequence
	rep, err := r.Client.Peek(ctx, r.Addr, r.Iface, peek.Request{
		Tag:             r.Tag,
		BeginVersion:    r.begin,
		ReturnIfBlocked: true,
		HasSequence:     true,
		SubscriberID:    r.subscriberID,
		Sequence:        seq,
	})
	if err != nil {
		if errors.Is(err, tlogerr.ErrEndOfStream) {
			return false, nil
		}
		return false, err
	}
	r.sequence = seq + 1

	if rep.Popped {
		r.begin = rep.EndVersion
		return true, nil
	}

	msgs, err := peek.DecodeVersionedMessages(rep.Messages)
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		mut, err := mapservice.DecodeMutation(m.Data)
		if err != nil {
			return false, err
		}
		r.Map.Apply(m.Version, mut)
	}

	if rep.EndVersion <= r.begin {
		return false, nil
	}
	r.begin = rep.EndVersion

	if err := r.Client.Pop(ctx, r.Addr, r.Iface, peek.PopRequest{
		Tag:  r.Tag,
		Upto: r.begin,
	}); err != nil {
		return true, err
	}
	return true, nil
}

func (r *Replica) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}
