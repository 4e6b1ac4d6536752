package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/chn0318/tlogd/commit"
	"github.com/chn0318/tlogd/memlog"
	"github.com/chn0318/tlogd/peek"
	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/tlogsvc"
	"github.com/chn0318/tlogd/transport"
)

func main() {
	addr := flag.String("addr", "localhost:4500", "tlogd address")
	mode := flag.String("mode", "metrics", "one of: commit, peek, pop, lock, metrics, confirm-running")
	tagID := flag.Uint("tag", 0, "tag id")
	locality := flag.Int("locality", 0, "tag locality")
	version := flag.Int64("version", 0, "version (commit: new version; peek/pop: begin/upto)")
	data := flag.String("data", "", "commit message payload")
	timeout := flag.Duration("timeout", 5*time.Second, "call timeout")
	flag.Parse()

	clientT := transport.New(0, false)
	defer clientT.Stop()
	client := tlogsvc.NewClient(clientT)

	// Every call below needs the target's registered Interface tokens,
	// which a real coordinator would have learned from recruitment; here
	// they're assumed to sit at the well-known slots a freshly recruited
	// generation registers first (tlogserver.Server.install via
	// tlogsvc.Server.Register, in Interface field order), mirroring a
	// single-generation test deployment.
	iface := tlogsvc.Interface{
		Peek:             transport.Token{Low: 3, High: transport.TokenStreamFlag},
		Pop:              transport.Token{Low: 4, High: transport.TokenStreamFlag},
		Commit:           transport.Token{Low: 5, High: transport.TokenStreamFlag},
		Lock:             transport.Token{Low: 6},
		QueuingMetrics:   transport.Token{Low: 7},
		ConfirmRunning:   transport.Token{Low: 8},
		RecoveryFinished: transport.Token{Low: 9, High: transport.TokenStreamFlag},
		WaitFailure:      transport.Token{Low: 10, High: transport.TokenStreamFlag},
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	t := tag.Tag{Locality: tag.Locality(*locality), ID: uint16(*tagID)}

	switch *mode {
	case "commit":
		req := commit.Request{
			Version: *version,
			Messages: []memlog.TaggedMessage{
				{Tags: []tag.Tag{t}, Data: []byte(*data)},
			},
		}
		durable, err := client.Commit(ctx, *addr, iface, req)
		if err != nil {
			log.Fatalf("commit: %v", err)
		}
		log.Printf("commit ok, durable_known_committed_version=%d", durable)

	case "peek":
		rep, err := client.Peek(ctx, *addr, iface, peek.Request{Tag: t, BeginVersion: *version})
		if err != nil {
			log.Fatalf("peek: %v", err)
		}
		log.Printf("peek: end_version=%d popped=%v bytes=%d", rep.EndVersion, rep.Popped, len(rep.Messages))

	case "pop":
		if err := client.Pop(ctx, *addr, iface, peek.PopRequest{Tag: t, Upto: *version}); err != nil {
			log.Fatalf("pop: %v", err)
		}
		log.Println("pop ok")

	case "lock":
		res, err := client.Lock(ctx, *addr, iface)
		if err != nil {
			log.Fatalf("lock: %v", err)
		}
		log.Printf("lock: end=%d known_committed_version=%d", res.End, res.KnownCommittedVersion)

	case "metrics":
		m, err := client.QueuingMetrics(ctx, *addr, iface)
		if err != nil {
			log.Fatalf("metrics: %v", err)
		}
		log.Printf("metrics: instance=%s bytes_input=%d bytes_durable=%d version=%d",
			m.InstanceID, m.BytesInput, m.BytesDurable, m.V)

	case "confirm-running":
		if err := client.ConfirmRunning(ctx, *addr, iface, "tlogctl"); err != nil {
			log.Fatalf("confirm-running: %v", err)
		}
		log.Println("confirm-running ok")

	default:
		log.Fatalf("unknown mode %q", *mode)
	}
}
