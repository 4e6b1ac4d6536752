package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/chn0318/tlogd/config"
	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/tlogserver"
)

func main() {
	flags := pflag.NewFlagSet("tlogd", pflag.ExitOnError)
	flags.String("listen-addr", "", "address to listen on, e.g. :4500")
	flags.String("data-dir", "", "on-disk directory for the kv index and queue")
	flags.Int64("hard-limit-bytes", 0, "commit backpressure backlog limit")
	flags.Int64("spill-byte-budget", 0, "bytes spilled per spill-loop pass")
	flags.Int64("spill-high-water-bytes", 0, "spill-loop high-water mark")
	flags.Int64("peek-memory-limit-bytes", 0, "peek resolved-spill memory budget")
	flags.Int("log-router-read-limit", 0, "max concurrent log-router spill reads")
	flags.Int64("recover-memory-limit", 0, "inline-spill trigger during replay")
	configFile := flags.String("config", "", "optional config file (yaml/json/toml)")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags, *configFile)
	if err != nil {
		log.Fatalf("tlogd: loading config: %v", err)
	}

	logger := log.New(os.Stderr, "tlogd: ", log.LstdFlags)
	srv, err := tlogserver.Open(cfg, logger)
	if err != nil {
		logger.Fatalf("opening server: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Recover(ctx); err != nil {
		logger.Fatalf("recovery: %v", err)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Fatalf("listen on %s: %v", cfg.ListenAddr, err)
	}
	logger.Printf("listening on %s (data-dir=%s)", cfg.ListenAddr, cfg.DataDir)

	if srv.GenerationCount() == 0 {
		id, _, err := srv.Recruit(tag.Locality(0), 1)
		if err != nil {
			logger.Fatalf("recruiting initial generation: %v", err)
		}
		logger.Printf("recruited generation %s", id)
	}

	go func() {
		if err := srv.Serve(ln); err != nil {
			logger.Printf("serve: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		logger.Println("shutting down")
	case <-srv.WorkerRemoved:
		logger.Println("worker removed: last generation retired")
	}
}
