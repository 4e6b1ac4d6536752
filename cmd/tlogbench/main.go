package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chn0318/tlogd/commit"
	"github.com/chn0318/tlogd/memlog"
	"github.com/chn0318/tlogd/tag"
	"github.com/chn0318/tlogd/tlogsvc"
	"github.com/chn0318/tlogd/transport"
)

func main() {
	addr := flag.String("addr", "localhost:4500", "tlogd address")
	totalReq := flag.Int("total-requests", 10000, "total number of commit requests")
	concurrency := flag.Int("concurrency", 32, "number of concurrent workers")
	valueSize := flag.Int("value-bytes", 256, "message payload size in bytes")
	flag.Parse()

	log.Printf("commit benchmark start: addr=%s total=%d concurrency=%d value-bytes=%d",
		*addr, *totalReq, *concurrency, *valueSize)

	clientT := transport.New(0, false)
	defer clientT.Stop()
	client := tlogsvc.NewClient(clientT)

	iface := tlogsvc.Interface{
		Peek:   transport.Token{Low: 3, High: transport.TokenStreamFlag},
		Pop:    transport.Token{Low: 4, High: transport.TokenStreamFlag},
		Commit: transport.Token{Low: 5, High: transport.TokenStreamFlag},
	}

	value := make([]byte, *valueSize)
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range value {
		value[i] = byte(r.Intn(256))
	}

	type job struct{ version int64 }
	jobs := make(chan job, *totalReq)

	var wg sync.WaitGroup
	var errCount int64
	var nextVersion int64
	start := time.Now()

	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				req := commit.Request{
					Version: j.version,
					Messages: []memlog.TaggedMessage{
						{Tags: []tag.Tag{{Locality: 0, ID: 1}}, Data: value},
					},
				}
				_, err := client.Commit(ctx, *addr, iface, req)
				cancel()
				if err != nil {
					atomic.AddInt64(&errCount, 1)
				}
			}
		}()
	}

	for i := 0; i < *totalReq; i++ {
		nextVersion++
		jobs <- job{version: nextVersion}
	}
	close(jobs)
	wg.Wait()

	elapsed := time.Since(start).Seconds()
	successReq := int64(*totalReq) - errCount
	totalBytes := float64(successReq) * float64(*valueSize)
	qps := float64(successReq) / elapsed
	mbps := totalBytes / (1024 * 1024) / elapsed

	log.Printf("=== commit benchmark result ===")
	log.Printf("Total requests:      %d", *totalReq)
	log.Printf("Successful requests: %d", successReq)
	log.Printf("Failed requests:     %d", errCount)
	log.Printf("Elapsed time:        %.3f s", elapsed)
	log.Printf("Throughput:          %.2f req/s", qps)
	log.Printf("Data throughput:     %.2f MB/s", mbps)
}
