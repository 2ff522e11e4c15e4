// Package main provides a benchmark tool for the offline queue. It enqueues
// a batch of actions from concurrent writers and then drains them with a
// sync run against a no-op dispatcher, measuring both phases.
//
// Every mutation rewrites the whole persisted list, so cost grows with queue
// length; the numbers show how large a backlog a device can carry.
//
// Usage:
//
//	go run benchmark/main.go -actions 2000 -store sqlite -path /tmp/bench.db
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetops/offlineq/pkg/actions"
	"github.com/fleetops/offlineq/pkg/queue"
	"github.com/fleetops/offlineq/pkg/store"
	"github.com/fleetops/offlineq/pkg/syncer"
)

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, actions.QueueItem) error { return nil }

// splitWork divides total actions between workers; the last worker takes
// the remainder.
func splitWork(total, workers int) []int {
	shares := make([]int, workers)
	for i := range shares {
		shares[i] = total / workers
	}
	shares[workers-1] += total % workers
	return shares
}

func main() {
	numActions := flag.Int("actions", 2000, "Number of actions to enqueue")
	numWorkers := flag.Int("workers", 4, "Number of concurrent enqueuers")
	driver := flag.String("store", "redis", "Store driver: redis or sqlite")
	redisAddr := flag.String("redis", "localhost:6379", "Redis address")
	path := flag.String("path", "benchmark.db", "SQLite database path")
	flag.Parse()

	if *numActions < 1 || *numWorkers < 1 {
		fmt.Printf("Error: -actions and -workers must be at least 1\n")
		os.Exit(2)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{Driver: *driver, RedisAddr: *redisAddr, SQLitePath: *path})
	if err != nil {
		fmt.Printf("Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	q := queue.NewManager(st, queue.WithKey(fmt.Sprintf("benchmark:%d", time.Now().UnixNano())))

	fmt.Printf("Offline queue benchmark\n")
	fmt.Printf("=======================\n")
	fmt.Printf("Store: %s\n", *driver)
	fmt.Printf("Actions to enqueue: %d\n", *numActions)
	fmt.Printf("Concurrent writers: %d\n\n", *numWorkers)

	// Enqueue phase
	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	for i, share := range splitWork(*numActions, *numWorkers) {
		wg.Add(1)
		go func(workerID, share int) {
			defer wg.Done()
			for j := 0; j < share; j++ {
				p := actions.FuelPurchase{
					VehicleID: fmt.Sprintf("V%d", workerID),
					Quantity:  float64(j%60 + 1),
					Price:     290,
				}
				if _, err := q.Enqueue(ctx, p); err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i, share)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("✓ Enqueued %d actions in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f actions/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	// Drain phase
	fmt.Printf("Draining queue...\n")
	engine := syncer.New(q, noopDispatcher{}, queue.DefaultMaxRetries)
	startDrain := time.Now()

	summary, err := engine.RunSync(ctx)
	if err != nil {
		fmt.Printf("Error draining: %v\n", err)
		os.Exit(1)
	}
	drainTime := time.Since(startDrain)

	fmt.Printf("✓ Processed %d actions in %s (remaining %d)\n", summary.Processed, drainTime, summary.Remaining)
	fmt.Printf("  Throughput: %.2f actions/sec\n", float64(summary.Processed)/drainTime.Seconds())

	totalTime := enqueueTime + drainTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
}
