// Command demo runs the queue and the cache in-process with fake work and
// prints what happens:
//
//	go run ./cmd/demo queue   # priority drain order, timeout, status polling
//	go run ./cmd/demo cache   # hit, stale-while-revalidate, expiry, invalidation
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/toolshelf/internal/cache"
	"github.com/ChuLiYu/toolshelf/internal/jobmanager"
	"github.com/ChuLiYu/toolshelf/internal/logging"
	"github.com/ChuLiYu/toolshelf/internal/queue"
	"github.com/ChuLiYu/toolshelf/internal/worker"
	"github.com/ChuLiYu/toolshelf/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <queue|cache>")
		os.Exit(1)
	}

	logger, err := logging.New("warn", "console")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	switch os.Args[1] {
	case "queue":
		runQueueDemo()
	case "cache":
		runCacheDemo()
	default:
		log.Fatalf("unknown demo %q", os.Args[1])
	}
}

func runQueueDemo() {
	store := jobmanager.NewJobManager(jobmanager.Config{TTL: time.Minute, MaxJobs: 10})
	processor := worker.ProcessorFunc(func(ctx context.Context, payload map[string]interface{}) ([]string, error) {
		name := payload["name"].(string)
		fmt.Printf("  ▶ processing %s\n", name)
		if name == "hang" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		time.Sleep(100 * time.Millisecond)
		return []string{"/screenshots/" + name + ".png"}, nil
	})
	q := queue.New(store, worker.NewExecutor(processor, nil), queue.Config{
		JobTimeout: 300 * time.Millisecond,
		DrainDelay: 50 * time.Millisecond,
	})

	var ids []types.JobID
	for _, j := range []struct {
		name     string
		priority int
	}{{"low", 10}, {"urgent", 1}, {"hang", 3}, {"normal", 5}} {
		ids = append(ids, q.Enqueue(map[string]interface{}{"name": j.name}, j.priority))
		fmt.Printf("✓ enqueued %-7s priority=%d\n", j.name, j.priority)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats := q.GetQueueStats()
		if stats.Pending == 0 && stats.Processing == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	fmt.Println("\n📊 Final status:")
	for _, id := range ids {
		job, err := q.GetStatus(id)
		if err != nil {
			fmt.Printf("  %s: %v\n", id, err)
			continue
		}
		fmt.Printf("  %-7s %-10s %v %s\n", job.Payload["name"], job.Status, job.Artifacts, job.Error)
	}
	if _, err := q.GetStatus("nonexistent-id"); errors.Is(err, queue.ErrNotFound) {
		fmt.Println("  nonexistent-id → not found")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Stop(ctx)
}

func runCacheDemo() {
	c := cache.New[string](cache.Config{Name: "demo", CleanupInterval: -1})
	defer c.Close()
	ctx := context.Background()

	var calls atomic.Int32
	lookup := func(context.Context) (string, error) {
		n := calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return fmt.Sprintf("value#%d", n), nil
	}
	opts := cache.Options{TTL: 400 * time.Millisecond, StaleTime: 200 * time.Millisecond, StaleWhileRevalidate: true}

	show := func(label string) {
		v, err := c.FetchWithCache(ctx, "figma", lookup, opts)
		fmt.Printf("%-28s → %s (err=%v, computes=%d)\n", label, v, err, calls.Load())
	}

	show("miss")
	show("fresh hit")
	time.Sleep(250 * time.Millisecond)
	show("stale, refresh in background")
	time.Sleep(50 * time.Millisecond)
	show("refreshed")
	time.Sleep(450 * time.Millisecond)
	show("expired, recomputed")
	c.InvalidatePattern(ctx, "fig*")
	show("after invalidation")

	fmt.Printf("\n📊 %+v\n", c.Stats())
}
