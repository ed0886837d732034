package queue

import (
	"context"
	"testing"
	"time"

	"github.com/ChuLiYu/toolshelf/internal/jobmanager"
	"github.com/ChuLiYu/toolshelf/internal/worker"
)

// BenchmarkEnqueue 量測提交吞吐（包含每次提交前的回收）
func BenchmarkEnqueue(b *testing.B) {
	store := jobmanager.NewJobManager(jobmanager.Config{MaxJobs: 1000})
	noop := worker.ProcessorFunc(func(context.Context, map[string]interface{}) ([]string, error) {
		return nil, nil
	})
	q := New(store, worker.NewExecutor(noop, nil), Config{DrainDelay: time.Hour})
	defer q.Stop(context.Background())

	payload := map[string]interface{}{"url": "https://example.com"}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Enqueue(payload, i%20)
	}
}

// BenchmarkDrain 量測單一 worker 依序清空 100 筆任務的時間
func BenchmarkDrain(b *testing.B) {
	noop := worker.ProcessorFunc(func(context.Context, map[string]interface{}) ([]string, error) {
		return []string{"ok"}, nil
	})

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		store := jobmanager.NewJobManager(jobmanager.Config{MaxJobs: 100})
		q := New(store, worker.NewExecutor(noop, nil), Config{DrainDelay: time.Microsecond})
		b.StartTimer()

		for j := 0; j < 100; j++ {
			q.EnqueueDefault(map[string]interface{}{})
		}
		for q.GetQueueStats().Completed < 100 {
			time.Sleep(100 * time.Microsecond)
		}

		b.StopTimer()
		q.Stop(context.Background())
	}
}
