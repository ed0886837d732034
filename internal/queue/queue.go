// ============================================================================
// Toolshelf 截圖佇列 - 單一 Worker 排程器
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 接收截圖任務、依優先權逐一執行，並提供狀態查詢
//
// 架構設計:
//   Queue 協調三個組件：
//   - JobManager: 任務狀態與回收（唯一真實來源）
//   - Executor: 在期限內執行實際工作
//   - Recorder: 指標輸出（Prometheus Collector）
//
// 排程循環 (Drain Cycle):
//   Enqueue() ──觸發──▶ trigger()
//                          │ running.CompareAndSwap(false, true)
//                          ▼
//                     drainOnce()
//                          ├─ NextPending() 取出一個任務
//                          ├─ MarkProcessing()
//                          ├─ Executor.Execute(JobTimeout)
//                          ├─ MarkCompleted / MarkFailed / MarkTimedOut
//                          ├─ running.Store(false)
//                          └─ 仍有待處理任務 → time.AfterFunc(DrainDelay)
//
// 並發保證:
//   - 任何時刻最多只有一個任務處於執行階段（atomic.Bool 守衛）
//   - 守衛在任何阻塞點之前就以 CompareAndSwap 取得
//   - 執行中的任務被回收後，結果寫入變成記錄日誌的 no-op
//
// 關閉順序:
//   1. stopped = true，取消尚未觸發的計時器
//   2. 等待正在執行的循環結束（受呼叫端 ctx 限制）
//   3. ctx 到期時取消執行中的任務
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/toolshelf/internal/jobmanager"
	"github.com/ChuLiYu/toolshelf/internal/worker"
	"github.com/ChuLiYu/toolshelf/pkg/types"
)

// ErrNotFound 任務不存在、已過期或已被回收
var ErrNotFound = errors.New("queue: job not found")

// 預設值
const (
	DefaultJobTimeout = 30 * time.Second
	DefaultDrainDelay = time.Second
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 佇列配置
type Config struct {
	JobTimeout time.Duration // 單一任務的執行期限
	DrainDelay time.Duration // 兩個循環之間的間隔
}

// Recorder 佇列指標輸出介面，由 metrics.Collector 實作
type Recorder interface {
	RecordEnqueue()
	RecordEvicted(n int)
	RecordStarted()
	RecordCompleted(latencySeconds float64)
	RecordFailed(latencySeconds float64)
	RecordTimedOut(latencySeconds float64)
	UpdateQueueStats(pending, processing int)
}

type nopRecorder struct{}

func (nopRecorder) RecordEnqueue() {}
func (nopRecorder) RecordEvicted(int) {}
func (nopRecorder) RecordStarted() {}
func (nopRecorder) RecordCompleted(float64) {}
func (nopRecorder) RecordFailed(float64) {}
func (nopRecorder) RecordTimedOut(float64) {}
func (nopRecorder) UpdateQueueStats(int, int) {}

// Queue 截圖任務佇列
type Queue struct {
	store    *jobmanager.JobManager
	exec     *worker.Executor
	config   Config
	logger   *zap.Logger
	recorder Recorder

	running atomic.Bool    // 排程守衛：同一時間只允許一個循環
	mu      sync.Mutex     // 保護 stopped / timer / cycles.Add
	stopped bool           // 停止後不再觸發新循環
	timer   *time.Timer    // 下一次排程（nil 表示沒有排程）
	cycles  sync.WaitGroup // 等待執行中的循環

	ctx    context.Context    // 所有任務的父 context
	cancel context.CancelFunc // Stop 逾時時中止執行中的任務
}

// Option 調整 Queue 的可選設定
type Option func(*Queue)

// WithLogger 設定 zap logger
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithRecorder 設定指標輸出
func WithRecorder(recorder Recorder) Option {
	return func(q *Queue) {
		if recorder != nil {
			q.recorder = recorder
		}
	}
}

// New 建立新的佇列
//
// JobTimeout / DrainDelay <= 0 時使用預設值（30 秒、1 秒）。
func New(store *jobmanager.JobManager, exec *worker.Executor, config Config, opts ...Option) *Queue {
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultJobTimeout
	}
	if config.DrainDelay <= 0 {
		config.DrainDelay = DefaultDrainDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		store:    store,
		exec:     exec,
		config:   config,
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.Named("queue")
	return q
}

// ============================================================================
// 公開方法
// ============================================================================

// Enqueue 加入新任務並觸發排程，永不失敗
func (q *Queue) Enqueue(payload map[string]interface{}, priority int) types.JobID {
	job, evicted := q.store.Add(payload, priority)

	q.recorder.RecordEnqueue()
	q.recorder.RecordEvicted(evicted)
	if evicted > 0 {
		q.logger.Debug("jobs collected on enqueue", zap.Int("evicted", evicted))
	}
	q.logger.Debug("job enqueued",
		zap.String("job_id", string(job.ID)),
		zap.Int("priority", priority))

	q.trigger()
	return job.ID
}

// EnqueueDefault 以預設優先權加入任務
func (q *Queue) EnqueueDefault(payload map[string]interface{}) types.JobID {
	return q.Enqueue(payload, types.DefaultPriority)
}

// GetStatus 取得任務快照
func (q *Queue) GetStatus(id types.JobID) (types.Job, error) {
	job, ok := q.store.Get(id)
	if !ok {
		return types.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, nil
}

// GetQueueStats 取得各狀態任務數（唯讀）
func (q *Queue) GetQueueStats() types.QueueStats {
	return q.store.Stats()
}

// Stop 停止排程並等待執行中的循環
//
// ctx 到期時會取消執行中的任務並回傳 ctx.Err()。重複呼叫安全。
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
		q.logger.Info("stopping queue")
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.cycles.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

// ============================================================================
// 排程循環
// ============================================================================

// trigger 嘗試啟動一個循環；已有循環在執行時直接返回
func (q *Queue) trigger() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}
	if !q.running.CompareAndSwap(false, true) {
		return
	}
	q.cycles.Add(1)
	go q.drainOnce()
}

// schedule 在 DrainDelay 後再次觸發；已有排程時不重複建立
func (q *Queue) schedule() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.timer != nil {
		return
	}
	q.timer = time.AfterFunc(q.config.DrainDelay, func() {
		q.mu.Lock()
		q.timer = nil
		q.mu.Unlock()
		q.trigger()
	})
}

// drainOnce 處理恰好一個任務
func (q *Queue) drainOnce() {
	defer q.cycles.Done()

	if job, ok := q.store.NextPending(); ok {
		if err := q.store.MarkProcessing(job.ID); err != nil {
			// 在 NextPending 與 MarkProcessing 之間被回收
			q.logger.Debug("skipping job", zap.String("job_id", string(job.ID)), zap.Error(err))
		} else {
			q.recorder.RecordStarted()
			q.run(job)
		}
	}

	q.running.Store(false)

	if q.store.HasPending() {
		q.schedule()
	} else if evicted := q.store.Collect(); evicted > 0 {
		// 閒置時回收過期任務，不必等到下一次 Enqueue
		q.recorder.RecordEvicted(evicted)
		q.logger.Debug("jobs collected while idle", zap.Int("evicted", evicted))
	}

	stats := q.store.Stats()
	q.recorder.UpdateQueueStats(stats.Pending, stats.Processing)
}

// run 執行任務並寫入最終狀態
func (q *Queue) run(job types.Job) {
	logger := q.logger.With(zap.String("job_id", string(job.ID)))

	result := q.exec.Execute(q.ctx, worker.Task{
		ID:      job.ID,
		Payload: job.Payload,
		Timeout: q.config.JobTimeout,
	})
	latency := result.Duration.Seconds()

	var err error
	switch {
	case result.TimedOut:
		q.recorder.RecordTimedOut(latency)
		err = q.store.MarkTimedOut(job.ID, result.Err.Error())
		logger.Warn("job timed out", zap.Duration("timeout", q.config.JobTimeout))
	case !result.Success():
		q.recorder.RecordFailed(latency)
		err = q.store.MarkFailed(job.ID, result.Err.Error())
		logger.Warn("job failed", zap.Error(result.Err))
	default:
		q.recorder.RecordCompleted(latency)
		err = q.store.MarkCompleted(job.ID, result.Artifacts)
		logger.Info("job completed",
			zap.Int("artifacts", len(result.Artifacts)),
			zap.Duration("duration", result.Duration))
	}

	switch {
	case err == nil:
	case errors.Is(err, jobmanager.ErrJobNotFound):
		logger.Info("job evicted while processing, result dropped")
	default:
		logger.Error("failed to record job result", zap.Error(err))
	}
}
