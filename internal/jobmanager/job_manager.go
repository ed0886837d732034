// ============================================================================
// Toolshelf 任務管理器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理截圖任務的完整生命週期、TTL 回收與容量上限
//
// 設計理念:
//   jobs map 是唯一真實來源 (Single Source of Truth)，所有狀態都寫在
//   Job.Status 上；呼叫端只拿到值拷貝，永遠不直接修改內部紀錄。
//
// 任務狀態轉換 (State Machine):
//   Pending (待處理)
//      ↓ MarkProcessing()
//   Processing (執行中)
//      ↓ MarkCompleted() / MarkFailed() / MarkTimedOut()
//   Completed / Failed / TimedOut (終止狀態，之後不可再變更)
//
// 回收規則:
//   1. TTL 掃描 - 建立時間超過 TTL 的任務一律刪除（不論狀態）
//   2. 容量上限 - 超過 MaxJobs 時依建立時間由舊到新刪除
//   3. Get() 查詢時主動檢查 TTL，過期即刪除並回報不存在
//
// 排序規則:
//   NextPending() 依 (Priority 升冪, CreatedAt 升冪, 插入序號 升冪) 選出
//   下一個任務；同毫秒建立的任務由插入序號保證 FIFO。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/toolshelf/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在（從未存在、已過期或已被容量回收）
	ErrJobNotFound = errors.New("job not found")
	// 任務已在終止狀態，不可再轉換
	ErrTerminal = errors.New("job already in terminal state")
	// 任務不在預期狀態
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// 預設值
const (
	DefaultTTL     = 30 * time.Minute
	DefaultMaxJobs = 100
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 任務管理器配置
type Config struct {
	TTL     time.Duration // 任務保留時間
	MaxJobs int           // 保留任務數量上限
}

// record 內部儲存單元，seq 用於同一毫秒內的 FIFO 排序
type record struct {
	job     types.Job
	seq     uint64
	created time.Time // 未截斷的建立時間，TTL 判斷使用
}

// expired 回報任務是否已超過 ttl
func (r *record) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.created) > ttl
}

// JobManager 代表任務管理器
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[types.JobID]*record
	seq     uint64
	ttl     time.Duration
	maxJobs int
	now     func() time.Time
}

// Option 調整 JobManager 的可選設定
type Option func(*JobManager)

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(jm *JobManager) {
		jm.now = now
	}
}

// NewJobManager 建立新的任務管理器實例
//
// TTL <= 0 或 MaxJobs <= 0 時使用預設值（30 分鐘、100 筆）。
func NewJobManager(cfg Config, opts ...Option) *JobManager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = DefaultMaxJobs
	}
	jm := &JobManager{
		jobs:    make(map[types.JobID]*record),
		ttl:     cfg.TTL,
		maxJobs: cfg.MaxJobs,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

// ============================================================================
// 核心方法
// ============================================================================

// Add 建立新的待處理任務
//
// 流程：
//  1. 先執行一次回收（TTL 掃描 + 容量上限，保留一個空位給新任務）
//  2. 產生新的任務 ID
//  3. 以 Pending 狀態存入
//
// 返回值：
//   - types.Job: 新任務的拷貝
//   - int: 本次回收刪除的任務數
//
// 新任務永遠不會被本次回收刪除。
func (jm *JobManager) Add(payload map[string]interface{}, priority int) (types.Job, int) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	now := jm.now()
	evicted := jm.collectLocked(now, jm.maxJobs-1)

	id := types.NewJobID(now)
	for _, exists := jm.jobs[id]; exists; _, exists = jm.jobs[id] {
		id = types.NewJobID(now)
	}

	nowMs := now.UnixMilli()
	jm.seq++
	rec := &record{
		job: types.Job{
			ID:        id,
			Payload:   payload,
			Status:    types.StatusPending,
			Priority:  priority,
			Artifacts: []string{},
			CreatedAt: nowMs,
			UpdatedAt: nowMs,
		},
		seq:     jm.seq,
		created: now,
	}
	jm.jobs[id] = rec

	return rec.job.Clone(), evicted
}

// Get 取得任務快照
//
// 若任務存在但已超過 TTL，會先刪除再回報不存在。
func (jm *JobManager) Get(jobID types.JobID) (types.Job, bool) {
	now := jm.now()

	jm.mu.RLock()
	rec, exists := jm.jobs[jobID]
	if !exists {
		jm.mu.RUnlock()
		return types.Job{}, false
	}
	if !rec.expired(now, jm.ttl) {
		job := rec.job.Clone()
		jm.mu.RUnlock()
		return job, true
	}
	jm.mu.RUnlock()

	// 已過期：升級為寫鎖後刪除
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if rec, exists := jm.jobs[jobID]; exists && rec.expired(now, jm.ttl) {
		delete(jm.jobs, jobID)
	}
	return types.Job{}, false
}

// NextPending 取得下一個應處理的待處理任務，但不改變其狀態
func (jm *JobManager) NextPending() (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var best *record
	for _, rec := range jm.jobs {
		if rec.job.Status != types.StatusPending {
			continue
		}
		if best == nil || less(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return types.Job{}, false
	}
	return best.job.Clone(), true
}

// HasPending 回報是否仍有待處理任務
func (jm *JobManager) HasPending() bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	for _, rec := range jm.jobs {
		if rec.job.Status == types.StatusPending {
			return true
		}
	}
	return false
}

// MarkProcessing 將待處理任務標記為執行中
func (jm *JobManager) MarkProcessing(jobID types.JobID) error {
	return jm.transition(jobID, func(job *types.Job) error {
		if job.Status != types.StatusPending {
			return ErrInvalidTransition
		}
		job.Status = types.StatusProcessing
		return nil
	})
}

// MarkCompleted 將任務標記為完成並寫入產出
func (jm *JobManager) MarkCompleted(jobID types.JobID, artifacts []string) error {
	return jm.transition(jobID, func(job *types.Job) error {
		job.Status = types.StatusCompleted
		job.Artifacts = append(make([]string, 0, len(artifacts)), artifacts...)
		job.Error = ""
		return nil
	})
}

// MarkFailed 將任務標記為失敗並記錄錯誤訊息
func (jm *JobManager) MarkFailed(jobID types.JobID, message string) error {
	return jm.transition(jobID, func(job *types.Job) error {
		job.Status = types.StatusFailed
		job.Error = message
		return nil
	})
}

// MarkTimedOut 將任務標記為超時
func (jm *JobManager) MarkTimedOut(jobID types.JobID, message string) error {
	return jm.transition(jobID, func(job *types.Job) error {
		job.Status = types.StatusTimedOut
		job.Error = message
		return nil
	})
}

// transition 套用狀態轉換；終止狀態的任務不可再變更，UpdatedAt 一律更新
func (jm *JobManager) transition(jobID types.JobID, apply func(*types.Job) error) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	rec, exists := jm.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if rec.job.Status.IsTerminal() {
		return ErrTerminal
	}
	if err := apply(&rec.job); err != nil {
		return err
	}
	rec.job.UpdatedAt = jm.now().UnixMilli()
	return nil
}

// Collect 執行一次回收（TTL 掃描 + 容量上限）
//
// 返回值：
//   - int: 刪除的任務數
func (jm *JobManager) Collect() int {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.collectLocked(jm.now(), jm.maxJobs)
}

// collectLocked 假設呼叫者已持有寫鎖；回收後任務數不超過 limit
func (jm *JobManager) collectLocked(now time.Time, limit int) int {
	removed := 0

	// 1. TTL 掃描
	for id, rec := range jm.jobs {
		if rec.expired(now, jm.ttl) {
			delete(jm.jobs, id)
			removed++
		}
	}

	// 2. 容量上限：依建立時間由舊到新刪除
	if limit < 0 {
		limit = 0
	}
	if len(jm.jobs) <= limit {
		return removed
	}

	ordered := make([]*record, 0, len(jm.jobs))
	for _, rec := range jm.jobs {
		ordered = append(ordered, rec)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].job.CreatedAt != ordered[j].job.CreatedAt {
			return ordered[i].job.CreatedAt < ordered[j].job.CreatedAt
		}
		return ordered[i].seq < ordered[j].seq
	})

	for _, rec := range ordered[:len(ordered)-limit] {
		delete(jm.jobs, rec.job.ID)
		removed++
	}
	return removed
}

// ============================================================================
// 查詢方法
// ============================================================================

// Stats 取得各狀態任務的統計資訊（唯讀）
func (jm *JobManager) Stats() types.QueueStats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := types.QueueStats{Total: len(jm.jobs)}
	for _, rec := range jm.jobs {
		switch rec.job.Status {
		case types.StatusPending:
			stats.Pending++
		case types.StatusProcessing:
			stats.Processing++
		case types.StatusCompleted:
			stats.Completed++
		case types.StatusFailed:
			stats.Failed++
		case types.StatusTimedOut:
			stats.TimedOut++
		}
	}
	return stats
}

// Len 回傳目前保留的任務數
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// less 排序：優先權 → 建立時間 → 插入序號
func less(a, b *record) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	if a.job.CreatedAt != b.job.CreatedAt {
		return a.job.CreatedAt < b.job.CreatedAt
	}
	return a.seq < b.seq
}
