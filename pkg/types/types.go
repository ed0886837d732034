// Package types 定義了 toolshelf 系統中使用的核心領域模型
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending    JobStatus = "pending"    // 待處理：已建立但尚未開始執行
	StatusProcessing JobStatus = "processing" // 執行中：drain loop 正在處理
	StatusCompleted  JobStatus = "completed"  // 完成：已產生結果
	StatusFailed     JobStatus = "failed"     // 失敗：外部工作回傳錯誤
	StatusTimedOut   JobStatus = "timed_out"  // 超時：外部工作超過期限
)

// DefaultPriority 未指定優先權時使用的值（數字越小越優先）
const DefaultPriority = 10

// IsTerminal 回報狀態是否為終止狀態
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Job 任務結構，代表系統中的一個延遲工作單元
type Job struct {
	// 識別與資料
	ID      JobID                  `json:"id"`      // 任務唯一識別碼
	Payload map[string]interface{} `json:"payload"` // 任務執行所需的資料載荷

	// 狀態追蹤
	Status   JobStatus `json:"status"`   // 任務當前狀態
	Priority int       `json:"priority"` // 優先權，越小越優先

	// 執行結果
	Artifacts []string `json:"artifacts"`       // 產出的資源參照，完成前為空
	Error     string   `json:"error,omitempty"` // 失敗或超時時的錯誤訊息

	// 時間管理（Unix 毫秒時間戳）
	CreatedAt int64 `json:"created_at"` // 任務建立時間
	UpdatedAt int64 `json:"updated_at"` // 任務最後更新時間
}

// Clone 回傳任務的深拷貝，呼叫端不會共享內部 slice
func (j Job) Clone() Job {
	out := j
	out.Artifacts = append(make([]string, 0, len(j.Artifacts)), j.Artifacts...)
	if j.Payload != nil {
		out.Payload = make(map[string]interface{}, len(j.Payload))
		for k, v := range j.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

// QueueStats 佇列內各狀態任務數量
type QueueStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	TimedOut   int `json:"timed_out"`
}

// NewJobID 產生 "shot_<unix 毫秒>_<8 位十六進位>" 格式的任務 ID
func NewJobID(now time.Time) JobID {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return JobID(fmt.Sprintf("shot_%013d_%s", now.UnixMilli(), suffix))
}
