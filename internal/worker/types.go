package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/toolshelf/pkg/types"
)

// Processor performs the external work behind a job.
// It owns any retry/backoff policy toward its own dependency.
type Processor interface {
	Process(ctx context.Context, payload map[string]interface{}) ([]string, error)
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, payload map[string]interface{}) ([]string, error)

// Process calls f(ctx, payload).
func (f ProcessorFunc) Process(ctx context.Context, payload map[string]interface{}) ([]string, error) {
	return f(ctx, payload)
}

// Task 代表要執行的任務
type Task struct {
	ID      types.JobID            // 任務唯一識別碼
	Payload map[string]interface{} // 任務執行所需的資料載荷
	Timeout time.Duration          // 執行超時時間
}

// Result 代表任務執行結果
type Result struct {
	JobID     types.JobID   // 任務 ID
	Artifacts []string      // 產出的資源參照
	Err       error         // 錯誤（如果有）
	TimedOut  bool          // 是否因超時結束
	Duration  time.Duration // 實際執行時間
}

// Success reports whether the task produced a result without error.
func (r Result) Success() bool {
	return r.Err == nil
}
