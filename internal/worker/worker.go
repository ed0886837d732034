// ============================================================================
// Toolshelf Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs the external work of exactly one job under a deadline
//
// Execution Model:
//   ┌──────────────────────────────────────┐
//   │  Executor.Execute(task)              │
//   │   ├─ Context with timeout            │
//   │   ├─ go processor.Process(ctx, ...)  │
//   │   └─ select: result | ctx.Done()     │
//   └──────────────────────────────────────┘
//
// Timeout Control:
//   The processor runs in its own goroutine so a dependency that ignores its
//   context cannot hold the caller past the deadline. The late result of such
//   a call is dropped.
//
// Error Handling:
//   - Timeout: Result.TimedOut is set, Err wraps context.DeadlineExceeded
//   - Processor error: returned as-is in Result.Err
//   - Panic inside the processor: recovered into ErrProcessorPanic
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoProcessor is returned when an Executor has no processor configured
	ErrNoProcessor = errors.New("worker: no processor configured")
	// ErrProcessorPanic wraps a panic raised by a processor
	ErrProcessorPanic = errors.New("worker: processor panicked")
)

// DefaultTimeout bounds a task that does not carry its own timeout.
const DefaultTimeout = 30 * time.Second

// Executor runs tasks one at a time on behalf of the queue drain loop.
type Executor struct {
	processor Processor
	logger    *zap.Logger
}

// NewExecutor creates an Executor around the given processor.
func NewExecutor(processor Processor, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		processor: processor,
		logger:    logger.Named("worker"),
	}
}

// Execute runs the task and always returns, at the latest shortly after the
// task deadline or the parent context is done.
func (e *Executor) Execute(ctx context.Context, task Task) Result {
	start := time.Now()
	result := Result{JobID: task.ID}

	if e.processor == nil {
		result.Err = ErrNoProcessor
		return result
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// Create Context with timeout, ensure task won't execute longer than specified time
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		artifacts []string
		err       error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrProcessorPanic, r)}
			}
		}()
		artifacts, err := e.processor.Process(taskCtx, task.Payload)
		done <- outcome{artifacts: artifacts, err: err}
	}()

	select {
	case out := <-done:
		result.Artifacts = out.artifacts
		result.Err = out.err
		// A processor that gives up because its context expired is a timeout too
		if out.err != nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
		}
	case <-taskCtx.Done():
		result.Err = fmt.Errorf("job %s exceeded %s: %w", task.ID, timeout, taskCtx.Err())
		result.TimedOut = errors.Is(taskCtx.Err(), context.DeadlineExceeded)
		e.logger.Warn("processor did not return before deadline",
			zap.String("job_id", string(task.ID)),
			zap.Duration("timeout", timeout))
	}

	result.Duration = time.Since(start)
	return result
}
