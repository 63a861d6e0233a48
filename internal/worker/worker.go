// ============================================================================
// Beaver-Cloud Worker - 分片執行單元
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 每個 Worker 是一個 goroutine，從 taskCh 取出分片並執行
//
// 執行流程:
//   1. 從 taskCh 取出任務（阻塞）
//   2. Pool 已停止 → 直接回報 KILLED
//   3. 監聽器 Before → Runner.Run（帶逾時）→ 監聽器 After
//   4. 結果送到 resultCh
//
// 結果對應:
//   - 成功              → FINISHED
//   - 逾時              → LOST（交由 failover 重新啟動）
//   - Pool 停止中斷     → KILLED
//   - 其他錯誤          → FAILED
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/launcher"
	"github.com/ChuLiYu/beaver-cloud/internal/listener"
)

// Worker 分片執行單元
type Worker struct {
	id        int
	taskCh    <-chan Task
	resultCh  chan<- Result
	runner    Runner
	listeners *listener.Dispatcher
	baseCtx   context.Context // Pool 停止時取消
	inFlight  *int64
	logger    *zap.Logger
}

func newWorker(id int, p *Pool) *Worker {
	return &Worker{
		id:        id,
		taskCh:    p.taskCh,
		resultCh:  p.resultCh,
		runner:    p.runner,
		listeners: p.listeners,
		baseCtx:   p.ctx,
		inFlight:  &p.inFlight,
		logger:    p.logger.With(zap.Int("worker", id)),
	}
}

// Run Worker 主迴圈，taskCh 關閉後結束
func (w *Worker) Run() {
	for task := range w.taskCh {
		var result Result
		if w.baseCtx.Err() != nil {
			result = Result{
				Task:    task.Launch.Task,
				AgentID: task.Launch.AgentID,
				State:   launcher.TaskKilled,
				Error:   errors.New("worker pool stopped before task started"),
			}
		} else {
			result = w.execute(task)
		}
		atomic.AddInt64(w.inFlight, -1)
		w.resultCh <- result
	}
}

func (w *Worker) execute(task Task) Result {
	start := time.Now()
	ctx, cancel := w.taskContext(task.Timeout)
	defer cancel()

	sc := listener.ShardingContext{
		TaskID:             task.Launch.Task.ID(),
		JobName:            task.Launch.Task.JobName,
		ShardingItem:       task.Launch.Task.ShardingItem,
		ShardingTotalCount: task.Launch.ShardingTotalCount,
		Params:             task.Launch.Params,
	}
	if err := w.listeners.Before(ctx, sc); err != nil {
		w.logger.Warn("before-execution listeners failed", zap.String("task", sc.TaskID), zap.Error(err))
	}

	err := w.runner.Run(ctx, task.Launch)

	// After 不受任務逾時影響
	if lerr := w.listeners.After(context.WithoutCancel(ctx), sc); lerr != nil {
		w.logger.Warn("after-execution listeners failed", zap.String("task", sc.TaskID), zap.Error(lerr))
	}

	state := launcher.TaskFinished
	switch {
	case err == nil:
	case w.baseCtx.Err() != nil:
		state = launcher.TaskKilled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		state = launcher.TaskLost
		err = context.DeadlineExceeded
	default:
		state = launcher.TaskFailed
	}
	return Result{
		Task:     task.Launch.Task,
		AgentID:  task.Launch.AgentID,
		State:    state,
		Error:    err,
		Duration: time.Since(start),
	}
}

func (w *Worker) taskContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(w.baseCtx, timeout)
	}
	return context.WithCancel(w.baseCtx)
}
