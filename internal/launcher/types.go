// Package launcher 資源調度：把可執行作業放到 agent 提供的資源上，並處理任務狀態回報
package launcher

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/beaver-cloud/internal/facade"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// ErrUnknownTaskState 無法識別的任務狀態
var ErrUnknownTaskState = errors.New("unknown task state")

// Offer agent 提供的一份可用資源
type Offer struct {
	ID       string  `json:"id"`
	AgentID  string  `json:"agent_id"`
	Hostname string  `json:"hostname"`
	CPUs     float64 `json:"cpus"`
	MemoryMB float64 `json:"memory_mb"`
}

// LaunchTask 交給 agent 執行的任務
type LaunchTask struct {
	Task               types.TaskContext `json:"task"`
	AgentID            string            `json:"agent_id"`
	Hostname           string            `json:"hostname"`
	CPUs               float64           `json:"cpus"`
	MemoryMB           float64           `json:"memory_mb"`
	BootstrapScript    string            `json:"bootstrap_script"`
	Params             map[string]string `json:"params,omitempty"`
	ShardingTotalCount int               `json:"sharding_total_count"`
}

// TaskState 任務狀態
type TaskState string

const (
	TaskStaging  TaskState = "STAGING"
	TaskRunning  TaskState = "RUNNING"
	TaskFinished TaskState = "FINISHED"
	TaskKilled   TaskState = "KILLED"
	TaskFailed   TaskState = "FAILED"
	TaskLost     TaskState = "LOST"
	TaskError    TaskState = "ERROR"
)

// Terminal 任務是否已結束
func (s TaskState) Terminal() bool {
	switch s {
	case TaskFinished, TaskKilled, TaskFailed, TaskLost, TaskError:
		return true
	}
	return false
}

func (s TaskState) known() bool {
	return s == TaskStaging || s == TaskRunning || s.Terminal()
}

// TaskStatus agent 回報的任務狀態
type TaskStatus struct {
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	State     TaskState `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OfferSource 提供可用資源
type OfferSource interface {
	Offers(ctx context.Context) ([]Offer, error)
}

// Executor 執行任務；回傳錯誤表示任務沒有送達 agent
type Executor interface {
	Launch(ctx context.Context, task LaunchTask) error
}

// Agent 同時提供資源與執行任務
type Agent interface {
	OfferSource
	Executor
}

// StatusHandler 接收任務狀態回報
type StatusHandler interface {
	StatusUpdate(ctx context.Context, status TaskStatus) error
}

// StatusHandlerFunc 函式形式的 StatusHandler
type StatusHandlerFunc func(ctx context.Context, status TaskStatus) error

func (f StatusHandlerFunc) StatusUpdate(ctx context.Context, status TaskStatus) error {
	return f(ctx, status)
}

// Coordinator 排程迴圈所需的門面操作
type Coordinator interface {
	GetEligibleJobContext() (facade.EligibleJobContext, error)
	RemoveLaunchTasksFromQueue(assigned facade.AssignedTaskContext) error
	AddRunning(task types.TaskContext) error
	RemoveRunning(task types.TaskContext) error
	RecordFailoverTask(task types.TaskContext) error
	AddDaemonJobToReadyQueue(jobName string) error
}

var _ Coordinator = (*facade.Service)(nil)
