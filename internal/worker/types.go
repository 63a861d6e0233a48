package worker

import (
	"time"

	"github.com/ChuLiYu/beaver-cloud/internal/launcher"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// Task 交給 worker 執行的任務
type Task struct {
	Launch  launcher.LaunchTask // 排程器分派的任務
	Timeout time.Duration       // 0 表示不限時
}

// Result 任務執行結果
type Result struct {
	Task     types.TaskContext
	AgentID  string
	State    launcher.TaskState // FINISHED / FAILED / LOST / KILLED
	Error    error
	Duration time.Duration
}

// Status 轉成回報給排程器的任務狀態
func (r Result) Status() launcher.TaskStatus {
	st := launcher.TaskStatus{
		TaskID:    r.Task.ID(),
		AgentID:   r.AgentID,
		State:     r.State,
		Timestamp: time.Now(),
	}
	if r.Error != nil {
		st.Message = r.Error.Error()
	}
	return st
}
