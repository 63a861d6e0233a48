// Package running 執行中任務登記
package running

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/logging"
	"github.com/ChuLiYu/beaver-cloud/internal/registry"
	"github.com/ChuLiYu/beaver-cloud/internal/state"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// Root /state/running/{job}/{job@-@item} → task id
var Root = registry.Join(state.Root, "running")

// Service 執行中任務登記服務
//
// 以 (job, item) 為鍵，同一分片再次 Add 會覆寫舊值。
// 變更寫入共享 registry，其他協調器（standby）可見。
type Service struct {
	center registry.Center
	logger *zap.Logger
}

// NewService 建立執行中任務登記服務
func NewService(center registry.Center, logger *zap.Logger) *Service {
	return &Service{center: center, logger: logging.OrNop(logger)}
}

func jobPath(jobName string) string {
	return registry.Join(Root, jobName)
}

func taskPath(task types.TaskContext) string {
	return registry.Join(Root, task.JobName, task.MetaInfo())
}

// Add 登記任務為執行中
func (s *Service) Add(task types.TaskContext) error {
	return s.center.Persist(taskPath(task), task.ID())
}

// Remove 取消登記；不存在時為 no-op，作業下已無任務時一併刪除作業節點
func (s *Service) Remove(task types.TaskContext) error {
	if err := s.center.Remove(taskPath(task)); err != nil {
		return err
	}
	return state.PruneJobNode(s.center, jobPath(task.JobName))
}

// Clear 清除全部執行狀態，只在協調器啟動與停止時使用
func (s *Service) Clear() error {
	return s.center.Remove(Root)
}

// IsJobRunning 作業是否有任何分片在執行
func (s *Service) IsJobRunning(jobName string) (bool, error) {
	children, err := s.center.GetChildrenKeys(jobPath(jobName))
	if err != nil {
		return false, err
	}
	return len(children) > 0, nil
}

// IsTaskRunning 同一 (job, item) 是否在執行，不比較 type 與 slot
func (s *Service) IsTaskRunning(task types.TaskContext) (bool, error) {
	return s.center.IsExisted(taskPath(task))
}

// GetRunningTasks 作業下所有執行中任務；無法解析的節點會被記錄並略過
func (s *Service) GetRunningTasks(jobName string) ([]types.TaskContext, error) {
	metas, err := s.center.GetChildrenKeys(jobPath(jobName))
	if err != nil {
		return nil, err
	}
	tasks := make([]types.TaskContext, 0, len(metas))
	for _, meta := range metas {
		value, err := s.center.Get(registry.Join(Root, jobName, meta))
		if err != nil {
			return nil, fmt.Errorf("read running task %s: %w", meta, err)
		}
		task, err := types.ParseTaskContext(value)
		if err != nil {
			s.logger.Warn("skipping malformed running task", zap.String("job", jobName), zap.String("meta", meta), zap.Error(err))
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// GetAllRunningTasks 作業名稱 → 執行中任務
func (s *Service) GetAllRunningTasks() (map[string][]types.TaskContext, error) {
	jobs, err := s.center.GetChildrenKeys(Root)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]types.TaskContext, len(jobs))
	for _, job := range jobs {
		tasks, err := s.GetRunningTasks(job)
		if err != nil {
			return nil, err
		}
		if len(tasks) > 0 {
			result[job] = tasks
		}
	}
	return result, nil
}
