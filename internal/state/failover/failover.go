// Package failover 失效轉移佇列：執行節點失聯、等待重新啟動的任務
package failover

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/logging"
	"github.com/ChuLiYu/beaver-cloud/internal/registry"
	"github.com/ChuLiYu/beaver-cloud/internal/state"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// Root /state/failover/{job}/{job@-@item} → task id
var Root = registry.Join(state.Root, "failover")

// Service 失效轉移佇列服務
type Service struct {
	center    registry.Center
	configs   state.ConfigLoader
	running   state.RunningChecker
	queueSize int // 0 表示不限制
	logger    *zap.Logger
}

// NewService 建立失效轉移佇列服務；queueSize 限制等待中的作業數量
func NewService(center registry.Center, configs state.ConfigLoader, running state.RunningChecker,
	queueSize int, logger *zap.Logger) *Service {
	return &Service{
		center:    center,
		configs:   configs,
		running:   running,
		queueSize: queueSize,
		logger:    logging.OrNop(logger),
	}
}

func jobPath(jobName string) string {
	return registry.Join(Root, jobName)
}

func taskPath(task types.TaskContext) string {
	return registry.Join(Root, task.JobName, task.MetaInfo())
}

// Add 記錄待重新啟動的任務；同一 (job, item) 已存在時保留原紀錄
func (s *Service) Add(task types.TaskContext) error {
	p := taskPath(task)
	exists, err := s.center.IsExisted(p)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if s.queueSize > 0 {
		jobs, err := s.center.GetChildrenKeys(Root)
		if err != nil {
			return err
		}
		if len(jobs) >= s.queueSize {
			s.logger.Warn("failover queue is full, task dropped",
				zap.String("task", task.ID()), zap.Int("queue_size", s.queueSize))
			return nil
		}
	}
	return s.center.Persist(p, task.ID())
}

// GetAllEligibleJobContexts failover 永遠是最高優先，不接受排除集合
//
// 每個作業的分片項只包含目前不在執行中的 failover 任務；
// 作業配置已不存在或沒有任何任務的作業節點會被清除。
func (s *Service) GetAllEligibleJobContexts() ([]types.JobContext, error) {
	jobs, err := s.center.GetChildrenKeys(Root)
	if err != nil {
		return nil, err
	}
	result := make([]types.JobContext, 0, len(jobs))
	for _, job := range jobs {
		metas, err := s.center.GetChildrenKeys(jobPath(job))
		if err != nil {
			return nil, err
		}
		if len(metas) == 0 {
			if err := s.center.Remove(jobPath(job)); err != nil {
				return nil, err
			}
			continue
		}
		cfg, ok, err := s.configs.Load(job)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.Info("dropping failover tasks of deleted job", zap.String("job", job), zap.Int("tasks", len(metas)))
			if err := s.center.Remove(jobPath(job)); err != nil {
				return nil, err
			}
			continue
		}
		items, err := s.pendingItems(job, metas, cfg.ShardingTotalCount)
		if err != nil {
			return nil, err
		}
		if err := state.PruneJobNode(s.center, jobPath(job)); err != nil {
			return nil, err
		}
		if len(items) > 0 {
			result = append(result, types.JobContext{JobConfig: cfg, Type: types.ExecutionFailover, AssignedShardingItems: items})
		}
	}
	return result, nil
}

func (s *Service) pendingItems(job string, metas []string, total int) ([]int, error) {
	items := make([]int, 0, len(metas))
	for _, meta := range metas {
		name, item, err := types.ParseMetaInfo(meta)
		if err != nil || name != job || item >= total {
			// 分片數縮小或紀錄損壞，分片項已不存在
			s.logger.Warn("dropping invalid failover entry", zap.String("job", job), zap.String("meta", meta))
			if err := s.center.Remove(registry.Join(Root, job, meta)); err != nil {
				return nil, err
			}
			continue
		}
		running, err := s.running.IsTaskRunning(types.TaskContext{JobName: job, ShardingItem: item})
		if err != nil {
			return nil, err
		}
		if !running {
			items = append(items, item)
		}
	}
	return items, nil
}

// GetAllFailoverTasks 作業名稱 → 等待中的 failover 任務
func (s *Service) GetAllFailoverTasks() (map[string][]types.TaskContext, error) {
	jobs, err := s.center.GetChildrenKeys(Root)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]types.TaskContext, len(jobs))
	for _, job := range jobs {
		metas, err := s.center.GetChildrenKeys(jobPath(job))
		if err != nil {
			return nil, err
		}
		for _, meta := range metas {
			value, err := s.center.Get(registry.Join(Root, job, meta))
			if err != nil {
				return nil, fmt.Errorf("read failover task %s: %w", meta, err)
			}
			task, err := types.ParseTaskContext(value)
			if err != nil {
				s.logger.Warn("skipping malformed failover task", zap.String("meta", meta), zap.Error(err))
				continue
			}
			result[job] = append(result[job], task)
		}
	}
	return result, nil
}

// Remove 重新啟動後刪除 failover 紀錄；不存在為 no-op，錯誤彙總回傳
func (s *Service) Remove(tasks []types.TaskContext) error {
	var errs error
	for _, task := range tasks {
		if err := s.center.Remove(taskPath(task)); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, state.PruneJobNode(s.center, jobPath(task.JobName)))
	}
	if errs != nil {
		return fmt.Errorf("remove from %s: %w", Root, errs)
	}
	return nil
}
