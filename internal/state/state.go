// Package state 收錄 ready / running / failover / misfired 四個狀態儲存共用的元件
//
// 每個儲存只讀寫自己的命名空間：
//
//	/state/ready/{job}
//	/state/misfired/{job}
//	/state/running/{job}/{job@-@item}    → task id
//	/state/failover/{job}/{job@-@item}   → task id
//
// 每個操作都是少量獨立的 registry 呼叫，不持有跨 registry 往返的行程內鎖。
package state

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/logging"
	"github.com/ChuLiYu/beaver-cloud/internal/registry"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// Root 所有狀態儲存的根路徑
const Root = "/state"

// ConfigLoader 讀取作業配置；不存在時回傳 ok=false 而非錯誤
type ConfigLoader interface {
	Load(jobName string) (types.JobConfig, bool, error)
}

// RunningChecker 查詢執行中的任務
type RunningChecker interface {
	IsJobRunning(jobName string) (bool, error)
	IsTaskRunning(task types.TaskContext) (bool, error)
}

// JobNames 取出作業上下文中的作業名稱集合
func JobNames(contexts ...[]types.JobContext) map[string]struct{} {
	names := make(map[string]struct{})
	for _, group := range contexts {
		for _, ctx := range group {
			names[ctx.JobName()] = struct{}{}
		}
	}
	return names
}

// MarkerQueue 以作業名稱為鍵的佇列（ready 與 misfired 共用）
type MarkerQueue struct {
	center        registry.Center
	configs       ConfigLoader
	running       RunningChecker
	root          string
	executionType types.ExecutionType
	logger        *zap.Logger
}

// NewMarkerQueue 建立位於 root 的作業標記佇列
func NewMarkerQueue(center registry.Center, configs ConfigLoader, running RunningChecker,
	root string, executionType types.ExecutionType, logger *zap.Logger) *MarkerQueue {
	return &MarkerQueue{
		center:        center,
		configs:       configs,
		running:       running,
		root:          root,
		executionType: executionType,
		logger:        logging.OrNop(logger),
	}
}

func (q *MarkerQueue) path(jobName string) string {
	return registry.Join(q.root, jobName)
}

// Add 放入作業標記，重複放入為覆寫
func (q *MarkerQueue) Add(jobName string) error {
	return q.center.Persist(q.path(jobName), "")
}

// Contains 作業標記是否存在
func (q *MarkerQueue) Contains(jobName string) (bool, error) {
	return q.center.IsExisted(q.path(jobName))
}

// JobNames 佇列中全部作業名稱（排序）
func (q *MarkerQueue) JobNames() ([]string, error) {
	return q.center.GetChildrenKeys(q.root)
}

// GetAllEligibleJobContexts 每個可執行作業回傳一個包含全部分片的作業上下文
//
//   - 名稱出現在 excluded 中的作業跳過
//   - 作業配置已不存在：移除標記並跳過
//   - 作業仍在執行：本輪跳過，標記保留
func (q *MarkerQueue) GetAllEligibleJobContexts(excluded []types.JobContext) ([]types.JobContext, error) {
	names, err := q.JobNames()
	if err != nil {
		return nil, err
	}
	skip := JobNames(excluded)

	result := make([]types.JobContext, 0, len(names))
	for _, name := range names {
		if _, ok := skip[name]; ok {
			continue
		}
		cfg, ok, err := q.configs.Load(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			q.logger.Info("dropping marker of deleted job", zap.String("queue", q.root), zap.String("job", name))
			if err := q.center.Remove(q.path(name)); err != nil {
				return nil, err
			}
			continue
		}
		running, err := q.running.IsJobRunning(name)
		if err != nil {
			return nil, err
		}
		if running {
			continue
		}
		result = append(result, types.NewJobContext(cfg, q.executionType))
	}
	return result, nil
}

// Remove 刪除作業標記；不存在的作業為 no-op，錯誤會彙總回傳
func (q *MarkerQueue) Remove(jobNames []string) error {
	var errs error
	for _, name := range jobNames {
		errs = multierr.Append(errs, q.center.Remove(q.path(name)))
	}
	if errs != nil {
		return fmt.Errorf("remove from %s: %w", q.root, errs)
	}
	return nil
}

// PruneJobNode 作業節點下已無子節點時刪除作業節點
func PruneJobNode(center registry.Center, jobPath string) error {
	children, err := center.GetChildrenKeys(jobPath)
	if err != nil {
		if errors.Is(err, registry.ErrNoNode) {
			return nil
		}
		return err
	}
	if len(children) > 0 {
		return nil
	}
	return center.Remove(jobPath)
}
