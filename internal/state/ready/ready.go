// Package ready 待分配作業佇列：觸發器已觸發、等待資源的作業
package ready

import (
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/registry"
	"github.com/ChuLiYu/beaver-cloud/internal/state"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// Root /state/ready/{job}
var Root = registry.Join(state.Root, "ready")

// Service 待分配佇列服務
type Service struct {
	queue *state.MarkerQueue
}

// NewService 建立待分配佇列服務
func NewService(center registry.Center, configs state.ConfigLoader, running state.RunningChecker, logger *zap.Logger) *Service {
	return &Service{
		queue: state.NewMarkerQueue(center, configs, running, Root, types.ExecutionReady, logger),
	}
}

// Add 作業進入待分配狀態
func (s *Service) Add(jobName string) error {
	return s.queue.Add(jobName)
}

// IsReady 作業是否已在待分配佇列
func (s *Service) IsReady(jobName string) (bool, error) {
	return s.queue.Contains(jobName)
}

// GetAllReadyJobNames 所有待分配作業名稱
func (s *Service) GetAllReadyJobNames() ([]string, error) {
	return s.queue.JobNames()
}

// GetAllEligibleJobContexts 排除 excluded 中的作業後，回傳可分配的作業上下文
func (s *Service) GetAllEligibleJobContexts(excluded []types.JobContext) ([]types.JobContext, error) {
	return s.queue.GetAllEligibleJobContexts(excluded)
}

// Remove 分配完成後刪除作業標記
func (s *Service) Remove(jobNames []string) error {
	return s.queue.Remove(jobNames)
}
