// Package misfired 錯過觸發佇列：觸發時上一次的 ready 標記尚未被消化
package misfired

import (
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/registry"
	"github.com/ChuLiYu/beaver-cloud/internal/state"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// Root /state/misfired/{job}
var Root = registry.Join(state.Root, "misfired")

// Service 錯過觸發佇列服務
type Service struct {
	queue *state.MarkerQueue
}

// NewService 建立錯過觸發佇列服務
func NewService(center registry.Center, configs state.ConfigLoader, running state.RunningChecker, logger *zap.Logger) *Service {
	return &Service{
		queue: state.NewMarkerQueue(center, configs, running, Root, types.ExecutionMisfired, logger),
	}
}

// Add 記錄一次錯過的觸發；同一作業最多一個標記
func (s *Service) Add(jobName string) error {
	return s.queue.Add(jobName)
}

func (s *Service) IsMisfired(jobName string) (bool, error) {
	return s.queue.Contains(jobName)
}

func (s *Service) GetAllMisfiredJobNames() ([]string, error) {
	return s.queue.JobNames()
}

// GetAllEligibleJobContexts excluded 為本輪的 failover 集合
func (s *Service) GetAllEligibleJobContexts(excluded []types.JobContext) ([]types.JobContext, error) {
	return s.queue.GetAllEligibleJobContexts(excluded)
}

func (s *Service) Remove(jobNames []string) error {
	return s.queue.Remove(jobNames)
}
