// Package guarantee 分片啟動/完成的計數屏障，保證分散式只執行一次的監聽器
//
//	/guarantee/{job}/started/{item}
//	/guarantee/{job}/completed/{item}
package guarantee

import (
	"strconv"

	"github.com/ChuLiYu/beaver-cloud/internal/registry"
)

// Root 屏障根路徑
const Root = "/guarantee"

const (
	started   = "started"
	completed = "completed"
)

// Service 計數屏障
type Service struct {
	center registry.Center
}

// NewService 建立屏障服務
func NewService(center registry.Center) *Service {
	return &Service{center: center}
}

func phasePath(jobName, phase string) string {
	return registry.Join(Root, jobName, phase)
}

func itemPath(jobName, phase string, item int) string {
	return registry.Join(Root, jobName, phase, strconv.Itoa(item))
}

// RegisterStart 標記分片已開始
func (s *Service) RegisterStart(jobName string, items ...int) error {
	return s.register(jobName, started, items)
}

// IsStarted 分片的開始標記是否仍在（屏障被清除後為 false）
func (s *Service) IsStarted(jobName string, item int) (bool, error) {
	return s.center.IsExisted(itemPath(jobName, started, item))
}

// IsAllStarted 全部 total 個分片是否都已開始
func (s *Service) IsAllStarted(jobName string, total int) (bool, error) {
	return s.isAll(jobName, started, total)
}

// ClearAllStarted 清除開始屏障
func (s *Service) ClearAllStarted(jobName string) error {
	return s.center.Remove(phasePath(jobName, started))
}

// RegisterComplete 標記分片已完成
func (s *Service) RegisterComplete(jobName string, items ...int) error {
	return s.register(jobName, completed, items)
}

// IsCompleted 分片的完成標記是否仍在
func (s *Service) IsCompleted(jobName string, item int) (bool, error) {
	return s.center.IsExisted(itemPath(jobName, completed, item))
}

// IsAllCompleted 全部 total 個分片是否都已完成
func (s *Service) IsAllCompleted(jobName string, total int) (bool, error) {
	return s.isAll(jobName, completed, total)
}

// ClearAllCompleted 清除完成屏障
func (s *Service) ClearAllCompleted(jobName string) error {
	return s.center.Remove(phasePath(jobName, completed))
}

func (s *Service) register(jobName, phase string, items []int) error {
	for _, item := range items {
		if err := s.center.Persist(itemPath(jobName, phase, item), ""); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) isAll(jobName, phase string, total int) (bool, error) {
	children, err := s.center.GetChildrenKeys(phasePath(jobName, phase))
	if err != nil {
		return false, err
	}
	return total > 0 && len(children) >= total, nil
}
