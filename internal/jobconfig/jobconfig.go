// Package jobconfig 作業配置儲存：/config/job/{jobName} → JobConfig JSON
package jobconfig

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/beaver-cloud/internal/registry"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// Root 作業配置根路徑
const Root = "/config/job"

var (
	// ErrJobExists 註冊已存在的作業
	ErrJobExists = errors.New("job already registered")
	// ErrJobNotFound 更新或刪除不存在的作業
	ErrJobNotFound = errors.New("job not found")
)

// Service 作業配置服務
type Service struct {
	center registry.Center
}

// NewService 建立作業配置服務
func NewService(center registry.Center) *Service {
	return &Service{center: center}
}

func path(jobName string) string {
	return registry.Join(Root, jobName)
}

// Add 註冊新作業
func (s *Service) Add(cfg types.JobConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	exists, err := s.center.IsExisted(path(cfg.JobName))
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrJobExists, cfg.JobName)
	}
	return s.persist(cfg)
}

// Update 更新既有作業
func (s *Service) Update(cfg types.JobConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	exists, err := s.center.IsExisted(path(cfg.JobName))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, cfg.JobName)
	}
	return s.persist(cfg)
}

func (s *Service) persist(cfg types.JobConfig) error {
	if cfg.JobExecutionType == "" {
		cfg.JobExecutionType = types.JobTransient
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal job config %s: %w", cfg.JobName, err)
	}
	return s.center.Persist(path(cfg.JobName), string(b))
}

// Load 讀取作業配置；作業不存在時回傳 (zero, false, nil)
func (s *Service) Load(jobName string) (types.JobConfig, bool, error) {
	value, err := s.center.Get(path(jobName))
	if errors.Is(err, registry.ErrNoNode) {
		return types.JobConfig{}, false, nil
	}
	if err != nil {
		return types.JobConfig{}, false, err
	}
	var cfg types.JobConfig
	if err := json.Unmarshal([]byte(value), &cfg); err != nil {
		return types.JobConfig{}, false, fmt.Errorf("decode job config %s: %w", jobName, err)
	}
	return cfg, true, nil
}

// LoadAll 讀取全部作業配置（依名稱排序）
func (s *Service) LoadAll() ([]types.JobConfig, error) {
	names, err := s.center.GetChildrenKeys(Root)
	if err != nil {
		return nil, err
	}
	configs := make([]types.JobConfig, 0, len(names))
	for _, name := range names {
		cfg, ok, err := s.Load(name)
		if err != nil {
			return nil, err
		}
		if ok {
			configs = append(configs, cfg)
		}
	}
	return configs, nil
}

// Remove 刪除作業配置，不存在時不做任何事
func (s *Service) Remove(jobName string) error {
	return s.center.Remove(path(jobName))
}
