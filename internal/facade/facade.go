// Package facade 排程協調器門面：合併四個狀態儲存為單一決策，並套用啟動結果
package facade

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/logging"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// ============================================================================
// 協作者介面（建構時注入）
// ============================================================================

// ConfigLoader 作業配置；不存在時 ok=false
type ConfigLoader interface {
	Load(jobName string) (types.JobConfig, bool, error)
}

// ReadyQueue 待分配佇列
type ReadyQueue interface {
	Add(jobName string) error
	GetAllEligibleJobContexts(excluded []types.JobContext) ([]types.JobContext, error)
	Remove(jobNames []string) error
}

// MisfiredQueue 錯過觸發佇列
type MisfiredQueue interface {
	GetAllEligibleJobContexts(excluded []types.JobContext) ([]types.JobContext, error)
	Remove(jobNames []string) error
}

// FailoverQueue 失效轉移佇列
type FailoverQueue interface {
	GetAllEligibleJobContexts() ([]types.JobContext, error)
	Add(task types.TaskContext) error
	Remove(tasks []types.TaskContext) error
}

// RunningRegistry 執行中任務登記
type RunningRegistry interface {
	Add(task types.TaskContext) error
	Remove(task types.TaskContext) error
	Clear() error
}

// TaskProducer 任務產生器（cron 觸發）
type TaskProducer interface {
	Start() error
}

// Deps 門面的全部協作者
type Deps struct {
	Configs  ConfigLoader
	Ready    ReadyQueue
	Misfired MisfiredQueue
	Failover FailoverQueue
	Running  RunningRegistry
	Producer TaskProducer
	Logger   *zap.Logger
}

// Service 排程協調器門面
//
// 每個方法都直接委派給狀態儲存，不重試、不持有跨 registry 往返的鎖；
// registry 錯誤原樣回傳給排程迴圈處理。
type Service struct {
	configs  ConfigLoader
	ready    ReadyQueue
	misfired MisfiredQueue
	failover FailoverQueue
	running  RunningRegistry
	producer TaskProducer
	logger   *zap.Logger
}

// New 建立門面
func New(deps Deps) *Service {
	return &Service{
		configs:  deps.Configs,
		ready:    deps.Ready,
		misfired: deps.Misfired,
		failover: deps.Failover,
		running:  deps.Running,
		producer: deps.Producer,
		logger:   logging.OrNop(deps.Logger).Named("facade"),
	}
}

// Start 先清除上一個協調器留下的執行狀態，再啟動任務產生
func (s *Service) Start() error {
	s.logger.Info("starting facade, clearing stale running state")
	if err := s.running.Clear(); err != nil {
		return fmt.Errorf("clear running state: %w", err)
	}
	if err := s.producer.Start(); err != nil {
		return fmt.Errorf("start task producer: %w", err)
	}
	return nil
}

// Stop 只清除執行狀態；任務產生器由自己的生命週期關閉
func (s *Service) Stop() error {
	s.logger.Info("stopping facade, clearing running state")
	if err := s.running.Clear(); err != nil {
		return fmt.Errorf("clear running state: %w", err)
	}
	return nil
}

// GetEligibleJobContext 每輪排程的核心：failover → misfired(排除 failover) → ready(排除前兩者)
func (s *Service) GetEligibleJobContext() (EligibleJobContext, error) {
	failover, err := s.failover.GetAllEligibleJobContexts()
	if err != nil {
		return EligibleJobContext{}, fmt.Errorf("load failover contexts: %w", err)
	}
	misfired, err := s.misfired.GetAllEligibleJobContexts(failover)
	if err != nil {
		return EligibleJobContext{}, fmt.Errorf("load misfired contexts: %w", err)
	}
	excluded := make([]types.JobContext, 0, len(failover)+len(misfired))
	excluded = append(excluded, failover...)
	excluded = append(excluded, misfired...)
	ready, err := s.ready.GetAllEligibleJobContexts(excluded)
	if err != nil {
		return EligibleJobContext{}, fmt.Errorf("load ready contexts: %w", err)
	}
	return EligibleJobContext{Failover: failover, Misfired: misfired, Ready: ready}, nil
}

// RemoveLaunchTasksFromQueue 套用本批次啟動結果
//
// 三個儲存的 Remove 一定都會被呼叫（即使集合為空），錯誤彙總後回傳。
func (s *Service) RemoveLaunchTasksFromQueue(assigned AssignedTaskContext) error {
	failoverTasks := assigned.FailoverTasks
	if failoverTasks == nil {
		failoverTasks = []types.TaskContext{}
	}
	misfiredNames := assigned.MisfiredJobNames
	if misfiredNames == nil {
		misfiredNames = []string{}
	}
	readyNames := assigned.ReadyJobNames
	if readyNames == nil {
		readyNames = []string{}
	}

	return multierr.Combine(
		s.failover.Remove(failoverTasks),
		s.misfired.Remove(misfiredNames),
		s.ready.Remove(readyNames),
	)
}

// AddRunning 任務已開始執行
func (s *Service) AddRunning(task types.TaskContext) error {
	return s.running.Add(task)
}

// RemoveRunning 任務已結束
func (s *Service) RemoveRunning(task types.TaskContext) error {
	return s.running.Remove(task)
}

// RecordFailoverTask 任務遺失時呼叫
//
// 作業配置存在且啟用 failover 才加入 failover 佇列；
// 無論是否加入，都會從執行中登記移除。
func (s *Service) RecordFailoverTask(task types.TaskContext) error {
	cfg, ok, err := s.configs.Load(task.JobName)
	if err != nil {
		return fmt.Errorf("load job config %s: %w", task.JobName, err)
	}
	var addErr error
	switch {
	case !ok:
		s.logger.Info("job no longer exists, failover skipped", zap.String("task", task.ID()))
	case !cfg.Failover:
		s.logger.Debug("failover disabled for job", zap.String("task", task.ID()))
	default:
		if err := s.failover.Add(task); err != nil {
			addErr = fmt.Errorf("record failover %s: %w", task.ID(), err)
		} else {
			s.logger.Info("failover recorded", zap.String("task", task.ID()))
		}
	}
	return multierr.Append(addErr, s.running.Remove(task))
}

// LoadJobConfig 讀取作業配置
func (s *Service) LoadJobConfig(jobName string) (types.JobConfig, bool, error) {
	return s.configs.Load(jobName)
}

// AddDaemonJobToReadyQueue 常駐作業結束後重新排入 ready
func (s *Service) AddDaemonJobToReadyQueue(jobName string) error {
	cfg, ok, err := s.configs.Load(jobName)
	if err != nil {
		return err
	}
	if !ok || !cfg.IsDaemon() {
		return nil
	}
	return s.ready.Add(jobName)
}
