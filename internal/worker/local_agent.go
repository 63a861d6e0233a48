package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/launcher"
	"github.com/ChuLiYu/beaver-cloud/internal/logging"
)

// AgentConfig agent 的資源與執行設定
type AgentConfig struct {
	ID          string
	Hostname    string
	CPUs        float64
	MemoryMB    float64
	Workers     int           // 同時執行的分片數
	TaskTimeout time.Duration // 0 表示不限時
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.ID == "" {
		c.ID = "agent-" + uuid.NewString()[:8]
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// resources 已保留的資源
type resources struct {
	mu    sync.Mutex
	cpus  float64
	mem   float64
	tasks map[string]launcher.LaunchTask
}

func (r *resources) reserve(t launcher.LaunchTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cpus += t.CPUs
	r.mem += t.MemoryMB
	r.tasks[t.Task.ID()] = t
}

func (r *resources) release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[taskID]; ok {
		r.cpus -= t.CPUs
		r.mem -= t.MemoryMB
		delete(r.tasks, taskID)
	}
}

func (r *resources) used() (cpus, mem float64, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cpus, r.mem, len(r.tasks)
}

// LocalAgent 協調器行程內的 agent，以 Worker Pool 執行分片
type LocalAgent struct {
	cfg    AgentConfig
	pool   *Pool
	res    *resources
	logger *zap.Logger
	done   chan struct{}
}

var _ launcher.Agent = (*LocalAgent)(nil)

// NewLocalAgent 建立本地 agent
func NewLocalAgent(cfg AgentConfig, pool *Pool, logger *zap.Logger) *LocalAgent {
	cfg = cfg.withDefaults()
	return &LocalAgent{
		cfg:    cfg,
		pool:   pool,
		res:    &resources{tasks: make(map[string]launcher.LaunchTask)},
		logger: logging.OrNop(logger).Named("local-agent").With(zap.String("agent", cfg.ID)),
		done:   make(chan struct{}),
	}
}

// ID agent 識別碼
func (a *LocalAgent) ID() string {
	return a.cfg.ID
}

// Start 啟動 Worker 並把結果回報給 handler
func (a *LocalAgent) Start(handler launcher.StatusHandler) error {
	if err := a.pool.Start(a.cfg.Workers); err != nil {
		return err
	}
	go a.report(handler)
	a.logger.Info("local agent started", zap.Int("workers", a.cfg.Workers),
		zap.Float64("cpus", a.cfg.CPUs), zap.Float64("memory_mb", a.cfg.MemoryMB))
	return nil
}

func (a *LocalAgent) report(handler launcher.StatusHandler) {
	defer close(a.done)
	for result := range a.pool.Results() {
		a.res.release(result.Task.ID())
		if result.State != launcher.TaskFinished {
			a.logger.Warn("task did not finish", zap.String("task", result.Task.ID()),
				zap.String("state", string(result.State)), zap.Error(result.Error))
		}
		if err := handler.StatusUpdate(context.Background(), result.Status()); err != nil {
			a.logger.Error("report task status failed", zap.String("task", result.Task.ID()), zap.Error(err))
		}
	}
}

// Offers 剩餘資源；全部 Worker 都忙碌時不提供
func (a *LocalAgent) Offers(context.Context) ([]launcher.Offer, error) {
	if !a.pool.IsStarted() {
		return nil, nil
	}
	cpus, mem, n := a.res.used()
	if n >= a.cfg.Workers {
		return nil, nil
	}
	return []launcher.Offer{{
		ID:       uuid.NewString(),
		AgentID:  a.cfg.ID,
		Hostname: a.cfg.Hostname,
		CPUs:     a.cfg.CPUs - cpus,
		MemoryMB: a.cfg.MemoryMB - mem,
	}}, nil
}

// Launch 提交分片
func (a *LocalAgent) Launch(_ context.Context, task launcher.LaunchTask) error {
	if task.AgentID != a.cfg.ID {
		return fmt.Errorf("%w: %s", launcher.ErrUnknownAgent, task.AgentID)
	}
	a.res.reserve(task)
	if err := a.pool.Submit(Task{Launch: task, Timeout: a.cfg.TaskTimeout}); err != nil {
		a.res.release(task.Task.ID())
		return err
	}
	return nil
}

// Running 已提交、尚未結束的分片數
func (a *LocalAgent) Running() int {
	_, _, n := a.res.used()
	return n
}

// Stop 停止 Worker，等待剩餘結果回報完畢
func (a *LocalAgent) Stop() {
	if !a.pool.IsStarted() {
		return
	}
	a.pool.Stop()
	<-a.done
	a.logger.Info("local agent stopped")
}
