package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-cloud/internal/launcher"
	"github.com/ChuLiYu/beaver-cloud/internal/logging"
)

// DefaultPollInterval 遠端 agent 拉取分片的間隔
const DefaultPollInterval = time.Second

// RemoteAgent 獨立行程的 agent：向協調器註冊、拉取分片、回報結果
type RemoteAgent struct {
	cfg           AgentConfig
	source        TaskSource
	pool          *Pool
	res           *resources
	pollInterval  time.Duration
	reportTimeout time.Duration
	logger        *zap.Logger
}

// NewRemoteAgent pollInterval 為 0 時使用 DefaultPollInterval
func NewRemoteAgent(cfg AgentConfig, source TaskSource, pool *Pool, pollInterval time.Duration, logger *zap.Logger) *RemoteAgent {
	cfg = cfg.withDefaults()
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &RemoteAgent{
		cfg:           cfg,
		source:        source,
		pool:          pool,
		res:           &resources{tasks: make(map[string]launcher.LaunchTask)},
		pollInterval:  pollInterval,
		reportTimeout: 5 * time.Second,
		logger:        logging.OrNop(logger).Named("remote-agent").With(zap.String("agent", cfg.ID)),
	}
}

// ID agent 識別碼
func (a *RemoteAgent) ID() string {
	return a.cfg.ID
}

// Running 已接收、尚未結束的分片數
func (a *RemoteAgent) Running() int {
	_, _, n := a.res.used()
	return n
}

// Run 註冊後持續拉取與回報，直到 ctx 結束
//
// ctx 結束時停止 Worker，執行中的分片回報 KILLED 後才返回
func (a *RemoteAgent) Run(ctx context.Context) error {
	lease, err := a.register(ctx)
	if err != nil {
		return err
	}
	if err := a.pool.Start(a.cfg.Workers); err != nil {
		return err
	}
	a.logger.Info("remote agent started", zap.Int("workers", a.cfg.Workers), zap.Duration("lease", lease))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.pollLoop(gctx)
		return nil
	})
	g.Go(func() error {
		a.heartbeatLoop(gctx, lease)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.pool.Stop()
		return nil
	})
	g.Go(func() error {
		a.reportLoop()
		return nil
	})
	err = g.Wait()
	a.logger.Info("remote agent stopped")
	return err
}

// register 以指數退避重試，直到成功或 ctx 結束；回傳租約長度
func (a *RemoteAgent) register(ctx context.Context) (time.Duration, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	var leaseMs int64
	op := func() error {
		var err error
		leaseMs, err = a.source.Register(ctx, a.cfg)
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("register failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return 0, err
	}
	lease := time.Duration(leaseMs) * time.Millisecond
	if lease <= 0 {
		lease = 10 * time.Second
	}
	return lease, nil
}

func (a *RemoteAgent) reRegister(ctx context.Context) {
	a.logger.Warn("coordinator asked agent to re-register")
	if _, err := a.register(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("re-register failed", zap.Error(err))
	}
}

// ============================================================================
// 拉取
// ============================================================================

func (a *RemoteAgent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		a.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce 回報空閒資源並執行新分派的分片；Worker 全忙時只回報資源
func (a *RemoteAgent) pollOnce(ctx context.Context) {
	cpus, mem, n := a.res.used()
	slots := a.cfg.Workers - n
	if slots < 0 {
		slots = 0
	}
	tasks, reRegister, err := a.source.Poll(ctx, a.cfg.ID, a.cfg.CPUs-cpus, a.cfg.MemoryMB-mem, slots)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("poll failed", zap.Error(err))
		}
		return
	}
	if reRegister {
		a.reRegister(ctx)
		return
	}
	for _, task := range tasks {
		a.accept(ctx, task)
	}
}

// accept 先回報 RUNNING 再交給 Worker，結束狀態一定排在 RUNNING 之後
func (a *RemoteAgent) accept(ctx context.Context, task launcher.LaunchTask) {
	a.res.reserve(task)
	if ctx.Err() == nil {
		a.send(launcher.TaskStatus{
			TaskID: task.Task.ID(), AgentID: a.cfg.ID, State: launcher.TaskRunning, Timestamp: time.Now(),
		})
	}
	if err := a.pool.Submit(Task{Launch: task, Timeout: a.cfg.TaskTimeout}); err != nil {
		a.res.release(task.Task.ID())
		a.send(launcher.TaskStatus{
			TaskID: task.Task.ID(), AgentID: a.cfg.ID, State: launcher.TaskLost,
			Message: err.Error(), Timestamp: time.Now(),
		})
		return
	}
	a.logger.Debug("task accepted", zap.String("task", task.Task.ID()))
}

// ============================================================================
// 回報
// ============================================================================

// reportLoop 把 Worker 結果送回協調器，直到結果通道關閉
func (a *RemoteAgent) reportLoop() {
	for result := range a.pool.Results() {
		a.res.release(result.Task.ID())
		a.send(result.Status())
	}
}

// send 不受 Run 的 ctx 影響，停止時的 KILLED 仍能送出
func (a *RemoteAgent) send(st launcher.TaskStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), a.reportTimeout)
	defer cancel()
	if err := a.source.Report(ctx, st); err != nil {
		a.logger.Error("report task status failed", zap.String("task", st.TaskID),
			zap.String("state", string(st.State)), zap.Error(err))
	}
}

// ============================================================================
// 心跳
// ============================================================================

func (a *RemoteAgent) heartbeatLoop(ctx context.Context, lease time.Duration) {
	interval := lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reRegister, err := a.source.Heartbeat(ctx, a.cfg.ID, a.Running())
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Warn("heartbeat failed", zap.Error(err))
				}
				continue
			}
			if reRegister {
				a.reRegister(ctx)
			}
		}
	}
}
