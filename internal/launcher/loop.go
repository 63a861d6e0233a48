package launcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-cloud/internal/logging"
	"github.com/ChuLiYu/beaver-cloud/internal/metrics"
	"github.com/ChuLiYu/beaver-cloud/internal/tracing"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// Config 排程迴圈配置
type Config struct {
	Interval             time.Duration // 兩輪排程之間的間隔
	MaxLaunchesPerSecond float64       // 0 表示不限速
	LaunchBurst          int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	BreakerFailures      uint32        // 連續失敗幾次後斷路
	BreakerTimeout       time.Duration // 斷路後多久嘗試恢復
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		Interval:             time.Second,
		MaxLaunchesPerSecond: 0,
		LaunchBurst:          10,
		InitialBackoff:       500 * time.Millisecond,
		MaxBackoff:           30 * time.Second,
		BreakerFailures:      5,
		BreakerTimeout:       30 * time.Second,
	}
}

// CycleResult 一輪排程的統計
type CycleResult struct {
	Eligible     int // 可執行任務數（去重後）
	Offers       int
	Launched     int
	LaunchFailed int
}

// Loop 排程迴圈，同一時間只有一輪在執行
type Loop struct {
	mu sync.Mutex

	cfg         Config
	coordinator Coordinator
	agent       Agent
	recorder    tracing.Recorder
	metrics     *metrics.Collector
	logger      *zap.Logger

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	backoff *backoff.ExponentialBackOff

	// 一輪排程進行中收到的狀態回報延後到佇列更新之後才套用
	statusMu sync.Mutex
	cycling  bool
	deferred []TaskStatus
}

var _ StatusHandler = (*Loop)(nil)

// Option 可選設定
type Option func(*Loop)

// WithRecorder 任務狀態軌跡
func WithRecorder(recorder tracing.Recorder) Option {
	return func(l *Loop) { l.recorder = recorder }
}

// WithMetrics 指標收集器
func WithMetrics(collector *metrics.Collector) Option {
	return func(l *Loop) { l.metrics = collector }
}

// WithLogger 日誌
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// NewLoop 建立排程迴圈
func NewLoop(cfg Config, coordinator Coordinator, agent Agent, opts ...Option) *Loop {
	l := &Loop{
		cfg:         cfg,
		coordinator: coordinator,
		agent:       agent,
		recorder:    tracing.NopRecorder{},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrNop(l.logger).Named("launcher")

	if cfg.MaxLaunchesPerSecond > 0 {
		burst := cfg.LaunchBurst
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.MaxLaunchesPerSecond), burst)
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "schedule-cycle",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	l.backoff = backoff.NewExponentialBackOff()
	if cfg.InitialBackoff > 0 {
		l.backoff.InitialInterval = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		l.backoff.MaxInterval = cfg.MaxBackoff
	}
	// 迴圈自己決定何時停止，退避永不放棄
	l.backoff.MaxElapsedTime = 0
	l.backoff.Reset()
	return l
}

// Run 依間隔執行排程，直到 ctx 結束
//
// 失敗的一輪之後以指數退避等待，成功後恢復正常間隔。
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("schedule loop started", zap.Duration("interval", l.cfg.Interval))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("schedule loop stopped")
			return nil
		case <-timer.C:
		}

		wait := l.cfg.Interval
		result, err := l.RunCycle(ctx)
		if err != nil {
			wait = l.backoff.NextBackOff()
			l.logger.Warn("schedule cycle failed", zap.Error(err), zap.Duration("retry_in", wait))
		} else {
			l.backoff.Reset()
			if result.Launched > 0 || result.LaunchFailed > 0 {
				l.logger.Info("schedule cycle done",
					zap.Int("eligible", result.Eligible),
					zap.Int("offers", result.Offers),
					zap.Int("launched", result.Launched),
					zap.Int("launch_failed", result.LaunchFailed))
			}
		}
		timer.Reset(wait)
	}
}

// RunCycle 執行一輪排程
func (l *Loop) RunCycle(ctx context.Context) (CycleResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	out, err := l.breaker.Execute(func() (interface{}, error) {
		return l.cycle(ctx)
	})
	l.metrics.RecordCycle(time.Since(start), err)

	var result CycleResult
	if out != nil {
		result = out.(CycleResult)
	}
	return result, err
}

// ============================================================================
// 一輪排程：查詢 → 收集資源 → 分配 → 登記執行 → 啟動 → 依實際啟動結果更新佇列
//
// 佇列只移除真正送達 agent 的任務；啟動失敗的任務撤銷執行登記，
// 留在原本的佇列等下一輪重新分配。
// ============================================================================

func (l *Loop) cycle(ctx context.Context) (CycleResult, error) {
	l.beginCycle()
	defer l.endCycle(ctx)

	var result CycleResult

	eligible, err := l.coordinator.GetEligibleJobContext()
	if err != nil {
		return result, err
	}
	l.metrics.RecordEligible(len(eligible.Failover), len(eligible.Misfired), len(eligible.Ready))
	if eligible.Empty() {
		return result, nil
	}
	result.Eligible = len(eligible.Tasks())

	offers, err := l.agent.Offers(ctx)
	if err != nil {
		return result, fmt.Errorf("collect offers: %w", err)
	}
	result.Offers = len(offers)
	if len(offers) == 0 {
		return result, nil
	}

	assignment := Assign(eligible, offers, l.limiter)
	if len(assignment.Launches) == 0 {
		return result, nil
	}

	var (
		errs     error
		launched []types.TaskContext
	)
	for _, launch := range assignment.Launches {
		task := launch.Task
		if err := l.coordinator.AddRunning(task); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("add running %s: %w", task.ID(), err))
			continue
		}
		l.trace(ctx, task, TaskStaging, launch.AgentID, "")

		if err := l.agent.Launch(ctx, launch); err != nil {
			result.LaunchFailed++
			l.logger.Warn("launch failed, task stays queued",
				zap.String("task", task.ID()), zap.String("agent", launch.AgentID), zap.Error(err))
			errs = multierr.Append(errs, l.coordinator.RemoveRunning(task))
			l.trace(ctx, task, TaskLost, launch.AgentID, "launch failed: "+err.Error())
			continue
		}
		l.metrics.RecordLaunch(string(task.Type))
		launched = append(launched, task)
		result.Launched++
	}

	if len(launched) > 0 {
		if err := l.coordinator.RemoveLaunchTasksFromQueue(Consumed(eligible, launched)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("remove launched tasks from queue: %w", err))
		}
	}
	return result, errs
}

func (l *Loop) beginCycle() {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	l.cycling = true
}

// endCycle 套用本輪期間延後的狀態回報
func (l *Loop) endCycle(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	for _, status := range l.deferred {
		task, err := types.ParseTaskContext(status.TaskID)
		if err == nil {
			err = l.apply(ctx, task, status)
		}
		if err != nil {
			l.logger.Error("apply deferred task status failed", zap.String("task", status.TaskID), zap.Error(err))
		}
	}
	l.deferred = nil
	l.cycling = false
}

// StatusUpdate 套用 agent 回報的任務狀態
//
//   - STAGING / RUNNING：不改變狀態儲存
//   - FINISHED：移除執行登記，常駐作業重新排入 ready
//   - KILLED：移除執行登記
//   - LOST / FAILED / ERROR：記錄失效轉移
//
// 排程進行中收到的回報延到該輪更新完佇列之後才套用。
func (l *Loop) StatusUpdate(ctx context.Context, status TaskStatus) error {
	task, err := types.ParseTaskContext(status.TaskID)
	if err != nil {
		return err
	}
	if !status.State.known() {
		return fmt.Errorf("%w: %q", ErrUnknownTaskState, status.State)
	}

	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	if l.cycling {
		l.deferred = append(l.deferred, status)
		return nil
	}
	return l.apply(ctx, task, status)
}

// apply 呼叫者持有 l.statusMu
func (l *Loop) apply(ctx context.Context, task types.TaskContext, status TaskStatus) error {
	var err error
	switch status.State {
	case TaskStaging, TaskRunning:
	case TaskFinished:
		err = multierr.Append(
			l.coordinator.RemoveRunning(task),
			l.coordinator.AddDaemonJobToReadyQueue(task.JobName),
		)
	case TaskKilled:
		err = l.coordinator.RemoveRunning(task)
	case TaskLost, TaskFailed, TaskError:
		err = l.coordinator.RecordFailoverTask(task)
	}

	l.metrics.RecordStatus(string(status.State))
	l.trace(ctx, task, status.State, status.AgentID, status.Message)
	if err != nil {
		l.logger.Error("apply task status failed",
			zap.String("task", status.TaskID), zap.String("state", string(status.State)), zap.Error(err))
		return err
	}
	l.logger.Debug("task status applied", zap.String("task", status.TaskID), zap.String("state", string(status.State)))
	return nil
}

func (l *Loop) trace(ctx context.Context, task types.TaskContext, state TaskState, source, message string) {
	err := l.recorder.Record(ctx, tracing.Event{
		TaskID:        task.ID(),
		JobName:       task.JobName,
		ShardingItem:  task.ShardingItem,
		ExecutionType: string(task.Type),
		State:         string(state),
		Source:        source,
		Message:       message,
	})
	if err != nil {
		l.logger.Warn("record task trace failed", zap.String("task", task.ID()), zap.Error(err))
	}
}
