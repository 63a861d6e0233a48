// Package listener 任務執行前後的監聽器
//
// 一般監聽器每個分片各呼叫一次；實作 DistributeOnce 的監聽器在整個叢集中
// 只由最後抵達屏障的分片呼叫一次，其他分片等待屏障清除或逾時。
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/guarantee"
	"github.com/ChuLiYu/beaver-cloud/internal/logging"
)

// ErrBarrierTimeout 等待其他分片逾時
var ErrBarrierTimeout = errors.New("distribute-once barrier timed out")

// ShardingContext 單一分片的執行上下文
type ShardingContext struct {
	TaskID             string
	JobName            string
	ShardingItem       int
	ShardingTotalCount int
	Params             map[string]string
}

// Listener 作業執行監聽器
type Listener interface {
	BeforeJobExecuted(ctx context.Context, sc ShardingContext)
	AfterJobExecuted(ctx context.Context, sc ShardingContext)
}

// DistributeOnce 叢集內只執行一次的監聽器，回傳開始與完成屏障的等待上限
type DistributeOnce interface {
	Listener
	DistributeOnce() (startedTimeout, completedTimeout time.Duration)
}

// Funcs 以函式組成監聽器，nil 表示不處理
type Funcs struct {
	Before func(ctx context.Context, sc ShardingContext)
	After  func(ctx context.Context, sc ShardingContext)
}

func (f Funcs) BeforeJobExecuted(ctx context.Context, sc ShardingContext) {
	if f.Before != nil {
		f.Before(ctx, sc)
	}
}

func (f Funcs) AfterJobExecuted(ctx context.Context, sc ShardingContext) {
	if f.After != nil {
		f.After(ctx, sc)
	}
}

type once struct {
	Listener
	startedTimeout   time.Duration
	completedTimeout time.Duration
}

func (o once) DistributeOnce() (time.Duration, time.Duration) {
	return o.startedTimeout, o.completedTimeout
}

// Once 把一般監聽器包成叢集內只執行一次
func Once(l Listener, startedTimeout, completedTimeout time.Duration) DistributeOnce {
	return once{Listener: l, startedTimeout: startedTimeout, completedTimeout: completedTimeout}
}

// Logging 記錄每個分片的開始與結束
func Logging(logger *zap.Logger) Listener {
	logger = logging.OrNop(logger)
	return Funcs{
		Before: func(_ context.Context, sc ShardingContext) {
			logger.Debug("job executing", zap.String("task", sc.TaskID), zap.Int("item", sc.ShardingItem))
		},
		After: func(_ context.Context, sc ShardingContext) {
			logger.Debug("job executed", zap.String("task", sc.TaskID), zap.Int("item", sc.ShardingItem))
		},
	}
}

// ============================================================================
// Dispatcher
// ============================================================================

// Dispatcher 依序呼叫監聽器
//
// 同一行程內的分片以 mu 序列化「註冊、檢查、呼叫、清除」，跨行程依賴註冊中心。
type Dispatcher struct {
	mu           sync.Mutex
	guarantee    *guarantee.Service
	listeners    []Listener
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewDispatcher 建立監聽器分派；g 為 nil 時 DistributeOnce 監聽器退化為每個分片各呼叫一次
func NewDispatcher(g *guarantee.Service, logger *zap.Logger, listeners ...Listener) *Dispatcher {
	return &Dispatcher{
		guarantee:    g,
		listeners:    listeners,
		pollInterval: 20 * time.Millisecond,
		logger:       logging.OrNop(logger).Named("listener"),
	}
}

// Len 監聽器數量
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.listeners)
}

// Before 任務執行前；回傳的錯誤只有屏障逾時與註冊中心錯誤，不影響任務執行
func (d *Dispatcher) Before(ctx context.Context, sc ShardingContext) error {
	if d == nil {
		return nil
	}
	var errs error
	for _, l := range d.listeners {
		dl, ok := l.(DistributeOnce)
		if !ok || d.guarantee == nil {
			l.BeforeJobExecuted(ctx, sc)
			continue
		}
		timeout, _ := dl.DistributeOnce()
		errs = multierr.Append(errs, d.before(ctx, dl, sc, timeout))
	}
	return errs
}

// After 任務執行後
func (d *Dispatcher) After(ctx context.Context, sc ShardingContext) error {
	if d == nil {
		return nil
	}
	var errs error
	for _, l := range d.listeners {
		dl, ok := l.(DistributeOnce)
		if !ok || d.guarantee == nil {
			l.AfterJobExecuted(ctx, sc)
			continue
		}
		_, timeout := dl.DistributeOnce()
		errs = multierr.Append(errs, d.after(ctx, dl, sc, timeout))
	}
	return errs
}

func (d *Dispatcher) before(ctx context.Context, l Listener, sc ShardingContext, timeout time.Duration) error {
	g := d.guarantee
	d.mu.Lock()
	if err := g.RegisterStart(sc.JobName, sc.ShardingItem); err != nil {
		d.mu.Unlock()
		return err
	}
	all, err := g.IsAllStarted(sc.JobName, sc.ShardingTotalCount)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if all {
		defer d.mu.Unlock()
		l.BeforeJobExecuted(ctx, sc)
		return g.ClearAllStarted(sc.JobName)
	}
	d.mu.Unlock()
	return d.await(ctx, sc, "started", timeout, func() (bool, error) {
		return g.IsStarted(sc.JobName, sc.ShardingItem)
	})
}

func (d *Dispatcher) after(ctx context.Context, l Listener, sc ShardingContext, timeout time.Duration) error {
	g := d.guarantee
	d.mu.Lock()
	if err := g.RegisterComplete(sc.JobName, sc.ShardingItem); err != nil {
		d.mu.Unlock()
		return err
	}
	all, err := g.IsAllCompleted(sc.JobName, sc.ShardingTotalCount)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if all {
		defer d.mu.Unlock()
		l.AfterJobExecuted(ctx, sc)
		return g.ClearAllCompleted(sc.JobName)
	}
	d.mu.Unlock()
	return d.await(ctx, sc, "completed", timeout, func() (bool, error) {
		return g.IsCompleted(sc.JobName, sc.ShardingItem)
	})
}

// await 等到自己的屏障標記被清除
func (d *Dispatcher) await(ctx context.Context, sc ShardingContext, phase string, timeout time.Duration, pending func() (bool, error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			d.logger.Warn("distribute-once barrier timed out",
				zap.String("job", sc.JobName), zap.Int("item", sc.ShardingItem),
				zap.String("phase", phase), zap.Duration("timeout", timeout))
			return fmt.Errorf("%w: job %s item %d waiting for %s", ErrBarrierTimeout, sc.JobName, sc.ShardingItem, phase)
		case <-ticker.C:
			still, err := pending()
			if err != nil {
				return err
			}
			if !still {
				return nil
			}
		}
	}
}
