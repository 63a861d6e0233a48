// ============================================================================
// Beaver-Cloud Worker Pool - 並發分片執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量的 Worker goroutine，分發分片並收集結果
//
// 架構:
//   ┌─────────────┐
//   │ LocalAgent  │ --Submit()--> taskCh
//   │ RemoteAgent │ <--Results()-- resultCh
//   └─────────────┘
//   ┌──────────────────────────┐
//   │ Pool                     │
//   │  Worker 1..N ← taskCh    │ ──→ resultCh
//   └──────────────────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 channels
//   2. Start(n) - 啟動 n 個 Worker
//   3. Submit(task) - 提交分片
//   4. Results() / ReceiveResult() - 讀取結果，直到 resultCh 關閉
//   5. Stop() - 取消執行中的分片，未開始的分片回報 KILLED，等待全部 Worker 結束
//
// 並發控制:
//   - Submit 持有讀鎖直到送出（或 stopCh 關閉），Stop 在關閉 taskCh 前取得寫鎖，
//     因此不會對已關閉的 taskCh 送值
//   - inFlight 計算已提交、尚未產生結果的分片
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/listener"
	"github.com/ChuLiYu/beaver-cloud/internal/logging"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool Worker 池
type Pool struct {
	workers   []*Worker
	taskCh    chan Task
	resultCh  chan Result
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	inFlight  int64
	runner    Runner
	listeners *listener.Dispatcher
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex // 保護 started / stopped 與 taskCh 的關閉
	started bool
	stopped bool
}

// PoolOption 可選設定
type PoolOption func(*Pool)

// WithListeners 每個分片執行前後呼叫的監聽器
func WithListeners(d *listener.Dispatcher) PoolOption {
	return func(p *Pool) { p.listeners = d }
}

// WithPoolLogger 日誌
func WithPoolLogger(logger *zap.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// NewPool 建立 Worker Pool；runner 為 nil 時使用 ShellRunner
func NewPool(bufferSize int, runner Runner, opts ...PoolOption) *Pool {
	if runner == nil {
		runner = ShellRunner{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		runner:   runner,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrNop(p.logger).Named("worker")
	return p
}

// Start 啟動 workerCount 個 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交分片；taskCh 已滿時阻塞，直到有空位或 Pool 停止
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	atomic.AddInt64(&p.inFlight, 1)
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		atomic.AddInt64(&p.inFlight, -1)
		return ErrPoolClosed
	}
}

// Results 結果通道，Stop 完成後關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// ReceiveResult 讀取一筆結果；全部 Worker 結束且結果已讀完時回傳 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// InFlight 已提交、尚未產生結果的分片數
func (p *Pool) InFlight() int {
	return int(atomic.LoadInt64(&p.inFlight))
}

// Stop 停止 Pool
//
// 執行中的分片被取消（KILLED），佇列中的分片直接回報 KILLED；
// 呼叫端必須持續讀取結果直到通道關閉，否則 Stop 會阻塞。
func (p *Pool) Stop() {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if !started {
		return
	}

	first := false
	p.stopOnce.Do(func() {
		first = true
		close(p.stopCh)
		p.cancel()
	})
	if !first {
		return
	}

	p.mu.Lock()
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
