// ============================================================================
// Beaver-Cloud 控制器 - 協調器的組裝與生命週期
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 建立並持有協調器的全部元件，取代全域的作業註冊表
//
// 組件:
//   - registry.Center: 本地（WAL + 快照）或 ZooKeeper
//   - 狀態儲存: jobconfig / ready / misfired / failover / running
//   - producer: cron 觸發引擎
//   - facade: 排程門面，launcher.Loop 的決策來源
//   - AgentSet: 本地 agent（Worker Pool）+ 遠端 agent（gRPC AgentService）
//   - tracing / metrics
//   - ha.Elector: 多協調器時的主備選舉
//
// 生命週期:
//   1. New()   - 開啟註冊中心、軌跡資料庫，組裝元件
//   2. Start() - 啟動本地 agent、租約檢查、壓縮循環；
//                單機模式直接成為 leader，HA 模式參選
//   3. 成為 leader: facade.Start()（清除殘留執行狀態、啟動觸發）→ 排程迴圈
//   4. 卸任: 停止排程迴圈與觸發
//   5. Stop()  - 卸任、停止 agent、最後一次壓縮、關閉資源
//
// 任務狀態回報:
//   本地與遠端 agent 的回報都先到 Controller，只有 leader 轉交給排程迴圈。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/api"
	"github.com/ChuLiYu/beaver-cloud/internal/facade"
	"github.com/ChuLiYu/beaver-cloud/internal/guarantee"
	"github.com/ChuLiYu/beaver-cloud/internal/ha"
	"github.com/ChuLiYu/beaver-cloud/internal/jobconfig"
	"github.com/ChuLiYu/beaver-cloud/internal/launcher"
	"github.com/ChuLiYu/beaver-cloud/internal/listener"
	"github.com/ChuLiYu/beaver-cloud/internal/logging"
	"github.com/ChuLiYu/beaver-cloud/internal/metrics"
	"github.com/ChuLiYu/beaver-cloud/internal/producer"
	"github.com/ChuLiYu/beaver-cloud/internal/registry"
	"github.com/ChuLiYu/beaver-cloud/internal/server"
	"github.com/ChuLiYu/beaver-cloud/internal/state/failover"
	"github.com/ChuLiYu/beaver-cloud/internal/state/misfired"
	"github.com/ChuLiYu/beaver-cloud/internal/state/ready"
	"github.com/ChuLiYu/beaver-cloud/internal/state/running"
	"github.com/ChuLiYu/beaver-cloud/internal/tracing"
	"github.com/ChuLiYu/beaver-cloud/internal/worker"
)

// ErrNotLeader 目前不是 leader，不接受任務狀態
var ErrNotLeader = errors.New("coordinator is not the leader")

// ============================================================================
// 資料結構定義
// ============================================================================

// RegistryConfig 註冊中心設定
type RegistryConfig struct {
	Type           string        // local | zookeeper
	DataDir        string        // local：WAL 與快照目錄；空字串表示純記憶體
	Servers        []string      // zookeeper
	Namespace      string        // zookeeper
	SessionTimeout time.Duration // zookeeper
}

// Config Controller 配置
type Config struct {
	ID                string // 協調器識別，空字串時自動產生
	Registry          RegistryConfig
	Scheduler         launcher.Config
	FailoverQueueSize int           // 0 表示不限
	CompactInterval   time.Duration // 本地註冊中心的快照間隔
	AgentLease        time.Duration // 遠端 agent 租約
	LocalAgent        bool          // 是否在協調器行程內執行分片
	Agent             worker.AgentConfig
	HA                bool
	ElectionInterval  time.Duration
	TracingEnabled    bool
	TracingPath       string // 空字串表示記憶體資料庫
	MetricsEnabled    bool
}

// DefaultConfig 單機、純記憶體、啟用本地 agent
func DefaultConfig() Config {
	return Config{
		Registry:        RegistryConfig{Type: "local"},
		Scheduler:       launcher.DefaultConfig(),
		CompactInterval: time.Minute,
		AgentLease:      server.DefaultLease,
		LocalAgent:      true,
		Agent:           worker.AgentConfig{CPUs: 4, MemoryMB: 4096, Workers: 4},
		TracingEnabled:  true,
		MetricsEnabled:  true,
	}
}

// Deps 可替換的協作者，零值即使用預設
type Deps struct {
	Center     registry.Center       // 非 nil 時不依 Config.Registry 開啟
	Registerer prometheus.Registerer // 預設 prometheus.NewRegistry()
	Runner     worker.Runner         // 預設 ShellRunner
	Listeners  []listener.Listener
	Logger     *zap.Logger
}

// Stats 協調器狀態摘要
type Stats struct {
	ID           string        `json:"id"`
	Leader       bool          `json:"leader"`
	Uptime       time.Duration `json:"uptime"`
	Jobs         int           `json:"jobs"`
	Ready        int           `json:"ready"`
	Misfired     int           `json:"misfired"`
	Running      int           `json:"running"`
	Failover     int           `json:"failover"`
	RemoteAgents int           `json:"remote_agents"`
	LocalRunning int           `json:"local_running"`
}

// Controller 協調器
type Controller struct {
	cfg    Config
	logger *zap.Logger

	center    registry.Center
	ownCenter bool
	configs   *jobconfig.Service
	ready     *ready.Service
	misfired  *misfired.Service
	failover  *failover.Service
	running   *running.Service
	producer  *producer.Producer
	facade    *facade.Service

	registry    *prometheus.Registry // Deps.Registerer 為 nil 時自建
	metrics     *metrics.Collector
	tracer      tracing.Recorder
	agentServer *server.Server
	localAgent  *worker.LocalAgent
	agents      *launcher.AgentSet
	loop        *launcher.Loop
	elector     *ha.Elector

	mu         sync.Mutex // 保護以下欄位
	leading    bool
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	started    bool
	stopped    bool
	startTime  time.Time
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// ============================================================================
// 建立
// ============================================================================

// New 開啟註冊中心並組裝全部元件
func New(cfg Config, deps Deps) (*Controller, error) {
	if cfg.ID == "" {
		cfg.ID = "coordinator-" + uuid.NewString()[:8]
	}
	if cfg.Scheduler.Interval <= 0 {
		cfg.Scheduler = launcher.DefaultConfig()
	}
	logger := logging.OrNop(deps.Logger).With(zap.String("coordinator", cfg.ID))

	c := &Controller{cfg: cfg, logger: logger.Named("controller"), center: deps.Center}
	if c.center == nil {
		center, err := openCenter(cfg.Registry, logger)
		if err != nil {
			return nil, err
		}
		c.center = center
		c.ownCenter = true
	}

	registerer := deps.Registerer
	if registerer == nil {
		c.registry = prometheus.NewRegistry()
		registerer = c.registry
	}
	if cfg.MetricsEnabled {
		c.metrics = metrics.NewCollector(registerer)
	}

	tracer, err := openTracer(cfg)
	if err != nil {
		c.closeCenter()
		return nil, err
	}
	c.tracer = tracer

	// 狀態儲存
	c.configs = jobconfig.NewService(c.center)
	c.running = running.NewService(c.center, logger)
	c.ready = ready.NewService(c.center, c.configs, c.running, logger)
	c.misfired = misfired.NewService(c.center, c.configs, c.running, logger)
	c.failover = failover.NewService(c.center, c.configs, c.running, cfg.FailoverQueueSize, logger)
	c.producer = producer.New(c.configs, c.ready, c.misfired, c.metrics, logger)
	c.facade = facade.New(facade.Deps{
		Configs:  c.configs,
		Ready:    c.ready,
		Misfired: c.misfired,
		Failover: c.failover,
		Running:  c.running,
		Producer: c.producer,
		Logger:   logger,
	})

	// agent
	c.agentServer = server.New(cfg.AgentLease, c.metrics, logger)
	c.agents = launcher.NewAgentSet(c.agentServer)
	if cfg.LocalAgent {
		listeners := append([]listener.Listener{listener.Logging(logger)}, deps.Listeners...)
		dispatcher := listener.NewDispatcher(guarantee.NewService(c.center), logger, listeners...)
		agentCfg := cfg.Agent
		if agentCfg.ID == "" {
			agentCfg.ID = cfg.ID + "-local"
		}
		pool := worker.NewPool(max(agentCfg.Workers, 1)*2, deps.Runner,
			worker.WithListeners(dispatcher), worker.WithPoolLogger(logger))
		c.localAgent = worker.NewLocalAgent(agentCfg, pool, logger)
		c.agents.Add(c.localAgent)
	}

	c.loop = launcher.NewLoop(cfg.Scheduler, c.facade, c.agents,
		launcher.WithRecorder(c.tracer), launcher.WithMetrics(c.metrics), launcher.WithLogger(logger))
	if cfg.HA {
		c.elector = ha.NewElector(c.center, cfg.ID, cfg.ElectionInterval, logger)
	}
	return c, nil
}

func openCenter(cfg RegistryConfig, logger *zap.Logger) (registry.Center, error) {
	switch cfg.Type {
	case "", "local":
		if cfg.DataDir == "" {
			return registry.NewMemoryCenter(), nil
		}
		center, err := registry.OpenLocal(cfg.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open local registry: %w", err)
		}
		return center, nil
	case "zookeeper":
		center, err := registry.NewZookeeperCenter(registry.ZookeeperConfig{
			Servers:        cfg.Servers,
			Namespace:      cfg.Namespace,
			SessionTimeout: cfg.SessionTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect zookeeper: %w", err)
		}
		return center, nil
	default:
		return nil, fmt.Errorf("unknown registry type %q", cfg.Type)
	}
}

func openTracer(cfg Config) (tracing.Recorder, error) {
	if !cfg.TracingEnabled {
		return tracing.NopRecorder{}, nil
	}
	ctx := context.Background()
	if cfg.TracingPath == "" {
		return tracing.OpenMemory(ctx)
	}
	return tracing.OpenSQLite(ctx, cfg.TracingPath)
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動背景循環；單機模式同步成為 leader，失敗時回傳錯誤
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.startTime = time.Now()
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.agentServer.SetStatusHandler(c)
	if c.localAgent != nil {
		if err := c.localAgent.Start(c); err != nil {
			return fmt.Errorf("start local agent: %w", err)
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.agentServer.Run(ctx)
	}()

	if mc, ok := c.center.(*registry.MemoryCenter); ok && mc.Durable() && c.cfg.CompactInterval > 0 {
		c.wg.Add(1)
		go c.compactLoop(ctx, mc)
	}

	if c.elector == nil {
		return c.becomeLeader(ctx)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.elector.Run(ctx, c.becomeLeader, c.revoke)
	}()
	c.logger.Info("coordinator started as candidate")
	return nil
}

// becomeLeader 清除殘留的執行狀態、啟動觸發與排程迴圈
func (c *Controller) becomeLeader(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leading {
		return nil
	}
	if err := c.facade.Start(); err != nil {
		c.producer.Stop()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.loop.Run(loopCtx); err != nil {
			c.logger.Error("scheduling loop exited", zap.Error(err))
		}
	}()
	c.loopCancel, c.loopDone = cancel, done
	c.leading = true

	recovery := time.Since(c.startTime)
	c.metrics.SetRecoveryTime(recovery)
	c.logger.Info("coordinator is leading", zap.Duration("since_start", recovery))
	return nil
}

// revoke 停止排程迴圈與觸發；執行狀態留給下一任 leader 清除
func (c *Controller) revoke() {
	c.mu.Lock()
	if !c.leading {
		c.mu.Unlock()
		return
	}
	c.leading = false
	cancel, done := c.loopCancel, c.loopDone
	c.mu.Unlock()

	// 等待迴圈結束時不持有鎖，agent 的狀態回報仍能進來
	cancel()
	<-done
	c.producer.Stop()
	c.logger.Warn("coordinator stepped down")
}

// compactLoop 定期把本地註冊中心寫成快照並旋轉 WAL
func (c *Controller) compactLoop(ctx context.Context, mc *registry.MemoryCenter) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CompactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mc.Compact(); err != nil {
				c.logger.Error("registry compaction failed", zap.Error(err))
			}
		}
	}
}

// Stop 優雅關閉
//
// 關閉順序：
//  1. 停止排程迴圈與觸發（不再分派新任務）
//  2. 停止本地 agent，執行中的分片回報 KILLED 並移出 running
//  3. 結束背景循環（選舉、租約、壓縮）
//  4. 單機模式清除 running、壓縮、關閉軌跡資料庫與註冊中心
//
// HA 模式下不清除 running；共享的執行登記由下一任 leader 在取得領導權時清除。
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()
	if !started {
		return multierr.Combine(c.tracer.Close(), c.closeCenter())
	}

	c.logger.Info("stopping coordinator")
	wasLeading := c.Leading()
	if c.elector == nil {
		c.revoke()
	}
	if c.localAgent != nil {
		c.localAgent.Stop()
	}
	c.cancel()
	c.wg.Wait() // HA 模式下 elector 結束時呼叫 revoke
	c.agentServer.SetStatusHandler(nil)

	var err error
	if wasLeading && c.elector == nil {
		err = multierr.Append(err, c.facade.Stop())
	}
	if mc, ok := c.center.(*registry.MemoryCenter); ok && mc.Durable() {
		err = multierr.Append(err, mc.Compact())
	}
	err = multierr.Append(err, c.tracer.Close())
	err = multierr.Append(err, c.closeCenter())
	c.logger.Info("coordinator stopped", zap.Error(err))
	return err
}

func (c *Controller) closeCenter() error {
	if !c.ownCenter {
		return nil
	}
	return c.center.Close()
}

// ============================================================================
// 任務狀態
// ============================================================================

// StatusUpdate 實作 launcher.StatusHandler；只有 leader 轉交給排程迴圈
//
// 本地 agent 在 leader 卸任後回報的 KILLED 仍會寫入 running，
// 確保關閉時不留下殘留的執行紀錄。
func (c *Controller) StatusUpdate(ctx context.Context, status launcher.TaskStatus) error {
	c.mu.Lock()
	leading, stopped := c.leading, c.stopped
	c.mu.Unlock()
	if !leading && !(stopped && c.elector == nil) {
		return fmt.Errorf("%w: %s", ErrNotLeader, c.cfg.ID)
	}
	return c.loop.StatusUpdate(ctx, status)
}

var _ launcher.StatusHandler = (*Controller)(nil)

// ============================================================================
// 公開方法
// ============================================================================

// ID 協調器識別
func (c *Controller) ID() string {
	return c.cfg.ID
}

// Leading 是否為 leader
func (c *Controller) Leading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leading
}

// Center 註冊中心
func (c *Controller) Center() registry.Center {
	return c.center
}

// Jobs 作業配置儲存
func (c *Controller) Jobs() *jobconfig.Service {
	return c.configs
}

// Scheduler cron 觸發器
func (c *Controller) Scheduler() *producer.Producer {
	return c.producer
}

// AgentService 遠端 agent 的 gRPC 服務實作
func (c *Controller) AgentService() *server.Server {
	return c.agentServer
}

// Loop 排程迴圈
func (c *Controller) Loop() *launcher.Loop {
	return c.loop
}

// Handler HTTP API
func (c *Controller) Handler() http.Handler {
	var metricsHandler http.Handler
	if c.metrics != nil {
		metricsHandler = c.metrics.Handler()
	}
	return api.New(api.Deps{
		Jobs:      c.configs,
		Scheduler: c.producer,
		Ready:     c.ready,
		Misfired:  c.misfired,
		Running:   c.running,
		Failover:  c.failover,
		Tracer:    c.tracer,
		Agents:    c.agentServer,
		Metrics:   metricsHandler,
		Leading:   c.Leading,
		Logger:    c.logger,
	})
}

// Stats 狀態摘要
func (c *Controller) Stats() (Stats, error) {
	c.mu.Lock()
	stats := Stats{ID: c.cfg.ID, Leader: c.leading}
	if c.started {
		stats.Uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	configs, err := c.configs.LoadAll()
	if err != nil {
		return stats, err
	}
	stats.Jobs = len(configs)
	readyNames, err := c.ready.GetAllReadyJobNames()
	if err != nil {
		return stats, err
	}
	stats.Ready = len(readyNames)
	misfiredNames, err := c.misfired.GetAllMisfiredJobNames()
	if err != nil {
		return stats, err
	}
	stats.Misfired = len(misfiredNames)

	runningTasks, err := c.running.GetAllRunningTasks()
	if err != nil {
		return stats, err
	}
	for _, tasks := range runningTasks {
		stats.Running += len(tasks)
	}
	failoverTasks, err := c.failover.GetAllFailoverTasks()
	if err != nil {
		return stats, err
	}
	for _, tasks := range failoverTasks {
		stats.Failover += len(tasks)
	}

	stats.RemoteAgents = len(c.agentServer.Agents())
	if c.localAgent != nil {
		stats.LocalRunning = c.localAgent.Running()
	}
	c.metrics.SetRunning(stats.Running)
	return stats, nil
}
