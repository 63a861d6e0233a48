// Package producer 任務產生：依作業 cron 觸發，將作業放入 ready 或 misfired 佇列
package producer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	cronv3 "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/logging"
	"github.com/ChuLiYu/beaver-cloud/internal/metrics"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// 觸發結果
const (
	OutcomeReady    = "ready"
	OutcomeMisfired = "misfired"
	OutcomeDropped  = "dropped"
)

// ErrInvalidCron cron 表達式無法解析
var ErrInvalidCron = errors.New("invalid cron expression")

// ConfigStore 作業配置
type ConfigStore interface {
	Load(jobName string) (types.JobConfig, bool, error)
	LoadAll() ([]types.JobConfig, error)
}

// ReadyQueue 待分配佇列
type ReadyQueue interface {
	Add(jobName string) error
	IsReady(jobName string) (bool, error)
}

// MisfiredQueue 錯過觸發佇列
type MisfiredQueue interface {
	Add(jobName string) error
}

var parser = cronv3.NewParser(cronv3.SecondOptional | cronv3.Minute | cronv3.Hour |
	cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)

// ParseCron 解析作業 cron（秒欄位可省略，支援 @every / @daily 等描述子）
func ParseCron(expr string) (cronv3.Schedule, error) {
	schedule, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidCron, expr, err)
	}
	return schedule, nil
}

// Producer 本地觸發引擎
type Producer struct {
	mu      sync.Mutex
	cron    *cronv3.Cron
	entries map[string]cronv3.EntryID
	started bool

	configs  ConfigStore
	ready    ReadyQueue
	misfired MisfiredQueue
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// New 建立觸發引擎；collector 可為 nil
func New(configs ConfigStore, ready ReadyQueue, misfired MisfiredQueue, collector *metrics.Collector, logger *zap.Logger) *Producer {
	logger = logging.OrNop(logger).Named("producer")
	cl := cronLogger{logger: logger.Sugar()}
	return &Producer{
		cron:     cronv3.New(cronv3.WithParser(parser), cronv3.WithLogger(cl), cronv3.WithChain(cronv3.Recover(cl))),
		entries:  make(map[string]cronv3.EntryID),
		configs:  configs,
		ready:    ready,
		misfired: misfired,
		metrics:  collector,
		logger:   logger,
	}
}

// Start 註冊 registry 中全部作業並開始觸發
func (p *Producer) Start() error {
	configs, err := p.configs.LoadAll()
	if err != nil {
		return fmt.Errorf("load job configs: %w", err)
	}
	for _, cfg := range configs {
		if err := p.Register(cfg); err != nil {
			// 單一作業的錯誤不應阻止其他作業觸發
			p.logger.Error("job not scheduled", zap.String("job", cfg.JobName), zap.Error(err))
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.cron.Start()
		p.started = true
	}
	p.logger.Info("task producer started", zap.Int("jobs", len(p.entries)))
	return nil
}

// Register 註冊或重新註冊作業的觸發器
//
// TRANSIENT 作業依 cron 觸發；DAEMON 作業註冊時直接放入 ready 一次，
// 之後由任務結束回報重新排入。
func (p *Producer) Register(cfg types.JobConfig) error {
	if cfg.IsDaemon() {
		p.Deregister(cfg.JobName)
		if err := p.ready.Add(cfg.JobName); err != nil {
			return fmt.Errorf("queue daemon job %s: %w", cfg.JobName, err)
		}
		p.logger.Info("daemon job queued", zap.String("job", cfg.JobName))
		return nil
	}

	schedule, err := ParseCron(cfg.Cron)
	if err != nil {
		return err
	}
	jobName := cfg.JobName

	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.entries[jobName]; ok {
		p.cron.Remove(id)
	}
	p.entries[jobName] = p.cron.Schedule(schedule, cronv3.FuncJob(func() {
		if _, err := p.Trigger(jobName); err != nil {
			p.logger.Error("trigger failed", zap.String("job", jobName), zap.Error(err))
		}
	}))
	p.logger.Debug("job scheduled", zap.String("job", jobName), zap.String("cron", cfg.Cron))
	return nil
}

// Deregister 移除作業觸發器，未註冊時不做任何事
func (p *Producer) Deregister(jobName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.entries[jobName]; ok {
		p.cron.Remove(id)
		delete(p.entries, jobName)
	}
}

// Trigger 執行一次觸發
//
//   - 作業已刪除：移除觸發器，結果為 dropped
//   - ready 標記空閒：放入 ready
//   - ready 標記仍在：啟用 misfire 時放入 misfired，否則丟棄本次觸發
func (p *Producer) Trigger(jobName string) (string, error) {
	cfg, ok, err := p.configs.Load(jobName)
	if err != nil {
		return "", err
	}
	if !ok {
		p.Deregister(jobName)
		p.metrics.RecordTrigger(OutcomeDropped)
		return OutcomeDropped, nil
	}

	queued, err := p.ready.IsReady(jobName)
	if err != nil {
		return "", err
	}
	outcome := OutcomeReady
	switch {
	case !queued:
		err = p.ready.Add(jobName)
	case cfg.Misfire:
		outcome = OutcomeMisfired
		err = p.misfired.Add(jobName)
	default:
		outcome = OutcomeDropped
	}
	if err != nil {
		return "", err
	}
	p.metrics.RecordTrigger(outcome)
	p.logger.Debug("job triggered", zap.String("job", jobName), zap.String("outcome", outcome))
	return outcome, nil
}

// Registered 已註冊觸發器的作業名稱（排序）
func (p *Producer) Registered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop 停止觸發並等待執行中的觸發結束，清除全部觸發器
func (p *Producer) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	ctx := p.cron.Stop()
	for name, id := range p.entries {
		p.cron.Remove(id)
		delete(p.entries, name)
	}
	p.mu.Unlock()

	<-ctx.Done()
	p.logger.Info("task producer stopped")
}

// cronLogger 將 cron 內部日誌轉到 zap
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
