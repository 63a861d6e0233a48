// Package types 定義了 beaver-cloud 協調器使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiter 任務識別碼各欄位之間的分隔符
const Delimiter = "@-@"

// ExecutionType 標記一個任務實例目前屬於哪一個佇列/狀態儲存
type ExecutionType string

// 定義執行類型常數
const (
	ExecutionReady    ExecutionType = "READY"    // 觸發器已觸發，等待分配資源
	ExecutionRunning  ExecutionType = "RUNNING"  // 已分配並執行中
	ExecutionFailover ExecutionType = "FAILOVER" // 執行節點失聯，等待重新啟動
	ExecutionMisfired ExecutionType = "MISFIRED" // 觸發時上一次的 ready 尚未消化
)

// ParseExecutionType 將字串轉換為 ExecutionType
func ParseExecutionType(s string) (ExecutionType, error) {
	switch t := ExecutionType(s); t {
	case ExecutionReady, ExecutionRunning, ExecutionFailover, ExecutionMisfired:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownExecutionType, s)
	}
}

// JobExecutionType 作業執行模式
type JobExecutionType string

const (
	JobTransient JobExecutionType = "TRANSIENT" // 依 cron 觸發，每次執行後結束
	JobDaemon    JobExecutionType = "DAEMON"    // 常駐作業，結束後重新排入 ready
)

var (
	// ErrInvalidJobConfig 作業配置不合法
	ErrInvalidJobConfig = errors.New("invalid job config")
	// ErrUnknownExecutionType 未知的執行類型
	ErrUnknownExecutionType = errors.New("unknown execution type")
	// ErrInvalidTaskID 任務識別碼格式錯誤
	ErrInvalidTaskID = errors.New("invalid task id")
)

// JobConfig 作業配置，由配置儲存持有
// 每次讀取都是一份快照，兩次讀取之間可能被修改
type JobConfig struct {
	JobName            string            `json:"jobName" yaml:"job_name"`
	Cron               string            `json:"cron" yaml:"cron"`
	ShardingTotalCount int               `json:"shardingTotalCount" yaml:"sharding_total_count"`
	CPUCount           float64           `json:"cpuCount" yaml:"cpu_count"`
	MemoryMB           float64           `json:"memoryMB" yaml:"memory_mb"`
	Failover           bool              `json:"failover" yaml:"failover"`
	Misfire            bool              `json:"misfire" yaml:"misfire"`
	JobExecutionType   JobExecutionType  `json:"jobExecutionType" yaml:"job_execution_type"`
	BootstrapScript    string            `json:"bootstrapScript" yaml:"bootstrap_script"`
	Params             map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Description        string            `json:"description,omitempty" yaml:"description,omitempty"`
}

// Validate 檢查配置是否可以被註冊
func (c JobConfig) Validate() error {
	if c.JobName == "" {
		return fmt.Errorf("%w: job name is required", ErrInvalidJobConfig)
	}
	if strings.Contains(c.JobName, "/") || strings.Contains(c.JobName, Delimiter) {
		return fmt.Errorf("%w: job name %q must not contain '/' or %q", ErrInvalidJobConfig, c.JobName, Delimiter)
	}
	if c.ShardingTotalCount < 1 {
		return fmt.Errorf("%w: sharding total count of %q must be positive", ErrInvalidJobConfig, c.JobName)
	}
	if c.CPUCount < 0 || c.MemoryMB < 0 {
		return fmt.Errorf("%w: resources of %q must not be negative", ErrInvalidJobConfig, c.JobName)
	}
	switch c.JobExecutionType {
	case "", JobTransient, JobDaemon:
	default:
		return fmt.Errorf("%w: unknown job execution type %q", ErrInvalidJobConfig, c.JobExecutionType)
	}
	return nil
}

// IsDaemon 是否為常駐作業
func (c JobConfig) IsDaemon() bool {
	return c.JobExecutionType == JobDaemon
}

// JobContext 將作業配置快照、執行類型與本次要執行的分片項綁定在一起
// 由各狀態儲存在挑選可執行作業時建立，交給資源調度器消費
type JobContext struct {
	JobConfig             JobConfig     `json:"jobConfig"`
	Type                  ExecutionType `json:"type"`
	AssignedShardingItems []int         `json:"assignedShardingItems"`
}

// NewJobContext 建立包含全部分片項（0..total-1）的作業上下文
func NewJobContext(cfg JobConfig, executionType ExecutionType) JobContext {
	items := make([]int, cfg.ShardingTotalCount)
	for i := range items {
		items[i] = i
	}
	return JobContext{JobConfig: cfg, Type: executionType, AssignedShardingItems: items}
}

// JobName 作業名稱
func (c JobContext) JobName() string {
	return c.JobConfig.JobName
}
