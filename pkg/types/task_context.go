package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// TaskContext 任務識別，代表某個作業的某個分片在某個生命週期階段的一次執行
//
// 序列化格式：jobName@-@shardingItem@-@type@-@slot
// 兩個 TaskContext 只要作業名稱與分片項相同即視為同一個邏輯任務（見 SameTask）
type TaskContext struct {
	JobName      string        `json:"jobName"`
	ShardingItem int           `json:"shardingItem"`
	Type         ExecutionType `json:"type"`
	Slot         string        `json:"slot"`
}

// NewTaskContext 建立任務識別並分配新的 slot token
func NewTaskContext(jobName string, shardingItem int, executionType ExecutionType) TaskContext {
	return TaskContext{
		JobName:      jobName,
		ShardingItem: shardingItem,
		Type:         executionType,
		Slot:         uuid.NewString(),
	}
}

// ParseTaskContext 從序列化字串還原任務識別
//
// 只接受標準格式的分片項（無前導零、無正負號），保證 ParseTaskContext(s).ID() == s
func ParseTaskContext(id string) (TaskContext, error) {
	parts := strings.Split(id, Delimiter)
	if len(parts) != 4 {
		return TaskContext{}, fmt.Errorf("%w: %q has %d fields, want 4", ErrInvalidTaskID, id, len(parts))
	}
	if parts[0] == "" {
		return TaskContext{}, fmt.Errorf("%w: %q has empty job name", ErrInvalidTaskID, id)
	}
	item, err := parseShardingItem(parts[1])
	if err != nil {
		return TaskContext{}, fmt.Errorf("%w: %q: %v", ErrInvalidTaskID, id, err)
	}
	executionType, err := ParseExecutionType(parts[2])
	if err != nil {
		return TaskContext{}, fmt.Errorf("%w: %q: %v", ErrInvalidTaskID, id, err)
	}
	return TaskContext{
		JobName:      parts[0],
		ShardingItem: item,
		Type:         executionType,
		Slot:         parts[3],
	}, nil
}

// ParseMetaInfo 解析 jobName@-@shardingItem 格式的任務元資訊
func ParseMetaInfo(metaInfo string) (string, int, error) {
	parts := strings.Split(metaInfo, Delimiter)
	if len(parts) != 2 || parts[0] == "" {
		return "", 0, fmt.Errorf("%w: malformed meta info %q", ErrInvalidTaskID, metaInfo)
	}
	item, err := parseShardingItem(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %v", ErrInvalidTaskID, metaInfo, err)
	}
	return parts[0], item, nil
}

func parseShardingItem(s string) (int, error) {
	item, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("sharding item %q is not an integer", s)
	}
	if item < 0 {
		return 0, fmt.Errorf("sharding item %d is negative", item)
	}
	if strconv.Itoa(item) != s {
		return 0, fmt.Errorf("sharding item %q is not canonical", s)
	}
	return item, nil
}

// ID 標準序列化字串
func (t TaskContext) ID() string {
	return strings.Join([]string{t.JobName, strconv.Itoa(t.ShardingItem), string(t.Type), t.Slot}, Delimiter)
}

// MetaInfo jobName@-@shardingItem，狀態儲存以此作為去重鍵
func (t TaskContext) MetaInfo() string {
	return t.JobName + Delimiter + strconv.Itoa(t.ShardingItem)
}

// SameTask 是否為同一個邏輯任務（只比較作業名稱與分片項）
func (t TaskContext) SameTask(other TaskContext) bool {
	return t.JobName == other.JobName && t.ShardingItem == other.ShardingItem
}

// WithType 回傳切換到另一個生命週期階段的副本，slot 不變
func (t TaskContext) WithType(executionType ExecutionType) TaskContext {
	t.Type = executionType
	return t
}

func (t TaskContext) String() string {
	return t.ID()
}
