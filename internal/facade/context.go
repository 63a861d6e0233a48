package facade

import (
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// EligibleJobContext 每輪排程的可執行作業，依優先序分成三組
//
// failover > misfired > ready；同一作業只會出現在最高優先的一組，
// 但狀態在讀取之間轉移時仍可能重複，消費者應以 Tasks() 去重。
type EligibleJobContext struct {
	Failover []types.JobContext
	Misfired []types.JobContext
	Ready    []types.JobContext
}

// All 依優先序串接三組作業上下文
func (e EligibleJobContext) All() []types.JobContext {
	all := make([]types.JobContext, 0, len(e.Failover)+len(e.Misfired)+len(e.Ready))
	all = append(all, e.Failover...)
	all = append(all, e.Misfired...)
	return append(all, e.Ready...)
}

// Empty 本輪沒有任何可執行作業
func (e EligibleJobContext) Empty() bool {
	return len(e.Failover) == 0 && len(e.Misfired) == 0 && len(e.Ready) == 0
}

// Tasks 展開為每個 (job, item) 一個任務，以 (job, item) 去重，先出現者優先
func (e EligibleJobContext) Tasks() []types.TaskContext {
	seen := make(map[string]struct{})
	var tasks []types.TaskContext
	for _, ctx := range e.All() {
		for _, item := range ctx.AssignedShardingItems {
			task := types.NewTaskContext(ctx.JobName(), item, ctx.Type)
			if _, dup := seen[task.MetaInfo()]; dup {
				continue
			}
			seen[task.MetaInfo()] = struct{}{}
			tasks = append(tasks, task)
		}
	}
	return tasks
}

// AssignedTaskContext 資源調度器回報本輪實際消費的任務
type AssignedTaskContext struct {
	Launched         []types.TaskContext // 實際啟動的任務
	FailoverTasks    []types.TaskContext // 要從 failover 移除的任務
	MisfiredJobNames []string            // 要從 misfired 移除的作業
	ReadyJobNames    []string            // 要從 ready 移除的作業
}
