package launcher

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-cloud/internal/facade"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// Assignment 一輪分配的結果
type Assignment struct {
	Launches []LaunchTask
	Assigned facade.AssignedTaskContext
}

// Assign 依優先序把任務 first-fit 到 offer 上
//
// failover 任務逐一分配；misfired / ready 作業的分片全部放得下才分配，
// 否則整個作業留到下一輪。同一 (job, item) 只分配一次，先出現者優先。
// limiter 為 nil 時不限速；限速額度用完即停止本輪分配。
// 一個作業的分片一次取得額度，分片數超過 burst 時以 burst 計。
func Assign(eligible facade.EligibleJobContext, offers []Offer, limiter *rate.Limiter) Assignment {
	remaining := make([]Offer, len(offers))
	copy(remaining, offers)

	var result Assignment
	seen := make(map[string]struct{})
	for _, ctx := range eligible.All() {
		var tasks []types.TaskContext
		for _, item := range ctx.AssignedShardingItems {
			task := types.NewTaskContext(ctx.JobName(), item, ctx.Type)
			if _, dup := seen[task.MetaInfo()]; dup {
				continue
			}
			seen[task.MetaInfo()] = struct{}{}
			tasks = append(tasks, task)
		}
		if len(tasks) == 0 {
			continue
		}

		if ctx.Type == types.ExecutionFailover {
			for _, task := range tasks {
				launch, ok := place(remaining, ctx.JobConfig, task)
				if !ok {
					continue
				}
				if limiter != nil && !limiter.Allow() {
					result.Assigned = Consumed(eligible, launchedTasks(result.Launches))
					return result
				}
				result.Launches = append(result.Launches, launch)
			}
			continue
		}

		trial := make([]Offer, len(remaining))
		copy(trial, remaining)
		launches := make([]LaunchTask, 0, len(tasks))
		for _, task := range tasks {
			launch, ok := place(trial, ctx.JobConfig, task)
			if !ok {
				break
			}
			launches = append(launches, launch)
		}
		if len(launches) < len(tasks) {
			continue
		}
		if limiter != nil && !limiter.AllowN(time.Now(), min(len(launches), limiter.Burst())) {
			break
		}
		remaining = trial
		result.Launches = append(result.Launches, launches...)
	}

	result.Assigned = Consumed(eligible, launchedTasks(result.Launches))
	return result
}

// Consumed 由實際啟動的任務算出要從佇列移除的項目
//
// misfired / ready 作業只有在本輪要求的分片全部啟動時才移除。
func Consumed(eligible facade.EligibleJobContext, launched []types.TaskContext) facade.AssignedTaskContext {
	placed := make(map[string]struct{}, len(launched))
	var assigned facade.AssignedTaskContext
	for _, task := range launched {
		placed[task.MetaInfo()] = struct{}{}
		assigned.Launched = append(assigned.Launched, task)
		if task.Type == types.ExecutionFailover {
			assigned.FailoverTasks = append(assigned.FailoverTasks, task)
		}
	}
	assigned.MisfiredJobNames = fullyPlaced(eligible.Misfired, placed)
	assigned.ReadyJobNames = fullyPlaced(eligible.Ready, placed)
	return assigned
}

// place 在 offers 中找第一個放得下的資源並扣除用量
func place(offers []Offer, cfg types.JobConfig, task types.TaskContext) (LaunchTask, bool) {
	idx := firstFit(offers, cfg)
	if idx < 0 {
		return LaunchTask{}, false
	}
	offer := &offers[idx]
	offer.CPUs -= cfg.CPUCount
	offer.MemoryMB -= cfg.MemoryMB
	return LaunchTask{
		Task:               task,
		AgentID:            offer.AgentID,
		Hostname:           offer.Hostname,
		CPUs:               cfg.CPUCount,
		MemoryMB:           cfg.MemoryMB,
		BootstrapScript:    cfg.BootstrapScript,
		Params:             cfg.Params,
		ShardingTotalCount: cfg.ShardingTotalCount,
	}, true
}

func launchedTasks(launches []LaunchTask) []types.TaskContext {
	tasks := make([]types.TaskContext, 0, len(launches))
	for _, launch := range launches {
		tasks = append(tasks, launch.Task)
	}
	return tasks
}

func firstFit(offers []Offer, cfg types.JobConfig) int {
	for i, offer := range offers {
		if offer.CPUs >= cfg.CPUCount && offer.MemoryMB >= cfg.MemoryMB {
			return i
		}
	}
	return -1
}

func fullyPlaced(contexts []types.JobContext, placed map[string]struct{}) []string {
	var names []string
	for _, ctx := range contexts {
		complete := true
		for _, item := range ctx.AssignedShardingItems {
			meta := types.TaskContext{JobName: ctx.JobName(), ShardingItem: item}.MetaInfo()
			if _, ok := placed[meta]; !ok {
				complete = false
				break
			}
		}
		if complete {
			names = append(names, ctx.JobName())
		}
	}
	return names
}
