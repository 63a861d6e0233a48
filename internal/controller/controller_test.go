package controller

// ============================================================================
// Controller 測試
// 目的: 驗證組裝、分派到本地 agent、失效轉移、重啟恢復、主備切換
// ============================================================================

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-cloud/internal/api"
	"github.com/ChuLiYu/beaver-cloud/internal/launcher"
	"github.com/ChuLiYu/beaver-cloud/internal/registry"
	"github.com/ChuLiYu/beaver-cloud/internal/state/running"
	"github.com/ChuLiYu/beaver-cloud/internal/worker"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// launches 記錄 Runner 收到的分片
type launches struct {
	mu    sync.Mutex
	tasks []types.TaskContext
	fail  func(types.TaskContext) bool
}

func (l *launches) runner() worker.Runner {
	return worker.RunnerFunc(func(_ context.Context, task launcher.LaunchTask) error {
		l.mu.Lock()
		l.tasks = append(l.tasks, task.Task)
		fail := l.fail != nil && l.fail(task.Task)
		l.mu.Unlock()
		if fail {
			return assert.AnError
		}
		return nil
	})
}

func (l *launches) count(match func(types.TaskContext) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.tasks {
		if match(t) {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Scheduler.Interval = 20 * time.Millisecond
	cfg.Scheduler.InitialBackoff = 20 * time.Millisecond
	cfg.Agent = worker.AgentConfig{CPUs: 4, MemoryMB: 1024, Workers: 4}
	cfg.ElectionInterval = 20 * time.Millisecond
	cfg.CompactInterval = 50 * time.Millisecond
	return cfg
}

func startController(t *testing.T, cfg Config, deps Deps) *Controller {
	t.Helper()
	c, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func clientFor(t *testing.T, c *Controller) *api.Client {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)
	return api.NewClient(srv.URL)
}

func daemonJob(name string) types.JobConfig {
	return types.JobConfig{
		JobName:            name,
		ShardingTotalCount: 2,
		CPUCount:           0.5,
		MemoryMB:           64,
		Failover:           true,
		JobExecutionType:   types.JobDaemon,
		BootstrapScript:    "true",
	}
}

func cronJob(name string) types.JobConfig {
	return types.JobConfig{
		JobName:            name,
		Cron:               "0 0 0 1 1 *",
		ShardingTotalCount: 3,
		CPUCount:           0.5,
		MemoryMB:           64,
		BootstrapScript:    "true",
	}
}

// ============================================================================
// 建立
// ============================================================================

func TestNewRejectsUnknownRegistry(t *testing.T) {
	cfg := testConfig()
	cfg.Registry.Type = "etcd"
	_, err := New(cfg, Deps{})
	assert.ErrorContains(t, err, "unknown registry type")
}

func TestNewAssignsID(t *testing.T) {
	c, err := New(testConfig(), Deps{})
	require.NoError(t, err)
	assert.Regexp(t, `^coordinator-[0-9a-f]{8}$`, c.ID())
	assert.False(t, c.Leading())
	assert.NoError(t, c.Stop(), "stop before start")
}

func TestStartTwice(t *testing.T) {
	c := startController(t, testConfig(), Deps{})
	assert.Error(t, c.Start(context.Background()))
}

// ============================================================================
// 分派
// ============================================================================

func TestDaemonJobRunsOnLocalAgent(t *testing.T) {
	runs := &launches{}
	c := startController(t, testConfig(), Deps{Runner: runs.runner()})
	require.True(t, c.Leading())

	client := clientFor(t, c)
	require.NoError(t, client.RegisterJob(context.Background(), daemonJob("sync")))

	// 常駐作業結束後重新排入 ready，兩個分片都會被執行多次
	for item := 0; item < 2; item++ {
		item := item
		require.Eventually(t, func() bool {
			return runs.count(func(tc types.TaskContext) bool { return tc.JobName == "sync" && tc.ShardingItem == item }) >= 2
		}, 3*time.Second, 10*time.Millisecond, "item %d", item)
	}

	events, err := client.Trace(context.Background(), "sync", 50)
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.True(t, stats.Leader)
	assert.Equal(t, 1, stats.Jobs)
	assert.Zero(t, stats.RemoteAgents)
}

func TestFailedTaskIsRelaunchedAsFailover(t *testing.T) {
	var once sync.Once
	runs := &launches{}
	runs.fail = func(tc types.TaskContext) bool {
		failed := false
		if tc.ShardingItem == 1 {
			once.Do(func() { failed = true })
		}
		return failed
	}
	c := startController(t, testConfig(), Deps{Runner: runs.runner()})
	require.NoError(t, clientFor(t, c).RegisterJob(context.Background(), daemonJob("flaky")))

	require.Eventually(t, func() bool {
		return runs.count(func(tc types.TaskContext) bool {
			return tc.ShardingItem == 1 && tc.Type == types.ExecutionFailover
		}) >= 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRemovedJobStopsRunning(t *testing.T) {
	runs := &launches{}
	c := startController(t, testConfig(), Deps{Runner: runs.runner()})
	client := clientFor(t, c)
	ctx := context.Background()

	require.NoError(t, client.RegisterJob(ctx, daemonJob("sync")))
	isSync := func(tc types.TaskContext) bool { return tc.JobName == "sync" }
	require.Eventually(t, func() bool { return runs.count(isSync) > 0 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, client.RemoveJob(ctx, "sync"))
	// 已分派的分片可能仍在收尾
	time.Sleep(100 * time.Millisecond)
	settled := runs.count(isSync)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, settled, runs.count(isSync))

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Jobs)
	assert.Zero(t, stats.Ready)
}

func TestStatusUpdateRejectsUnknownState(t *testing.T) {
	c := startController(t, testConfig(), Deps{})
	err := c.StatusUpdate(context.Background(), launcher.TaskStatus{
		TaskID: types.NewTaskContext("sync", 0, types.ExecutionReady).ID(),
		State:  "PAUSED",
	})
	assert.ErrorIs(t, err, launcher.ErrUnknownTaskState)
}

// ============================================================================
// 恢復
// ============================================================================

func TestRestartRecoversJobsAndClearsStaleRunning(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.LocalAgent = false
	cfg.Registry = RegistryConfig{Type: "local", DataDir: dir}

	first, err := New(cfg, Deps{})
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	require.NoError(t, clientFor(t, first).RegisterJob(context.Background(), cronJob("report")))
	require.NoError(t, first.Stop())

	// 模擬上一任協調器崩潰時留下的執行登記
	center, err := registry.OpenLocal(dir, nil)
	require.NoError(t, err)
	stale := types.NewTaskContext("report", 0, types.ExecutionReady)
	require.NoError(t, running.NewService(center, nil).Add(stale))
	require.NoError(t, center.Close())

	second := startController(t, cfg, Deps{})
	stats, err := second.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Jobs)
	assert.Zero(t, stats.Running)

	jobs, err := clientFor(t, second).ListJobs(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "report", jobs[0].JobName)
	assert.Equal(t, 3, jobs[0].ShardingTotalCount)
}

// ============================================================================
// 主備
// ============================================================================

func TestStandbyTakesOverWhenLeaderStops(t *testing.T) {
	root := registry.NewMemoryCenter()
	t.Cleanup(func() { _ = root.Close() })

	cfg := testConfig()
	cfg.HA = true
	cfg.LocalAgent = false

	cfg.ID = "coordinator-a"
	a, err := New(cfg, Deps{Center: root.NewSession()})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, a.Leading, 2*time.Second, 10*time.Millisecond)

	cfg.ID = "coordinator-b"
	b := startController(t, cfg, Deps{Center: root.NewSession()})
	time.Sleep(100 * time.Millisecond)
	assert.False(t, b.Leading())

	// standby 不接受任務狀態與作業變更
	err = b.StatusUpdate(context.Background(), launcher.TaskStatus{
		TaskID: types.NewTaskContext("sync", 0, types.ExecutionReady).ID(),
		State:  launcher.TaskFinished,
	})
	assert.ErrorIs(t, err, ErrNotLeader)
	var apiErr *api.APIError
	require.ErrorAs(t, clientFor(t, b).RegisterJob(context.Background(), cronJob("report")), &apiErr)
	assert.Equal(t, api.CodeNotLeader, apiErr.Code)

	require.NoError(t, a.Stop())
	assert.False(t, a.Leading())
	require.Eventually(t, b.Leading, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, clientFor(t, b).RegisterJob(context.Background(), cronJob("report")))
}

func TestHAStopLeavesRunningForNextLeader(t *testing.T) {
	root := registry.NewMemoryCenter()
	t.Cleanup(func() { _ = root.Close() })
	runningTasks := running.NewService(root, nil)

	cfg := testConfig()
	cfg.HA = true
	cfg.LocalAgent = false

	cfg.ID = "coordinator-a"
	a, err := New(cfg, Deps{Center: root.NewSession()})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, a.Leading, 2*time.Second, 10*time.Millisecond)

	task := types.NewTaskContext("sync", 0, types.ExecutionReady)
	require.NoError(t, runningTasks.Add(task))
	require.NoError(t, a.Stop())

	isRunning, err := runningTasks.IsTaskRunning(task)
	require.NoError(t, err)
	assert.True(t, isRunning, "a resigning leader leaves running state alone")

	cfg.ID = "coordinator-b"
	b := startController(t, cfg, Deps{Center: root.NewSession()})
	require.Eventually(t, b.Leading, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		isRunning, err := runningTasks.IsTaskRunning(task)
		return err == nil && !isRunning
	}, 2*time.Second, 10*time.Millisecond, "the new leader clears stale running state")
}
