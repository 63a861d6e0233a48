// ============================================================================
// Beaver-Cloud 恢復測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端恢復功能測試
//
// 測試目標:
//   協調器、遠端 agent 與本地註冊中心一起運作：
//   1. 作業經 HTTP API 註冊後寫入本地註冊中心（WAL + 快照）
//   2. 遠端 agent 經 gRPC 拉取分片並回報狀態
//   3. 協調器重啟後從註冊中心恢復作業配置，清除殘留的執行登記
//   4. 遠端 agent 被要求重新註冊後繼續執行分片
//
// 測試配置:
//   - 本地 agent 關閉，所有分片都由遠端 agent 執行
//   - 排程間隔 20ms，agent 拉取間隔 10ms
//
// ============================================================================

package integration

import (
	"context"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/beaver-cloud/internal/api"
	"github.com/ChuLiYu/beaver-cloud/internal/controller"
	"github.com/ChuLiYu/beaver-cloud/internal/launcher"
	"github.com/ChuLiYu/beaver-cloud/internal/worker"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// coordinator 一個執行中的協調器與它的對外服務
type coordinator struct {
	ctrl   *controller.Controller
	client *api.Client
	stop   func()
}

// startCoordinator 在 grpcAddr 上提供 agent 服務；grpcAddr 為空時隨機挑選埠
func startCoordinator(t *testing.T, dataDir, grpcAddr string) (*coordinator, string) {
	t.Helper()
	cfg := controller.DefaultConfig()
	cfg.Registry = controller.RegistryConfig{Type: "local", DataDir: dataDir}
	cfg.LocalAgent = false
	cfg.Scheduler.Interval = 20 * time.Millisecond
	cfg.AgentLease = 2 * time.Second
	cfg.CompactInterval = 100 * time.Millisecond

	ctrl, err := controller.New(cfg, controller.Deps{})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))

	if grpcAddr == "" {
		grpcAddr = "127.0.0.1:0"
	}
	lis, err := net.Listen("tcp", grpcAddr)
	require.NoError(t, err)
	gs := ctrl.AgentService().NewGRPCServer()
	go func() { _ = gs.Serve(lis) }()
	httpSrv := httptest.NewServer(ctrl.Handler())

	c := &coordinator{ctrl: ctrl, client: api.NewClient(httpSrv.URL)}
	var once sync.Once
	c.stop = func() {
		once.Do(func() {
			httpSrv.Close()
			gs.Stop()
			require.NoError(t, ctrl.Stop())
		})
	}
	t.Cleanup(c.stop)
	return c, lis.Addr().String()
}

// executions 遠端 agent 執行過的分片
type executions struct {
	mu    sync.Mutex
	items map[string]int // job@-@item → 次數
}

func (e *executions) runner() worker.Runner {
	return worker.RunnerFunc(func(_ context.Context, task launcher.LaunchTask) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.items[task.Task.MetaInfo()]++
		return nil
	})
}

func (e *executions) count(meta string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.items[meta]
}

func startRemoteAgent(t *testing.T, addr string, runner worker.Runner) {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	cfg := worker.AgentConfig{ID: "agent-remote", Hostname: "node-1", CPUs: 4, MemoryMB: 2048, Workers: 4}
	agent := worker.NewRemoteAgent(cfg, worker.NewGrpcTaskSource(conn), worker.NewPool(8, runner), 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = agent.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = conn.Close()
	})
}

func daemonJob(name string, shards int) types.JobConfig {
	return types.JobConfig{
		JobName:            name,
		ShardingTotalCount: shards,
		CPUCount:           0.25,
		MemoryMB:           64,
		Failover:           true,
		JobExecutionType:   types.JobDaemon,
		BootstrapScript:    "true",
	}
}

func TestEndToEndRecovery(t *testing.T) {
	dataDir := t.TempDir()
	ctx := context.Background()
	runs := &executions{items: make(map[string]int)}

	// 第一階段：註冊作業，遠端 agent 執行
	first, grpcAddr := startCoordinator(t, dataDir, "")
	startRemoteAgent(t, grpcAddr, runs.runner())

	require.NoError(t, first.client.RegisterJob(ctx, daemonJob("sync", 3)))
	require.NoError(t, first.client.RegisterJob(ctx, types.JobConfig{
		JobName:            "nightly",
		Cron:               "0 0 2 * * *",
		ShardingTotalCount: 2,
		CPUCount:           0.5,
		MemoryMB:           128,
		Misfire:            true,
		BootstrapScript:    "true",
	}))

	for item := 0; item < 3; item++ {
		meta := types.NewTaskContext("sync", item, types.ExecutionReady).MetaInfo()
		require.Eventually(t, func() bool { return runs.count(meta) >= 2 },
			5*time.Second, 10*time.Millisecond, meta)
	}
	agents, err := first.client.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "node-1", agents[0].Hostname)

	// 第二階段：協調器重啟，沿用同一個註冊中心目錄與 gRPC 位址
	first.stop()
	before := runs.count(types.NewTaskContext("sync", 0, types.ExecutionReady).MetaInfo())

	start := time.Now()
	second, _ := startCoordinator(t, dataDir, grpcAddr)
	recovery := time.Since(start)
	t.Logf("coordinator recovered in %v", recovery)
	assert.Less(t, recovery, 3*time.Second)

	jobs, err := second.client.ListJobs(ctx, "")
	require.NoError(t, err)
	names := make([]string, 0, len(jobs))
	for _, job := range jobs {
		names = append(names, job.JobName)
	}
	assert.ElementsMatch(t, []string{"nightly", "sync"}, names)

	// 常駐作業在新協調器上繼續執行
	meta := types.NewTaskContext("sync", 0, types.ExecutionReady).MetaInfo()
	require.Eventually(t, func() bool { return runs.count(meta) > before+1 },
		10*time.Second, 20*time.Millisecond)

	state, err := second.client.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, state.Counts.Jobs)
	assert.Zero(t, state.Counts.Failover)
}

func TestRemovedJobDoesNotSurviveRestart(t *testing.T) {
	dataDir := t.TempDir()
	ctx := context.Background()

	first, _ := startCoordinator(t, dataDir, "")
	require.NoError(t, first.client.RegisterJob(ctx, daemonJob("keep", 1)))
	require.NoError(t, first.client.RegisterJob(ctx, daemonJob("drop", 1)))
	require.NoError(t, first.client.RemoveJob(ctx, "drop"))
	first.stop()

	second, _ := startCoordinator(t, dataDir, "")
	jobs, err := second.client.ListJobs(ctx, "")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "keep", jobs[0].JobName)

	state, err := second.client.State(ctx)
	require.NoError(t, err)
	// 沒有 agent，常駐作業留在 ready 等待資源
	assert.Equal(t, []string{"keep"}, state.Ready)
	assert.Zero(t, state.Counts.Running)
}
