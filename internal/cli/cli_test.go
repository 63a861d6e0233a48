package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/controller"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

// startCoordinator 啟動不含本地 agent 的協調器，回傳 API 位址
func startCoordinator(t *testing.T) string {
	t.Helper()
	cfg := controller.DefaultConfig()
	cfg.LocalAgent = false
	cfg.TracingEnabled = false
	cfg.Scheduler.Interval = 50 * time.Millisecond

	ctrl, err := controller.New(cfg, controller.Deps{})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() { _ = ctrl.Stop() })

	srv := httptest.NewServer(ctrl.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// ============================================================================
// 命令結構
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()
	assert.Equal(t, "beaver-cloud", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"run", "agent", "job", "status"} {
		assert.True(t, names[name], "missing %s command", name)
	}

	job, _, err := cmd.Find([]string{"job", "register"})
	require.NoError(t, err)
	file := job.Flags().Lookup("file")
	require.NotNil(t, file)
	assert.Equal(t, "f", file.Shorthand)

	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("server"))
}

// ============================================================================
// 設定
// ============================================================================

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Registry.Type)
	assert.Equal(t, "data/registry", cfg.Registry.DataDir)
	assert.Equal(t, []string{"localhost:2181"}, cfg.Registry.Servers)
	assert.Equal(t, time.Minute, cfg.Registry.CompactInterval)
	assert.Equal(t, time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, uint32(5), cfg.Scheduler.BreakerFailures)
	assert.True(t, cfg.Agent.Local)
	assert.Equal(t, 4, cfg.Agent.Workers)
	assert.Equal(t, 10*time.Second, cfg.Agent.Lease)
	assert.Equal(t, "localhost:8080", cfg.API.Addr)
	assert.Equal(t, "localhost:50051", cfg.GRPC.Addr)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 500*time.Millisecond, cfg.HA.ElectionInterval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeFile(t, "beaver.yaml", `
registry:
  type: zookeeper
  servers: [zk-1:2181, zk-2:2181]
  session_timeout: 5s
scheduler:
  interval: 250ms
  max_launches_per_second: 20
agent:
  workers: 8
  memory_mb: 2048
ha:
  enabled: true
  id: coordinator-a
log:
  format: json
`)
	t.Setenv("BEAVER_API_ADDR", "0.0.0.0:9000")
	t.Setenv("BEAVER_AGENT_TASK_TIMEOUT", "30s")

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "zookeeper", cfg.Registry.Type)
	assert.Equal(t, []string{"zk-1:2181", "zk-2:2181"}, cfg.Registry.Servers)
	assert.Equal(t, 5*time.Second, cfg.Registry.SessionTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.Interval)
	assert.Equal(t, 20.0, cfg.Scheduler.MaxLaunchesPerSecond)
	assert.Equal(t, 8, cfg.Agent.Workers)
	assert.Equal(t, 2048.0, cfg.Agent.MemoryMB)
	assert.Equal(t, 30*time.Second, cfg.Agent.TaskTimeout)
	assert.Equal(t, "0.0.0.0:9000", cfg.API.Addr)
	assert.True(t, cfg.HA.Enabled)
	assert.Equal(t, "json", cfg.Log.Format)

	ctrlCfg := cfg.ControllerConfig()
	assert.Equal(t, "coordinator-a", ctrlCfg.ID)
	assert.True(t, ctrlCfg.HA)
	assert.Equal(t, "zookeeper", ctrlCfg.Registry.Type)
	assert.Equal(t, 250*time.Millisecond, ctrlCfg.Scheduler.Interval)
	assert.Equal(t, 8, ctrlCfg.Agent.Workers)
	assert.Equal(t, 30*time.Second, ctrlCfg.Agent.TaskTimeout)
}

func TestLoadConfigEnvSlice(t *testing.T) {
	t.Setenv("BEAVER_REGISTRY_TYPE", "zookeeper")
	t.Setenv("BEAVER_REGISTRY_SERVERS", "zk-a:2181,zk-b:2181")

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"zk-a:2181", "zk-b:2181"}, cfg.Registry.Servers)
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	t.Setenv("BEAVER_API_ADDR", "env:1")
	cmd := buildRunCommand(&app{})
	require.NoError(t, cmd.ParseFlags([]string{"--api-addr", "flag:2", "--workers", "6"}))

	cfg, err := LoadConfig("", flagBindings(cmd))
	require.NoError(t, err)
	assert.Equal(t, "flag:2", cfg.API.Addr)
	assert.Equal(t, 6, cfg.Agent.Workers)
	// 未設定的旗標不覆寫預設值
	assert.True(t, cfg.Agent.Local)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown registry", "registry:\n  type: etcd\n", "registry.type"},
		{"ha on local registry", "ha:\n  enabled: true\n", "ha.enabled"},
		{"zero workers", "agent:\n  workers: 0\n", "agent.workers"},
		{"bad duration", "scheduler:\n  interval: soon\n", "decode config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "beaver.yaml", tt.content), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

// ============================================================================
// 作業定義檔
// ============================================================================

func TestParseJobFile(t *testing.T) {
	wrapped := `
jobs:
  - job_name: nightly-report
    cron: "0 0 2 * * *"
    sharding_total_count: 3
    cpu_count: 0.5
    memory_mb: 128
    misfire: true
    bootstrap_script: ./report.sh
    params:
      region: eu
  - job_name: sync-users
    job_execution_type: DAEMON
    sharding_total_count: 2
    cpu_count: 1
    memory_mb: 256
    bootstrap_script: ./sync.sh
`
	jobs, err := ParseJobFile([]byte(wrapped))
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "nightly-report", jobs[0].JobName)
	assert.Equal(t, 3, jobs[0].ShardingTotalCount)
	assert.True(t, jobs[0].Misfire)
	assert.Equal(t, map[string]string{"region": "eu"}, jobs[0].Params)
	assert.Equal(t, types.JobDaemon, jobs[1].JobExecutionType)

	list := `
- job_name: a
  cron: "0 * * * * *"
  sharding_total_count: 1
`
	jobs, err = ParseJobFile([]byte(list))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].JobName)

	_, err = ParseJobFile([]byte("jobs: [unterminated"))
	assert.Error(t, err)
}

// ============================================================================
// 對執行中的協調器下命令
// ============================================================================

func TestJobCommandsAgainstCoordinator(t *testing.T) {
	addr := startCoordinator(t)
	jobs := writeFile(t, "jobs.yaml", `
jobs:
  - job_name: etl-orders
    cron: "0 0 2 * * *"
    sharding_total_count: 2
    cpu_count: 0.5
    memory_mb: 128
    bootstrap_script: "true"
  - job_name: etl-users
    cron: "0 0 3 * * *"
    sharding_total_count: 1
    cpu_count: 0.5
    memory_mb: 128
    bootstrap_script: "true"
  - job_name: report
    cron: "0 0 4 * * *"
    sharding_total_count: 1
    cpu_count: 0.5
    memory_mb: 128
    bootstrap_script: "true"
`)

	out, err := runCLI(t, "--server", addr, "job", "register", "-f", jobs)
	require.NoError(t, err, out)
	assert.Contains(t, out, "etl-orders")
	assert.Contains(t, out, "registered")

	// 重複註冊失敗，--update 改為更新
	out, err = runCLI(t, "--server", addr, "job", "register", "-f", jobs)
	assert.Error(t, err)
	assert.Contains(t, out, "FAILED")
	out, err = runCLI(t, "--server", addr, "job", "register", "-f", jobs, "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "updated")

	out, err = runCLI(t, "--server", addr, "job", "list", "--match", "etl-*")
	require.NoError(t, err, out)
	assert.Contains(t, out, "etl-orders")
	assert.Contains(t, out, "etl-users")
	assert.NotContains(t, out, "report")

	out, err = runCLI(t, "--server", addr, "job", "remove", "etl-users")
	require.NoError(t, err, out)
	assert.Contains(t, out, "etl-users removed")

	out, err = runCLI(t, "--server", addr, "job", "remove", "etl-users")
	assert.Error(t, err, out)

	out, err = runCLI(t, "--server", addr, "status")
	require.NoError(t, err, out)
	assert.Contains(t, out, "leader")
	assert.Contains(t, out, "Jobs:      2")
	assert.Contains(t, out, "Remote agents: none")
}

func TestJobListEmpty(t *testing.T) {
	addr := startCoordinator(t)
	out, err := runCLI(t, "--server", addr, "job", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found.")
}

func TestStatusUnreachable(t *testing.T) {
	_, err := runCLI(t, "--server", "127.0.0.1:1", "status")
	assert.ErrorContains(t, err, "coordinator unreachable")
}

// ============================================================================
// 長時間執行的命令
// ============================================================================

func TestRunCoordinatorStopsOnCancel(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Registry.DataDir = filepath.Join(dir, "registry")
	cfg.Tracing.Path = filepath.Join(dir, "trace.db")
	cfg.API.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runCoordinator(ctx, cfg, zap.NewNop()) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}
	assert.FileExists(t, filepath.Join(dir, "trace.db"))
}

func TestRunAgentStopsWhileRegistering(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	// 沒有協調器在聽，agent 持續重試註冊直到取消
	assert.NoError(t, runAgent(ctx, "127.0.0.1:1", cfg, zap.NewNop()))
}
