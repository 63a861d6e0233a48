package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/beaver-cloud/internal/launcher"
	"github.com/ChuLiYu/beaver-cloud/internal/metrics"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

type recordingHandler struct {
	mu       sync.Mutex
	statuses []launcher.TaskStatus
}

func (h *recordingHandler) StatusUpdate(_ context.Context, st launcher.TaskStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, st)
	return nil
}

func (h *recordingHandler) all() []launcher.TaskStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]launcher.TaskStatus(nil), h.statuses...)
}

// fakeClock 可手動推進的時鐘
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func startServer(t *testing.T) (*Server, *AgentClient, *recordingHandler, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Now()}
	handler := &recordingHandler{}

	srv := New(time.Second, metrics.NewCollector(prometheus.NewRegistry()), nil)
	srv.now = clock.Now
	srv.SetStatusHandler(handler)

	lis := bufconn.Listen(1 << 20)
	gs := srv.NewGRPCServer()
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return srv, NewAgentClient(conn), handler, clock
}

func launchTask(agentID, job string, item int, cpus float64) launcher.LaunchTask {
	return launcher.LaunchTask{
		Task:               types.NewTaskContext(job, item, types.ExecutionReady),
		AgentID:            agentID,
		CPUs:               cpus,
		MemoryMB:           64,
		BootstrapScript:    "echo hi",
		ShardingTotalCount: item + 1,
	}
}

func TestRegisterPollAndLaunch(t *testing.T) {
	ctx := context.Background()
	srv, client, _, _ := startServer(t)

	resp, err := client.RegisterAgent(ctx, RegisterRequest{AgentID: "agent-1", Hostname: "host-1", CPUs: 4, MemoryMB: 1024, Slots: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), resp.LeaseMs)

	offers, err := srv.Offers(ctx)
	require.NoError(t, err)
	assert.Empty(t, offers, "no offer before the first poll reports free resources")

	_, err = client.PollTasks(ctx, PollRequest{AgentID: "agent-1", FreeCPUs: 4, FreeMemoryMB: 1024, MaxTasks: 4})
	require.NoError(t, err)

	offers, err = srv.Offers(ctx)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, "host-1", offers[0].Hostname)
	assert.Equal(t, 4.0, offers[0].CPUs)

	task := launchTask("agent-1", "test_job", 0, 1.5)
	require.NoError(t, srv.Launch(ctx, task))

	offers, err = srv.Offers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.5, offers[0].CPUs, "pending tasks reserve resources")

	polled, err := client.PollTasks(ctx, PollRequest{AgentID: "agent-1", FreeCPUs: 4, FreeMemoryMB: 1024, MaxTasks: 4})
	require.NoError(t, err)
	require.Len(t, polled.Tasks, 1)
	assert.Equal(t, task.Task.ID(), polled.Tasks[0].Task.ID())
	assert.Equal(t, "echo hi", polled.Tasks[0].BootstrapScript)

	polled, err = client.PollTasks(ctx, PollRequest{AgentID: "agent-1", FreeCPUs: 2.5, FreeMemoryMB: 960, MaxTasks: 4})
	require.NoError(t, err)
	assert.Empty(t, polled.Tasks)

	agents := srv.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, 1, agents[0].Running)
}

func TestLaunchToUnknownAgent(t *testing.T) {
	srv, _, _, _ := startServer(t)
	err := srv.Launch(context.Background(), launchTask("ghost", "test_job", 0, 1))
	assert.ErrorIs(t, err, launcher.ErrUnknownAgent)
}

func TestReportStatusForwarded(t *testing.T) {
	ctx := context.Background()
	srv, client, handler, _ := startServer(t)
	_, err := client.RegisterAgent(ctx, RegisterRequest{AgentID: "agent-1", CPUs: 1, MemoryMB: 128})
	require.NoError(t, err)
	task := launchTask("agent-1", "test_job", 0, 0.5)
	require.NoError(t, srv.Launch(ctx, task))

	ack, err := client.ReportStatus(ctx, ReportRequest{Status: launcher.TaskStatus{
		TaskID: task.Task.ID(), AgentID: "agent-1", State: launcher.TaskFinished, Timestamp: time.Now(),
	}})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	statuses := handler.all()
	require.Len(t, statuses, 1)
	assert.Equal(t, launcher.TaskFinished, statuses[0].State)
	assert.Equal(t, 0, srv.Agents()[0].Running)
}

func TestHeartbeatUnknownAgentReRegisters(t *testing.T) {
	_, client, _, _ := startServer(t)
	ack, err := client.Heartbeat(context.Background(), HeartbeatRequest{AgentID: "ghost"})
	require.NoError(t, err)
	assert.True(t, ack.ReRegister)
	assert.False(t, ack.Accepted)

	polled, err := client.PollTasks(context.Background(), PollRequest{AgentID: "ghost"})
	require.NoError(t, err)
	assert.True(t, polled.ReRegister)
}

func TestExpiredAgentTasksReportedLost(t *testing.T) {
	ctx := context.Background()
	srv, client, handler, clock := startServer(t)
	_, err := client.RegisterAgent(ctx, RegisterRequest{AgentID: "agent-1", CPUs: 2, MemoryMB: 512})
	require.NoError(t, err)
	_, err = client.RegisterAgent(ctx, RegisterRequest{AgentID: "agent-2", CPUs: 2, MemoryMB: 512})
	require.NoError(t, err)
	task := launchTask("agent-1", "test_job", 0, 1)
	require.NoError(t, srv.Launch(ctx, task))

	clock.Advance(600 * time.Millisecond)
	_, err = client.Heartbeat(ctx, HeartbeatRequest{AgentID: "agent-2"})
	require.NoError(t, err)
	clock.Advance(600 * time.Millisecond)

	assert.Equal(t, 1, srv.ExpireAgents(ctx))

	statuses := handler.all()
	require.Len(t, statuses, 1)
	assert.Equal(t, task.Task.ID(), statuses[0].TaskID)
	assert.Equal(t, launcher.TaskLost, statuses[0].State)

	agents := srv.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-2", agents[0].ID)
}

func TestEncodeDecodeLargeNumbers(t *testing.T) {
	in := RegisterResponse{LeaseMs: 36_000_000}
	s, err := encode(in)
	require.NoError(t, err)
	var out RegisterResponse
	require.NoError(t, decode(s, &out))
	assert.Equal(t, in, out)
}
