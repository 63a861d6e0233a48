package worker

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/beaver-cloud/internal/launcher"
	"github.com/ChuLiYu/beaver-cloud/internal/server"
)

// GrpcTaskSource 透過 gRPC 連到協調器的 TaskSource
type GrpcTaskSource struct {
	client *server.AgentClient
}

var _ TaskSource = (*GrpcTaskSource)(nil)

// NewGrpcTaskSource conn 為已建立的連線
func NewGrpcTaskSource(conn grpc.ClientConnInterface) *GrpcTaskSource {
	return &GrpcTaskSource{client: server.NewAgentClient(conn)}
}

func (s *GrpcTaskSource) Register(ctx context.Context, cfg AgentConfig) (int64, error) {
	resp, err := s.client.RegisterAgent(ctx, server.RegisterRequest{
		AgentID:  cfg.ID,
		Hostname: cfg.Hostname,
		CPUs:     cfg.CPUs,
		MemoryMB: cfg.MemoryMB,
		Slots:    cfg.Workers,
	})
	if err != nil {
		return 0, fmt.Errorf("rpc register failed: %w", err)
	}
	return resp.LeaseMs, nil
}

func (s *GrpcTaskSource) Poll(ctx context.Context, agentID string, freeCPUs, freeMemoryMB float64, max int) ([]launcher.LaunchTask, bool, error) {
	resp, err := s.client.PollTasks(ctx, server.PollRequest{
		AgentID:      agentID,
		FreeCPUs:     freeCPUs,
		FreeMemoryMB: freeMemoryMB,
		MaxTasks:     max,
	})
	if err != nil {
		return nil, false, fmt.Errorf("rpc poll failed: %w", err)
	}
	return resp.Tasks, resp.ReRegister, nil
}

func (s *GrpcTaskSource) Report(ctx context.Context, status launcher.TaskStatus) error {
	ack, err := s.client.ReportStatus(ctx, server.ReportRequest{Status: status})
	if err != nil {
		return fmt.Errorf("rpc report failed: %w", err)
	}
	if !ack.Accepted {
		return fmt.Errorf("coordinator rejected status of %s: %s", status.TaskID, ack.Message)
	}
	return nil
}

func (s *GrpcTaskSource) Heartbeat(ctx context.Context, agentID string, running int) (bool, error) {
	ack, err := s.client.Heartbeat(ctx, server.HeartbeatRequest{AgentID: agentID, Running: running})
	if err != nil {
		return false, fmt.Errorf("rpc heartbeat failed: %w", err)
	}
	return ack.ReRegister, nil
}
