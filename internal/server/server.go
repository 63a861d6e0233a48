// Package server 遠端 agent 的 gRPC 服務：agent 註冊表、任務分派與狀態回報
package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-cloud/internal/launcher"
	"github.com/ChuLiYu/beaver-cloud/internal/logging"
	"github.com/ChuLiYu/beaver-cloud/internal/metrics"
)

// DefaultLease agent 租約
const DefaultLease = 10 * time.Second

// AgentInfo 已註冊 agent 的狀態
type AgentInfo struct {
	ID         string    `json:"id"`
	Hostname   string    `json:"hostname"`
	CPUs       float64   `json:"cpus"`
	MemoryMB   float64   `json:"memory_mb"`
	Slots      int       `json:"slots"`
	LastSeen   time.Time `json:"last_seen"`
	ExpiryTime time.Time `json:"expiry_time"`
	Running    int       `json:"running"`

	polled    bool
	freeCPUs  float64
	freeMem   float64
	pending   []launcher.LaunchTask          // 已分派、尚未被拉取
	delivered []launcher.LaunchTask          // 最近一次拉取帶走、尚未反映在回報資源中
	tasks     map[string]launcher.LaunchTask // task id → 尚未結束的任務
}

// Server AgentService 實作，同時是排程迴圈的 launcher.Agent
type Server struct {
	mu      sync.Mutex
	agents  map[string]*AgentInfo
	lease   time.Duration
	handler launcher.StatusHandler
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

var (
	_ AgentServiceServer = (*Server)(nil)
	_ launcher.Agent     = (*Server)(nil)
)

// New 建立服務；lease 為 0 時使用 DefaultLease
func New(lease time.Duration, collector *metrics.Collector, logger *zap.Logger) *Server {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Server{
		agents:  make(map[string]*AgentInfo),
		lease:   lease,
		metrics: collector,
		logger:  logging.OrNop(logger).Named("agent-service"),
		now:     time.Now,
	}
}

// SetStatusHandler 設定任務狀態的接收者（排程迴圈）
func (s *Server) SetStatusHandler(handler launcher.StatusHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// NewGRPCServer 建立已註冊 AgentService 的 gRPC server
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logUnary))
	gs := grpc.NewServer(opts...)
	RegisterAgentServiceServer(gs, s)
	return gs
}

func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("rpc failed", zap.String("method", info.FullMethod), zap.Duration("took", time.Since(start)), zap.Error(err))
	}
	return resp, err
}

// ============================================================================
// gRPC 方法
// ============================================================================

// RegisterAgent 註冊或重新註冊 agent；重新註冊時保留尚未結束的任務
func (s *Server) RegisterAgent(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RegisterRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode register request: %v", err)
	}
	if req.AgentID == "" {
		return nil, status.Error(codes.InvalidArgument, "agent id is required")
	}

	s.mu.Lock()
	now := s.now()
	info, exists := s.agents[req.AgentID]
	if !exists {
		info = &AgentInfo{ID: req.AgentID, tasks: make(map[string]launcher.LaunchTask)}
		s.agents[req.AgentID] = info
	}
	info.Hostname = req.Hostname
	info.CPUs = req.CPUs
	info.MemoryMB = req.MemoryMB
	info.Slots = req.Slots
	info.LastSeen = now
	info.ExpiryTime = now.Add(s.lease)
	count := len(s.agents)
	s.mu.Unlock()

	s.metrics.SetAgents(count)
	s.logger.Info("agent registered", zap.String("agent", req.AgentID), zap.String("hostname", req.Hostname),
		zap.Float64("cpus", req.CPUs), zap.Float64("memory_mb", req.MemoryMB), zap.Bool("re_register", exists))
	return encode(RegisterResponse{LeaseMs: s.lease.Milliseconds()})
}

// PollTasks 更新 agent 的空閒資源並帶走已分派的任務
func (s *Server) PollTasks(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PollRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode poll request: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.agents[req.AgentID]
	if !ok {
		return encode(PollResponse{ReRegister: true})
	}
	now := s.now()
	info.LastSeen = now
	info.ExpiryTime = now.Add(s.lease)
	info.polled = true
	info.freeCPUs = req.FreeCPUs
	info.freeMem = req.FreeMemoryMB

	n := len(info.pending)
	if n > req.MaxTasks {
		n = max(req.MaxTasks, 0)
	}
	tasks := append([]launcher.LaunchTask{}, info.pending[:n]...)
	info.pending = append([]launcher.LaunchTask(nil), info.pending[n:]...)
	info.delivered = tasks
	return encode(PollResponse{Tasks: tasks})
}

// ReportStatus 轉交任務狀態給排程迴圈
func (s *Server) ReportStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ReportRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode report request: %v", err)
	}
	st := req.Status

	s.mu.Lock()
	handler := s.handler
	if info, ok := s.agents[st.AgentID]; ok && st.State.Terminal() {
		delete(info.tasks, st.TaskID)
	}
	s.mu.Unlock()

	if handler == nil {
		return encode(Ack{Accepted: false, Message: "coordinator is not active"})
	}
	if err := handler.StatusUpdate(ctx, st); err != nil {
		return encode(Ack{Accepted: false, Message: err.Error()})
	}
	return encode(Ack{Accepted: true})
}

// Heartbeat 延長租約；未知的 agent 需要重新註冊
func (s *Server) Heartbeat(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req HeartbeatRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode heartbeat: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.agents[req.AgentID]
	if !ok {
		return encode(Ack{Accepted: false, ReRegister: true})
	}
	now := s.now()
	info.LastSeen = now
	info.ExpiryTime = now.Add(s.lease)
	info.Running = req.Running
	return encode(Ack{Accepted: true})
}

// ============================================================================
// launcher.Agent
// ============================================================================

// Offers 每個存活且已回報資源的 agent 一份 offer
func (s *Server) Offers(context.Context) ([]launcher.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var offers []launcher.Offer
	for _, id := range ids {
		info := s.agents[id]
		if !info.polled || now.After(info.ExpiryTime) {
			continue
		}
		cpus, mem := info.freeCPUs, info.freeMem
		for _, t := range info.pending {
			cpus -= t.CPUs
			mem -= t.MemoryMB
		}
		for _, t := range info.delivered {
			cpus -= t.CPUs
			mem -= t.MemoryMB
		}
		if cpus < 0 || mem < 0 {
			continue
		}
		offers = append(offers, launcher.Offer{
			ID:       uuid.NewString(),
			AgentID:  id,
			Hostname: info.Hostname,
			CPUs:     cpus,
			MemoryMB: mem,
		})
	}
	return offers, nil
}

// Launch 把任務排入 agent 的待拉取佇列
func (s *Server) Launch(_ context.Context, task launcher.LaunchTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.agents[task.AgentID]
	if !ok || s.now().After(info.ExpiryTime) {
		return fmt.Errorf("%w: %s", launcher.ErrUnknownAgent, task.AgentID)
	}
	info.pending = append(info.pending, task)
	info.tasks[task.Task.ID()] = task
	return nil
}

// ============================================================================
// 租約檢查
// ============================================================================

// ExpireAgents 移除租約到期的 agent，並把其上未結束的任務回報為 LOST
func (s *Server) ExpireAgents(ctx context.Context) int {
	s.mu.Lock()
	now := s.now()
	var lost []launcher.TaskStatus
	expired := 0
	for id, info := range s.agents {
		if !now.After(info.ExpiryTime) {
			continue
		}
		expired++
		for taskID := range info.tasks {
			lost = append(lost, launcher.TaskStatus{
				TaskID: taskID, AgentID: id, State: launcher.TaskLost,
				Message: "agent lease expired", Timestamp: now,
			})
		}
		delete(s.agents, id)
		s.logger.Warn("agent expired", zap.String("agent", id), zap.Int("tasks", len(info.tasks)))
	}
	handler := s.handler
	count := len(s.agents)
	s.mu.Unlock()

	s.metrics.SetAgents(count)
	if handler == nil {
		return expired
	}
	for _, st := range lost {
		if err := handler.StatusUpdate(ctx, st); err != nil {
			s.logger.Error("report lost task failed", zap.String("task", st.TaskID), zap.Error(err))
		}
	}
	return expired
}

// Run 定期檢查租約，直到 ctx 結束
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ExpireAgents(ctx)
		}
	}
}

// Agents 目前註冊的 agent（依 id 排序）
func (s *Server) Agents() []AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentInfo, 0, len(s.agents))
	for _, info := range s.agents {
		snapshot := *info
		snapshot.Running = len(info.tasks)
		snapshot.pending, snapshot.delivered, snapshot.tasks = nil, nil, nil
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
