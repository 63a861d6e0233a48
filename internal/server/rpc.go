package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-cloud/internal/launcher"
)

// ============================================================================
// beaver.cloud.v1.AgentService
//
// 訊息一律是 google.protobuf.Struct，內容為下列 Go 結構的 JSON 形式
// ============================================================================

// ServiceName gRPC 服務全名
const ServiceName = "beaver.cloud.v1.AgentService"

// RegisterRequest agent 註冊
type RegisterRequest struct {
	AgentID  string  `json:"agent_id"`
	Hostname string  `json:"hostname"`
	CPUs     float64 `json:"cpus"`
	MemoryMB float64 `json:"memory_mb"`
	Slots    int     `json:"slots"`
}

// RegisterResponse 註冊結果
type RegisterResponse struct {
	LeaseMs int64 `json:"lease_ms"`
}

// PollRequest agent 拉取任務，附上目前的空閒資源；MaxTasks 為 0 時只回報資源
type PollRequest struct {
	AgentID      string  `json:"agent_id"`
	FreeCPUs     float64 `json:"free_cpus"`
	FreeMemoryMB float64 `json:"free_memory_mb"`
	MaxTasks     int     `json:"max_tasks"`
}

// PollResponse 分派給 agent 的任務
type PollResponse struct {
	Tasks      []launcher.LaunchTask `json:"tasks"`
	ReRegister bool                  `json:"re_register"`
}

// ReportRequest 任務狀態回報
type ReportRequest struct {
	Status launcher.TaskStatus `json:"status"`
}

// HeartbeatRequest agent 心跳
type HeartbeatRequest struct {
	AgentID string `json:"agent_id"`
	Running int    `json:"running"`
}

// Ack 通用回應
type Ack struct {
	Accepted   bool   `json:"accepted"`
	ReRegister bool   `json:"re_register"`
	Message    string `json:"message,omitempty"`
}

// AgentServiceServer 服務端介面
type AgentServiceServer interface {
	RegisterAgent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PollTasks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ReportStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv AgentServiceServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AgentServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(AgentServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// AgentServiceDesc 手寫的服務描述
var AgentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("RegisterAgent", AgentServiceServer.RegisterAgent),
		unary("PollTasks", AgentServiceServer.PollTasks),
		unary("ReportStatus", AgentServiceServer.ReportStatus),
		unary("Heartbeat", AgentServiceServer.Heartbeat),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaver/cloud/v1/agent.proto",
}

// RegisterAgentServiceServer 註冊服務
func RegisterAgentServiceServer(s grpc.ServiceRegistrar, srv AgentServiceServer) {
	s.RegisterService(&AgentServiceDesc, srv)
}

// ============================================================================
// 編碼
// ============================================================================

func encode(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func decode(s *structpb.Struct, v interface{}) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// ============================================================================
// 客戶端
// ============================================================================

// AgentClient AgentService 客戶端
type AgentClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentClient 以已建立的連線建立客戶端
func NewAgentClient(cc grpc.ClientConnInterface) *AgentClient {
	return &AgentClient{cc: cc}
}

func (c *AgentClient) call(ctx context.Context, method string, req, resp interface{}) error {
	in, err := encode(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return decode(out, resp)
}

func (c *AgentClient) RegisterAgent(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var resp RegisterResponse
	err := c.call(ctx, "RegisterAgent", req, &resp)
	return resp, err
}

func (c *AgentClient) PollTasks(ctx context.Context, req PollRequest) (PollResponse, error) {
	var resp PollResponse
	err := c.call(ctx, "PollTasks", req, &resp)
	return resp, err
}

func (c *AgentClient) ReportStatus(ctx context.Context, req ReportRequest) (Ack, error) {
	var resp Ack
	err := c.call(ctx, "ReportStatus", req, &resp)
	return resp, err
}

func (c *AgentClient) Heartbeat(ctx context.Context, req HeartbeatRequest) (Ack, error) {
	var resp Ack
	err := c.call(ctx, "Heartbeat", req, &resp)
	return resp, err
}
