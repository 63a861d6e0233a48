// ============================================================================
// Beaver-Cloud Task Source
// ============================================================================
//
// Package: internal/worker
// 文件: source.go
// 功能: 遠端 agent 取得分片與回報狀態的抽象
//
// RemoteAgent 只依賴 TaskSource，不關心協調器在哪裡：
//   - GrpcTaskSource：透過 gRPC 連到協調器的 AgentService
//   - 測試中以記憶體實作替代
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/beaver-cloud/internal/launcher"
)

// TaskSource 分片來源
type TaskSource interface {
	// Register 向協調器註冊，回傳租約長度（毫秒）
	Register(ctx context.Context, cfg AgentConfig) (int64, error)

	// Poll 回報空閒資源並取得新分派的分片；reRegister 表示協調器不認得此 agent
	Poll(ctx context.Context, agentID string, freeCPUs, freeMemoryMB float64, max int) (tasks []launcher.LaunchTask, reRegister bool, err error)

	// Report 回報分片狀態
	Report(ctx context.Context, status launcher.TaskStatus) error

	// Heartbeat 延長租約；reRegister 表示需要重新註冊
	Heartbeat(ctx context.Context, agentID string, running int) (reRegister bool, err error)
}
