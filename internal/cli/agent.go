package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/beaver-cloud/internal/listener"
	"github.com/ChuLiYu/beaver-cloud/internal/worker"
)

func buildAgentCommand(a *app) *cobra.Command {
	var master string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start a remote agent",
		Long: `Start a remote agent that registers with the coordinator's gRPC agent
service, pulls sharding items that fit its free resources, runs their
bootstrap scripts and reports every state change back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if master == "" {
				master = a.cfg.GRPC.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, master, a.cfg, a.logger)
		},
	}

	cmd.Flags().StringVar(&master, "master", "", "coordinator gRPC address (default grpc.addr)")
	cmd.Flags().String("agent-id", "", "agent id (default generated)")
	cmd.Flags().Int("workers", 0, "concurrent sharding items")
	cmd.Flags().Float64("cpus", 0, "cpus offered to the coordinator")
	cmd.Flags().Float64("memory-mb", 0, "memory offered to the coordinator (MB)")
	cmd.Flags().Duration("task-timeout", 0, "per sharding item timeout, 0 disables")
	cmd.Flags().Duration("poll-interval", 0, "interval between task polls")
	return cmd
}

// runAgent 連線到協調器並執行分片，直到 ctx 結束
func runAgent(ctx context.Context, master string, cfg *Config, logger *zap.Logger) error {
	conn, err := grpc.NewClient(master, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect coordinator %s: %w", master, err)
	}
	defer conn.Close()

	agentCfg := cfg.AgentConfig()
	if agentCfg.Hostname == "" {
		agentCfg.Hostname, _ = os.Hostname()
	}

	dispatcher := listener.NewDispatcher(nil, logger, listener.Logging(logger))
	pool := worker.NewPool(agentCfg.Workers*2, nil,
		worker.WithListeners(dispatcher), worker.WithPoolLogger(logger))
	agent := worker.NewRemoteAgent(agentCfg, worker.NewGrpcTaskSource(conn), pool, cfg.Agent.PollInterval, logger)

	logger.Info("starting remote agent", zap.String("agent", agent.ID()), zap.String("master", master))
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
