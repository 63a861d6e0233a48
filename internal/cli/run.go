package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-cloud/internal/controller"
)

// shutdownTimeout HTTP 伺服器等待進行中請求的上限
const shutdownTimeout = 10 * time.Second

func buildRunCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a coordinator",
		Long: `Start a coordinator: open the registry, take part in leader election when
HA is enabled, serve the HTTP API and the gRPC agent service, and run
sharding items on the built-in local agent unless --local-agent=false.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCoordinator(ctx, a.cfg, a.logger)
		},
	}

	cmd.Flags().String("api-addr", "", "HTTP API listen address")
	cmd.Flags().String("grpc-addr", "", "gRPC agent service listen address (empty string disables remote agents)")
	cmd.Flags().String("registry", "", "registry type: local or zookeeper")
	cmd.Flags().String("data-dir", "", "local registry directory (journal and snapshot)")
	cmd.Flags().StringSlice("zk-servers", nil, "ZooKeeper servers")
	cmd.Flags().Bool("ha", false, "take part in leader election (requires zookeeper)")
	cmd.Flags().String("id", "", "coordinator id")
	cmd.Flags().Bool("local-agent", true, "run sharding items inside the coordinator")
	cmd.Flags().Int("workers", 0, "local agent worker count")
	return cmd
}

// runCoordinator 啟動協調器與對外服務，直到 ctx 結束
func runCoordinator(ctx context.Context, cfg *Config, logger *zap.Logger) error {
	ctrl, err := controller.New(cfg.ControllerConfig(), controller.Deps{Logger: logger})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return multierr.Append(fmt.Errorf("start coordinator: %w", err), ctrl.Stop())
	}
	logger.Info("coordinator running",
		zap.String("id", ctrl.ID()),
		zap.String("registry", cfg.Registry.Type),
		zap.Bool("ha", cfg.HA.Enabled))

	err = serve(ctx, cfg, ctrl, logger)
	return multierr.Append(err, ctrl.Stop())
}

// serve HTTP API 與 gRPC 服務，任一個失敗時兩者一起關閉
func serve(ctx context.Context, cfg *Config, ctrl *controller.Controller, logger *zap.Logger) error {
	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           ctrl.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpLis, err := net.Listen("tcp", cfg.API.Addr)
	if err != nil {
		return fmt.Errorf("listen api %s: %w", cfg.API.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http api listening", zap.String("addr", httpLis.Addr().String()))
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})

	if cfg.GRPC.Addr != "" {
		grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			_ = httpServer.Close()
			return fmt.Errorf("listen grpc %s: %w", cfg.GRPC.Addr, err)
		}
		grpcServer := ctrl.AgentService().NewGRPCServer()
		g.Go(func() error {
			logger.Info("agent service listening", zap.String("addr", grpcLis.Addr().String()))
			if err := grpcServer.Serve(grpcLis); err != nil {
				return fmt.Errorf("agent service: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down servers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
