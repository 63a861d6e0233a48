// ============================================================================
// Beaver-Cloud CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 以 Cobra 建立命令樹，Viper 載入設定
//
// 命令結構:
//   beaver-cloud
//   ├── run                        # 啟動協調器（註冊中心、排程、HTTP API、gRPC）
//   ├── agent --master ADDR        # 啟動遠端 agent，向協調器拉取分片
//   ├── job
//   │   ├── register -f jobs.yaml  # 註冊作業（--update 覆寫已存在的作業）
//   │   ├── list [--match GLOB]    # 列出作業
//   │   └── remove NAME            # 移除作業
//   └── status                     # 協調器狀態與各佇列數量
//
// 設定來源（優先順序由高到低）:
//   1. 命令列旗標
//   2. BEAVER_* 環境變數（例：BEAVER_REGISTRY_TYPE、BEAVER_API_ADDR）
//   3. 設定檔（--config，或目前目錄 / /etc/beaver-cloud 下的 beaver-cloud.yaml）
//   4. 預設值
//
// 訊號處理:
//   run 與 agent 收到 SIGINT / SIGTERM 時優雅關閉：
//   停止排程與觸發、執行中的分片回報 KILLED、寫入最後一次快照。
//
// ============================================================================

package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-cloud/internal/api"
	"github.com/ChuLiYu/beaver-cloud/internal/logging"
)

// Version 由建置時的 -ldflags 覆寫
var Version = "0.1.0"

// app 命令之間共用的狀態
type app struct {
	configFile string
	server     string // job / status 命令連線的 API 位址
	logLevel   string

	cfg    *Config
	logger *zap.Logger
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "beaver-cloud",
		Short: "Beaver-Cloud: sharded job coordinator",
		Long: `Beaver-Cloud coordinates sharded jobs across a pool of agents:
- cron and daemon jobs split into sharding items
- failover of lost shards and misfire catch-up
- local or ZooKeeper registry with active/standby coordinators`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path (default ./beaver-cloud.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&a.server, "server", "", "coordinator API address for job/status commands (default api.addr)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		buildRunCommand(a),
		buildAgentCommand(a),
		buildJobCommand(a),
		buildStatusCommand(a),
	)
	return rootCmd
}

// load 載入設定並建立 logger；命令自己的旗標在此綁定到設定鍵
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := LoadConfig(a.configFile, flagBindings(cmd))
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	logger, err := logging.New(cfg.Log.Level, logging.Format(cfg.Log.Format))
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

// client 連到 --server，未指定時使用設定中的 API 位址
func (a *app) client() *api.Client {
	addr := a.server
	if addr == "" {
		addr = a.cfg.API.Addr
	}
	return api.NewClient(addr)
}
