package main

// ============================================================================
// 職責說明：
// 1. beaver-cloud 執行檔入口
// 2. 建立 CLI 命令樹並執行
// 3. 錯誤訊息寫到 stderr，以非零狀態結束
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/beaver-cloud/internal/cli"
)

func main() {
	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}
