package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-cloud/internal/launcher"
)

// ErrEmptyScript 作業沒有啟動腳本
var ErrEmptyScript = errors.New("bootstrap script is empty")

// Runner 執行一個分片
type Runner interface {
	Run(ctx context.Context, task launcher.LaunchTask) error
}

// RunnerFunc 函式形式的 Runner
type RunnerFunc func(ctx context.Context, task launcher.LaunchTask) error

func (f RunnerFunc) Run(ctx context.Context, task launcher.LaunchTask) error {
	return f(ctx, task)
}

// ShellRunner 以 shell 執行作業的啟動腳本
//
// 分片資訊透過環境變數傳入：
//
//	BEAVER_JOB_NAME, BEAVER_SHARDING_ITEM, BEAVER_SHARDING_TOTAL_COUNT,
//	BEAVER_TASK_ID, BEAVER_EXECUTION_TYPE, BEAVER_PARAM_<KEY>
type ShellRunner struct {
	Shell string // 預設 /bin/sh
	Dir   string
}

// Run 執行腳本；非零結束碼回傳錯誤並附上輸出的最後一段
func (r ShellRunner) Run(ctx context.Context, task launcher.LaunchTask) error {
	script := strings.TrimSpace(task.BootstrapScript)
	if script == "" {
		return ErrEmptyScript
	}
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", script)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), Env(task)...)
	cmd.WaitDelay = time.Second // 子行程殘留時不無限等待輸出管線
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", err, tail(out, 512))
	}
	return nil
}

// Env 分片的環境變數
func Env(task launcher.LaunchTask) []string {
	env := []string{
		"BEAVER_JOB_NAME=" + task.Task.JobName,
		"BEAVER_SHARDING_ITEM=" + strconv.Itoa(task.Task.ShardingItem),
		"BEAVER_SHARDING_TOTAL_COUNT=" + strconv.Itoa(task.ShardingTotalCount),
		"BEAVER_TASK_ID=" + task.Task.ID(),
		"BEAVER_EXECUTION_TYPE=" + string(task.Task.Type),
	}
	for k, v := range task.Params {
		env = append(env, "BEAVER_PARAM_"+strings.ToUpper(k)+"="+v)
	}
	return env
}

func tail(out []byte, n int) string {
	s := strings.TrimSpace(string(out))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
