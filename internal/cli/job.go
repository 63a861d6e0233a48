package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-cloud/internal/api"
	"github.com/ChuLiYu/beaver-cloud/pkg/types"
)

func buildJobCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage job configurations",
	}
	cmd.AddCommand(
		buildJobRegisterCommand(a),
		buildJobListCommand(a),
		buildJobRemoveCommand(a),
	)
	return cmd
}

// jobFile 作業定義檔：頂層為清單，或 jobs: 下的清單
type jobFile struct {
	Jobs []types.JobConfig `yaml:"jobs"`
}

// ParseJobFile 解析 YAML 作業定義
func ParseJobFile(data []byte) ([]types.JobConfig, error) {
	var list []types.JobConfig
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var file jobFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse job file: %w", err)
	}
	return file.Jobs, nil
}

func buildJobRegisterCommand(a *app) *cobra.Command {
	var (
		path   string
		update bool
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register jobs from a YAML file",
		Long: `Register every job defined in a YAML file, for example:

  jobs:
    - job_name: nightly-report
      cron: "0 0 2 * * *"
      sharding_total_count: 3
      cpu_count: 0.5
      memory_mb: 128
      misfire: true
      failover: true
      bootstrap_script: ./report.sh
    - job_name: sync-users
      job_execution_type: DAEMON
      sharding_total_count: 2
      cpu_count: 1
      memory_mb: 256
      bootstrap_script: ./sync.sh`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read job file: %w", err)
			}
			jobs, err := ParseJobFile(data)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				return fmt.Errorf("no jobs in %s", path)
			}
			return registerJobs(cmd, a.client(), jobs, update)
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", "", "YAML file containing job definitions")
	cmd.Flags().BoolVar(&update, "update", false, "update jobs that are already registered")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// registerJobs 逐一註冊；單一作業失敗不影響其他作業，最後回報失敗數
func registerJobs(cmd *cobra.Command, client *api.Client, jobs []types.JobConfig, update bool) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, job := range jobs {
		err := client.RegisterJob(cmd.Context(), job)
		action := "registered"
		var apiErr *api.APIError
		if update && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			err = client.UpdateJob(cmd.Context(), job)
			action = "updated"
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "%-30s  FAILED  %v\n", job.JobName, err)
			continue
		}
		fmt.Fprintf(out, "%-30s  %s\n", job.JobName, action)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(jobs))
	}
	return nil
}

func buildJobListCommand(a *app) *cobra.Command {
	var match string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := a.client().ListJobs(cmd.Context(), match)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&match, "match", "", "glob on job names, e.g. 'etl-*'")
	return cmd
}

func printJobs(out io.Writer, jobs []types.JobConfig) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found.")
		return
	}
	fmt.Fprintf(out, "%-30s  %-10s  %-20s  %6s  %5s  %8s\n", "NAME", "TYPE", "CRON", "SHARDS", "CPUS", "MEM(MB)")
	for _, job := range jobs {
		cron := job.Cron
		if cron == "" {
			cron = "-"
		}
		fmt.Fprintf(out, "%-30s  %-10s  %-20s  %6d  %5.2f  %8.0f\n",
			job.JobName, job.JobExecutionType, cron, job.ShardingTotalCount, job.CPUCount, job.MemoryMB)
	}
}

func buildJobRemoveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME",
		Short: "Remove a job and its queued executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client().RemoveJob(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("remove job %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed\n", args[0])
			return nil
		},
	}
}
