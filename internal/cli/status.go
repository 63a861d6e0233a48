package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-cloud/internal/api"
	"github.com/ChuLiYu/beaver-cloud/internal/server"
)

func buildStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show coordinator status",
		Long:  "Display leadership, queue sizes, running sharding items and connected agents.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := a.client()
			health, err := client.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("coordinator unreachable: %w", err)
			}
			state, err := client.State(cmd.Context())
			if err != nil {
				return fmt.Errorf("load state: %w", err)
			}
			agents, err := client.Agents(cmd.Context())
			if err != nil {
				return fmt.Errorf("load agents: %w", err)
			}
			printStatus(cmd.OutOrStdout(), health, state, agents)
			return nil
		},
	}
}

func printStatus(out io.Writer, health api.Health, state api.State, agents []server.AgentInfo) {
	role := "standby"
	if health.Leader {
		role = "leader"
	}
	fmt.Fprintf(out, "Coordinator:  %s (%s, up %s)\n", health.Status, role, health.Uptime)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Queues:")
	fmt.Fprintf(out, "  Jobs:      %d\n", state.Counts.Jobs)
	fmt.Fprintf(out, "  Ready:     %d\n", state.Counts.Ready)
	fmt.Fprintf(out, "  Misfired:  %d\n", state.Counts.Misfired)
	fmt.Fprintf(out, "  Running:   %d\n", state.Counts.Running)
	fmt.Fprintf(out, "  Failover:  %d\n", state.Counts.Failover)

	if len(state.Running) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Running:")
		for _, job := range sortedKeys(state.Running) {
			fmt.Fprintf(out, "  %-30s  %v\n", job, state.Running[job])
		}
	}
	if len(state.Failover) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Failover:")
		for _, job := range sortedKeys(state.Failover) {
			fmt.Fprintf(out, "  %-30s  %v\n", job, state.Failover[job])
		}
	}

	fmt.Fprintln(out)
	if len(agents) == 0 {
		fmt.Fprintln(out, "Remote agents: none")
		return
	}
	fmt.Fprintln(out, "Remote agents:")
	for _, ag := range agents {
		fmt.Fprintf(out, "  %-24s  %-20s  running %d\n", ag.ID, ag.Hostname, ag.Running)
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
