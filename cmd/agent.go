package cmd

import (
	"github.com/spf13/cobra"

	"github.com/overstory/overstory/internal/names"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Operate directly on agents",
}

var agentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live agents (alias of status)",
	RunE:  statusRun,
}

var agentTeardownCmd = &cobra.Command{
	Use:   "teardown <name>",
	Short: "Kill an agent's session and remove its worktree",
	Args:  cobra.ExactArgs(1),
	RunE:  agentTeardownRun,
}

func init() {
	agentCmd.AddCommand(agentListCmd, agentTeardownCmd)
	rootCmd.AddCommand(agentCmd)
}

func agentTeardownRun(cmd *cobra.Command, args []string) error {
	mgr, err := newAgentManager()
	if err != nil {
		return err
	}
	defer closeStore()

	name := args[0]
	if candidates, err := liveAgentNames(cmd); err == nil && len(candidates) > 0 {
		if resolved, err := names.Resolve(name, candidates); err == nil {
			name = resolved
		}
	}

	if dryRun {
		ui.DryRunMsg("would tear down %s", name)
		return nil
	}

	result := mgr.Teardown(cmd.Context(), name)
	if err := result.Err(); err != nil {
		// Teardown always makes progress; report what failed without
		// pretending nothing happened.
		ui.Warning("teardown of %s finished with errors: %v", name, err)
		return nil
	}
	ui.Success("tore down %s", name)
	return nil
}
