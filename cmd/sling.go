package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/overstory/overstory/internal/agent"
	"github.com/overstory/overstory/internal/errs"
	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/names"
)

var slingCmd = &cobra.Command{
	Use:   "sling",
	Short: "Spawn an agent onto a task",
	Long: `sling allocates a worktree on a fresh branch, writes the agent's overlay
and guard policy, starts a detached tmux session running the assistant, and
sends the task beacon after the stagger delay.`,
	RunE: slingRun,
}

func init() {
	slingCmd.Flags().String("task", "", "Task identifier (required)")
	slingCmd.Flags().String("capability", "builder", "Agent capability: coordinator, lead, supervisor, builder, scout, reviewer, merger")
	slingCmd.Flags().String("name", "", "Agent name (default {capability}-{task} for coordinator/lead/supervisor, {parent}-{capability}-{task} otherwise)")
	slingCmd.Flags().String("spec", "", "Path to the task spec markdown")
	slingCmd.Flags().String("files", "", "Comma-separated file scope")
	slingCmd.Flags().String("parent", "", "Parent agent name")
	slingCmd.Flags().Int("depth", 0, "Agent depth in the spawn tree")
	slingCmd.Flags().String("base-branch", "", "Base branch for the checkout (default canonical)")
	_ = slingCmd.MarkFlagRequired("task")

	rootCmd.AddCommand(slingCmd)
}

func slingRun(cmd *cobra.Command, args []string) error {
	taskID, _ := cmd.Flags().GetString("task")
	capability := models.Capability(mustGetString(cmd, "capability"))
	name, _ := cmd.Flags().GetString("name")
	specPath, _ := cmd.Flags().GetString("spec")
	filesCSV, _ := cmd.Flags().GetString("files")
	parent, _ := cmd.Flags().GetString("parent")
	depth, _ := cmd.Flags().GetInt("depth")
	baseBranch, _ := cmd.Flags().GetString("base-branch")

	if parent != "" {
		candidates, err := liveAgentNames(cmd)
		if err != nil {
			return err
		}
		if len(candidates) > 0 {
			resolved, err := names.Resolve(parent, candidates)
			if err != nil {
				return err
			}
			parent = resolved
		}
	}

	if name == "" {
		if !capability.Valid() {
			return fmt.Errorf("%w: unknown capability %q", errs.ErrValidation, capability)
		}
		if capability.CanSpawn() {
			name = fmt.Sprintf("%s-%s", capability, taskID)
		} else {
			name = names.WorkerName(parent, capability, taskID)
		}
	}

	if specPath == "" {
		// Leads write task specs at the conventional location.
		conventional := filepath.Join(cfg.SpecsDir, taskID+".md")
		if _, err := os.Stat(conventional); err == nil {
			specPath = conventional
		}
	}

	var fileScope []string
	for _, f := range strings.Split(filesCSV, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fileScope = append(fileScope, f)
		}
	}

	req := agent.SpawnRequest{
		Name:       name,
		Capability: capability,
		TaskID:     taskID,
		ParentName: parent,
		Depth:      depth,
		SpecPath:   specPath,
		FileScope:  fileScope,
		BaseBranch: baseBranch,
	}

	if dryRun {
		ui.DryRunMsg("would spawn %s (%s) on task %s, branch %s", name, capability, taskID, models.BranchName(name, taskID))
		return nil
	}

	mgr, err := newAgentManager()
	if err != nil {
		return err
	}
	defer closeStore()

	spawned, err := mgr.Spawn(cmd.Context(), req)
	if err != nil {
		return err
	}

	ui.Success("spawned %s (%s)", spawned.Name, spawned.Capability)
	ui.Info("branch   %s", spawned.Branch)
	ui.Info("worktree %s", spawned.WorktreePath)
	ui.Info("session  %s (pid %d)", spawned.SessionName, spawned.PID)
	return nil
}

func mustGetString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
