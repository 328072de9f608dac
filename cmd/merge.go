package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/output"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Drain the merge queue sequentially",
	Long: `merge resolves every pending entry against the canonical branch, one at a
time in enqueue order, escalating through the tiers: clean merge, automatic
conflict-marker resolution, and (if enabled) AI resolution and reimagining.`,
	RunE: mergeRun,
}

func init() {
	mergeCmd.Flags().Bool("list", false, "List queue entries instead of draining")
	mergeCmd.Flags().Int("preview-lines", 12, "Lines of conflict preview per file")
	rootCmd.AddCommand(mergeCmd)
}

func mergeRun(cmd *cobra.Command, args []string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	if list, _ := cmd.Flags().GetBool("list"); list {
		entries, err := s.ListMergeEntries(cmd.Context(), "")
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			ui.Info("merge queue is empty")
			return nil
		}
		table := ui.Table([]string{"BRANCH", "AGENT", "TASK", "STATUS", "TIER", "ENQUEUED"})
		for _, e := range entries {
			table.Append([]string{
				e.BranchName, e.AgentName, e.TaskID,
				string(e.Status), output.TierColor(string(e.ResolvedTier)),
				e.EnqueuedAt.Format("15:04:05"),
			})
		}
		return table.Render()
	}

	q, err := newMergeQueue()
	if err != nil {
		return err
	}

	if dryRun {
		pending, err := s.ListMergeEntries(cmd.Context(), models.MergePending)
		if err != nil {
			return err
		}
		for _, e := range pending {
			ui.DryRunMsg("would merge %s into %s", e.BranchName, cfg.CanonicalBranch)
		}
		return nil
	}

	previewLines, _ := cmd.Flags().GetInt("preview-lines")

	results, err := q.Drain(cmd.Context())
	for _, r := range results {
		if r.Success {
			ui.Success("%s merged via %s", r.Entry.BranchName, output.TierColor(string(r.Tier)))
			continue
		}
		ui.Error("%s failed: %s", r.Entry.BranchName, r.ErrorMessage)
		for _, path := range r.ConflictFiles {
			content, readErr := os.ReadFile(filepath.Join(cfg.RepoRoot, path))
			if readErr != nil {
				continue
			}
			ui.Info("conflicted %s:", path)
			ui.Info("%s", output.Highlight(path, output.PreviewLines(string(content), previewLines)))
		}
	}
	if err != nil {
		return err
	}
	if len(results) == 0 {
		ui.Info("merge queue is empty")
	}
	return nil
}
