package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE:  configRun,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func configRun(cmd *cobra.Command, args []string) error {
	effective := map[string]any{
		"repo_root": cfg.RepoRoot,
		"state_dir": cfg.StateDir,
		"vcs": map[string]any{
			"tool":             cfg.VCSTool,
			"canonical_branch": cfg.CanonicalBranch,
		},
		"session": map[string]any{
			"terminal": cfg.Terminal,
		},
		"agent": map[string]any{
			"max_depth":        cfg.MaxDepth,
			"stagger_delay_ms": cfg.StaggerDelay.Milliseconds(),
			"assistant_cmd":    cfg.AssistantCmd,
		},
		"merge": map[string]any{
			"ai_resolve_enabled": cfg.AIResolveEnabled,
			"reimagine_enabled":  cfg.ReimagineEnabled,
		},
		"watchdog": map[string]any{
			"interval_ms":         cfg.WatchInterval.Milliseconds(),
			"stale_threshold_ms":  cfg.StaleThreshold.Milliseconds(),
			"zombie_threshold_ms": cfg.ZombieThreshold.Milliseconds(),
			"capture_lines":       cfg.CaptureLines,
		},
		"anthropic": map[string]any{
			"model": cfg.AnthropicModel,
		},
	}

	data, err := yaml.Marshal(effective)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}
