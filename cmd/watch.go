package cmd

import (
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/overstory/overstory/internal/daemon"
	"github.com/overstory/overstory/internal/llm"
	"github.com/overstory/overstory/internal/watchdog"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the watchdog health scanner",
	Long: `watch scans every live agent on an interval, escalating persistent
problems: log, tmux nudge, AI triage, and finally teardown. Only one watcher
runs per repository; a PID file guards against double starts.`,
	RunE: watchRun,
}

func init() {
	watchCmd.Flags().Bool("once", false, "Run a single scan and exit")
	rootCmd.AddCommand(watchCmd)
}

func watchRun(cmd *cobra.Command, args []string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	mgr, err := newAgentManager()
	if err != nil {
		return err
	}

	var triager llm.Triager
	if cfg.AnthropicAPIKey != "" || cfg.AnthropicModel != "" {
		triager = llm.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	}

	wd := watchdog.New(s, newSessionManager(), mgr, triager, watchdog.Config{
		Interval:        cfg.WatchInterval,
		StaleThreshold:  cfg.StaleThreshold,
		ZombieThreshold: cfg.ZombieThreshold,
		CaptureLines:    cfg.CaptureLines,
		LogDir:          cfg.LogDir,
	}, slog.Default())

	if once, _ := cmd.Flags().GetBool("once"); once {
		for _, h := range wd.Scan(cmd.Context()) {
			ui.Info("%s: %s (level %d, %s)", h.Name, h.Condition, h.Level, h.Action)
		}
		return nil
	}

	pidFile := daemon.NewPIDFile(filepath.Join(cfg.StateDir, "watch.pid"))
	if err := pidFile.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pidFile.Remove() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ui.Info("watchdog running every %s (stale %s, zombie %s)", cfg.WatchInterval, cfg.StaleThreshold, cfg.ZombieThreshold)
	err = wd.Run(ctx)
	if ctx.Err() != nil {
		ui.Info("watchdog stopped")
		return nil
	}
	return err
}
