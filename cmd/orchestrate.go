package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory/overstory/internal/llm"
	"github.com/overstory/overstory/internal/orchestrator"
	"github.com/overstory/overstory/internal/watchdog"
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Run the orchestrator event loop",
	Long: `orchestrate runs the supervisor: worker_done mail becomes merge queue
entries, the queue drains against the canonical branch, merge verdicts flow
back to parents as mail, and merged workers are torn down. The watchdog runs
inside the same process unless --no-watchdog is given.

On shutdown (SIGINT/SIGTERM) any in-flight merge finishes its current entry
and workers are left running; a later start reattaches to them.`,
	RunE: orchestrateRun,
}

func init() {
	orchestrateCmd.Flags().Bool("no-watchdog", false, "Do not run the watchdog in-process")
	orchestrateCmd.Flags().Duration("poll", 5*time.Second, "Event loop poll interval")
	rootCmd.AddCommand(orchestrateCmd)
}

func orchestrateRun(cmd *cobra.Command, args []string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	mc, err := getMailClient()
	if err != nil {
		return err
	}
	q, err := newMergeQueue()
	if err != nil {
		return err
	}
	mgr, err := newAgentManager()
	if err != nil {
		return err
	}

	var wd *watchdog.Watchdog
	if noWatch, _ := cmd.Flags().GetBool("no-watchdog"); !noWatch {
		var triager llm.Triager
		if cfg.AnthropicAPIKey != "" || cfg.AnthropicModel != "" {
			triager = llm.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		}
		wd = watchdog.New(s, newSessionManager(), mgr, triager, watchdog.Config{
			Interval:        cfg.WatchInterval,
			StaleThreshold:  cfg.StaleThreshold,
			ZombieThreshold: cfg.ZombieThreshold,
			CaptureLines:    cfg.CaptureLines,
			LogDir:          cfg.LogDir,
		}, slog.Default())
	}

	o := orchestrator.New(s, mc, q, mgr, wd, slog.Default())
	if poll, _ := cmd.Flags().GetDuration("poll"); poll > 0 {
		o.PollInterval = poll
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ui.Info("orchestrator running (poll %s); workers survive shutdown", o.PollInterval)
	err = o.Run(ctx)
	if ctx.Err() != nil {
		ui.Info("orchestrator stopped; workers left running")
		return nil
	}
	return err
}
