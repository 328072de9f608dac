package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/overstory/overstory/internal/agent"
	"github.com/overstory/overstory/internal/config"
	"github.com/overstory/overstory/internal/errs"
	"github.com/overstory/overstory/internal/guard"
	"github.com/overstory/overstory/internal/llm"
	"github.com/overstory/overstory/internal/mail"
	"github.com/overstory/overstory/internal/merge"
	"github.com/overstory/overstory/internal/output"
	"github.com/overstory/overstory/internal/overlay"
	"github.com/overstory/overstory/internal/runner"
	"github.com/overstory/overstory/internal/store"
	"github.com/overstory/overstory/internal/tmux"
	"github.com/overstory/overstory/internal/worktree"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui  *output.UI
	cfg *config.Config

	dataStore  store.Store
	mailClient *mail.Client

	verbose bool
	dryRun  bool

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "overstory",
	Short: "Orchestrate a swarm of AI coding agents against one repository",
	Long: `overstory spawns specialist AI coding agents (leads, builders, scouts,
reviewers, mergers), each in its own git worktree and tmux session. Agents
coordinate through a persistent mailbox, finished branches flow back to the
canonical branch through a tiered merge resolver, and a watchdog keeps the
swarm healthy.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		if kind := errs.Kind(err); kind != "" {
			fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", kind, err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default <repo>/.overstory/config.yaml)")
	rootCmd.PersistentFlags().String("repo", "", "Repository root (default current directory)")
}

func initConfig() {
	v := viper.GetViper()

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}
	repoRoot, _ := rootCmd.PersistentFlags().GetString("repo")

	loaded, err := config.Load(v, repoRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", errs.Kind(err), err)
		os.Exit(1)
	}
	cfg = loaded
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// The store and mail client are initialized lazily so config/version
	// commands run without touching the database.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, err
	}

	dataStore = s
	return dataStore, nil
}

// getMailClient returns the shared mail client, initializing it on first call.
func getMailClient() (*mail.Client, error) {
	if mailClient != nil {
		return mailClient, nil
	}
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	mailClient = mail.NewClient(s, mail.NewNudgeRegistry(cfg.NudgeDir))
	return mailClient, nil
}

// newSessionManager builds the tmux manager from config.
func newSessionManager() tmux.Manager {
	return tmux.New(runner.New(), cfg.Terminal)
}

// newAgentManager builds the lifecycle manager from config.
func newAgentManager() (*agent.Manager, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	return agent.NewManager(
		agent.Config{
			RepoRoot:        cfg.RepoRoot,
			BaseDir:         cfg.WorktreesDir,
			CanonicalBranch: cfg.CanonicalBranch,
			MaxDepth:        cfg.MaxDepth,
			StaggerDelay:    cfg.StaggerDelay,
			AssistantCmd:    cfg.AssistantCmd,
		},
		worktree.NewManager(runner.New(), cfg.VCSTool),
		newSessionManager(),
		guard.NewDeployer(cfg.HooksDir),
		overlay.NewBuilder(),
		s,
	), nil
}

// newMergeQueue builds the merge queue from config.
func newMergeQueue() (*merge.Queue, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	mc, err := getMailClient()
	if err != nil {
		return nil, err
	}

	var assistant llm.Assistant
	if cfg.AIResolveEnabled || cfg.ReimagineEnabled {
		assistant = llm.NewCLIAssistant(runner.New(), cfg.AssistantBin)
	}

	resolver := merge.NewResolver(runner.New(), assistant, merge.Config{
		VCS:              cfg.VCSTool,
		AIResolveEnabled: cfg.AIResolveEnabled,
		ReimagineEnabled: cfg.ReimagineEnabled,
		ResolvePrompt:    cfg.ResolvePrompt,
		ReimaginePrompt:  cfg.ReimaginePrompt,
	}, slog.Default())

	return merge.NewQueue(s, resolver, mc, cfg.CanonicalBranch, cfg.RepoRoot, slog.Default()), nil
}

// liveAgentNames returns the names of all live agents, for name resolution.
func liveAgentNames(cmd *cobra.Command) ([]string, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	agents, err := s.ListAgents(cmd.Context())
	if err != nil {
		return nil, err
	}
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}
	return names, nil
}

// closeStore is deferred by each command that opens the store. It closes the
// handle and drops the shared store and mail client.
func closeStore() {
	if dataStore != nil {
		_ = dataStore.Close()
		dataStore = nil
		mailClient = nil
	}
}
