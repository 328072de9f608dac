// Package config loads operator configuration from .overstory/config.yaml
// via viper, with OVERSTORY_-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/overstory/overstory/internal/errs"
)

// Config is the resolved operator configuration plus the derived state-dir
// layout under <repoRoot>/.overstory/.
type Config struct {
	RepoRoot string
	StateDir string

	DBPath       string
	NudgeDir     string
	SpecsDir     string
	WorktreesDir string
	HooksDir     string
	LogDir       string

	VCSTool         string
	CanonicalBranch string

	Terminal     string
	AssistantCmd string
	AssistantBin string

	MaxDepth     int
	StaggerDelay time.Duration

	AIResolveEnabled bool
	ReimagineEnabled bool
	ResolvePrompt    string
	ReimaginePrompt  string

	WatchInterval   time.Duration
	StaleThreshold  time.Duration
	ZombieThreshold time.Duration
	CaptureLines    int

	AnthropicAPIKey string
	AnthropicModel  string
}

// SetDefaults registers every tunable's default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("vcs.tool", "git")
	v.SetDefault("vcs.canonical_branch", "main")

	v.SetDefault("session.terminal", "tmux")

	v.SetDefault("agent.max_depth", 3)
	v.SetDefault("agent.stagger_delay_ms", 1500)
	v.SetDefault("agent.assistant_cmd", "claude")
	v.SetDefault("agent.assistant_bin", "claude")

	v.SetDefault("merge.ai_resolve_enabled", false)
	v.SetDefault("merge.reimagine_enabled", false)
	v.SetDefault("merge.resolve_prompt", "")
	v.SetDefault("merge.reimagine_prompt", "")

	v.SetDefault("watchdog.interval_ms", 30000)
	v.SetDefault("watchdog.stale_threshold_ms", 300000)
	v.SetDefault("watchdog.zombie_threshold_ms", 600000)
	v.SetDefault("watchdog.capture_lines", 200)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
}

// Load resolves the config for a repo root. The config file is optional;
// malformed content or broken invariants are fatal ConfigErrors.
func Load(v *viper.Viper, repoRoot string) (*Config, error) {
	if repoRoot == "" {
		var err error
		repoRoot, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("%w: resolve working directory: %v", errs.ErrConfig, err)
		}
	}
	repoRoot, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve repo root: %v", errs.ErrConfig, err)
	}

	stateDir := filepath.Join(repoRoot, ".overstory")

	SetDefaults(v)
	v.SetEnvPrefix("OVERSTORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() == "" {
		v.AddConfigPath(stateDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; anything else is a real config error.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: read config: %v", errs.ErrConfig, err)
		}
	}

	cfg := &Config{
		RepoRoot: repoRoot,
		StateDir: stateDir,

		DBPath:       filepath.Join(stateDir, "mail.db"),
		NudgeDir:     filepath.Join(stateDir, "pending-nudges"),
		SpecsDir:     filepath.Join(stateDir, "specs"),
		WorktreesDir: filepath.Join(stateDir, "worktrees"),
		HooksDir:     filepath.Join(stateDir, "hooks"),
		LogDir:       filepath.Join(stateDir, "logs"),

		VCSTool:         v.GetString("vcs.tool"),
		CanonicalBranch: v.GetString("vcs.canonical_branch"),

		Terminal:     v.GetString("session.terminal"),
		AssistantCmd: v.GetString("agent.assistant_cmd"),
		AssistantBin: v.GetString("agent.assistant_bin"),

		MaxDepth:     v.GetInt("agent.max_depth"),
		StaggerDelay: time.Duration(v.GetInt("agent.stagger_delay_ms")) * time.Millisecond,

		AIResolveEnabled: v.GetBool("merge.ai_resolve_enabled"),
		ReimagineEnabled: v.GetBool("merge.reimagine_enabled"),
		ResolvePrompt:    v.GetString("merge.resolve_prompt"),
		ReimaginePrompt:  v.GetString("merge.reimagine_prompt"),

		WatchInterval:   time.Duration(v.GetInt("watchdog.interval_ms")) * time.Millisecond,
		StaleThreshold:  time.Duration(v.GetInt("watchdog.stale_threshold_ms")) * time.Millisecond,
		ZombieThreshold: time.Duration(v.GetInt("watchdog.zombie_threshold_ms")) * time.Millisecond,
		CaptureLines:    v.GetInt("watchdog.capture_lines"),

		AnthropicAPIKey: v.GetString("anthropic.api_key"),
		AnthropicModel:  v.GetString("anthropic.model"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxDepth < 1 {
		return fmt.Errorf("%w: agent.max_depth must be at least 1", errs.ErrConfig)
	}
	if c.ZombieThreshold <= c.StaleThreshold {
		return fmt.Errorf("%w: watchdog.zombie_threshold_ms (%s) must exceed watchdog.stale_threshold_ms (%s)",
			errs.ErrConfig, c.ZombieThreshold, c.StaleThreshold)
	}
	if c.WatchInterval <= 0 {
		return fmt.Errorf("%w: watchdog.interval_ms must be positive", errs.ErrConfig)
	}
	return nil
}
