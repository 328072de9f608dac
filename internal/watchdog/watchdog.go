// Package watchdog periodically scans every live agent for liveness and
// staleness, escalating from a log line through a tmux nudge and AI triage
// to termination.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/overstory/overstory/internal/agent"
	"github.com/overstory/overstory/internal/llm"
	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/store"
	"github.com/overstory/overstory/internal/tmux"
)

// Condition classifies one agent's health.
type Condition string

const (
	ConditionOK     Condition = "ok"
	ConditionStale  Condition = "stale"
	ConditionZombie Condition = "zombie"
)

// Config holds the watchdog's thresholds. ZombieThreshold must exceed
// StaleThreshold.
type Config struct {
	Interval        time.Duration
	StaleThreshold  time.Duration
	ZombieThreshold time.Duration
	CaptureLines    int
	// LogDir receives compressed session-tail captures taken during triage.
	LogDir string
}

// Validate enforces the threshold ordering.
func (c Config) Validate() error {
	if c.ZombieThreshold <= c.StaleThreshold {
		return fmt.Errorf("zombie threshold %s must exceed stale threshold %s", c.ZombieThreshold, c.StaleThreshold)
	}
	return nil
}

// Lifecycle is the slice of the agent manager the watchdog acts through.
type Lifecycle interface {
	List(ctx context.Context) ([]*models.Agent, error)
	Teardown(ctx context.Context, name string) *agent.TeardownResult
}

// Health is one agent's verdict from a scan.
type Health struct {
	Name         string
	Condition    Condition
	Level        int
	Action       string
	LastActivity time.Time
}

// agentState tracks how long a condition has persisted across scans.
type agentState struct {
	consecutive int
}

// Watchdog scans agents on an interval and escalates persistent problems.
type Watchdog struct {
	store    store.Store
	sessions tmux.Manager
	agents   Lifecycle
	triager  llm.Triager
	cfg      Config
	log      *slog.Logger

	// now is replaceable for tests.
	now func() time.Time

	mu    sync.Mutex
	state map[string]*agentState
}

// New wires a watchdog. triager may be nil; level 2 then degrades to a log
// line.
func New(s store.Store, sessions tmux.Manager, agents Lifecycle, triager llm.Triager, cfg Config, log *slog.Logger) *Watchdog {
	if cfg.CaptureLines == 0 {
		cfg.CaptureLines = 200
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watchdog{
		store:    s,
		sessions: sessions,
		agents:   agents,
		triager:  triager,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		state:    map[string]*agentState{},
	}
}

// Run scans on the configured interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	if err := w.cfg.Validate(); err != nil {
		return err
	}
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan checks every live agent concurrently. A panic in one agent's check
// never takes down the loop.
func (w *Watchdog) Scan(ctx context.Context) []Health {
	agents, err := w.agents.List(ctx)
	if err != nil {
		w.log.Error("watchdog list agents", "component", "watchdog", "error", err)
		return nil
	}

	var mu sync.Mutex
	var results []Health

	var wg conc.WaitGroup
	for _, a := range agents {
		wg.Go(func() {
			h := w.checkAgent(ctx, a)
			mu.Lock()
			results = append(results, h)
			mu.Unlock()
		})
	}
	// WaitAndRecover so one panicking check doesn't kill the scan.
	if r := wg.WaitAndRecover(); r != nil {
		w.log.Error("watchdog scan panic", "component", "watchdog", "panic", r.Value)
	}
	return results
}

func (w *Watchdog) checkAgent(ctx context.Context, a *models.Agent) Health {
	log := w.log.With("component", "watchdog", "agent", a.Name)

	condition, lastActivity := w.classify(ctx, a)

	if condition == ConditionOK {
		w.mu.Lock()
		delete(w.state, a.Name)
		w.mu.Unlock()
		return Health{Name: a.Name, Condition: condition, Level: -1, LastActivity: lastActivity}
	}

	w.mu.Lock()
	st, ok := w.state[a.Name]
	if !ok {
		st = &agentState{}
		w.state[a.Name] = st
	}
	st.consecutive++
	level := (st.consecutive - 1) / 2
	if level > 3 {
		level = 3
	}
	w.mu.Unlock()

	action := w.escalate(ctx, a, condition, level, log)
	return Health{Name: a.Name, Condition: condition, Level: level, Action: action, LastActivity: lastActivity}
}

// classify determines the agent's condition from session liveness and the
// age of its last mail activity.
func (w *Watchdog) classify(ctx context.Context, a *models.Agent) (Condition, time.Time) {
	lastActivity, err := w.store.LastMessageTime(ctx, a.Name)
	if err != nil || lastActivity.IsZero() {
		lastActivity = a.SpawnedAt
	}

	alive, err := w.sessions.IsSessionAlive(ctx, a.SessionName)
	if err == nil && !alive {
		// A dead session is a zombie unless the agent already said it was
		// done and is just waiting for teardown.
		if !w.reportedDone(ctx, a.Name) {
			return ConditionZombie, lastActivity
		}
		return ConditionOK, lastActivity
	}

	age := w.now().Sub(lastActivity)
	switch {
	case age > w.cfg.ZombieThreshold:
		return ConditionZombie, lastActivity
	case age > w.cfg.StaleThreshold:
		return ConditionStale, lastActivity
	}
	return ConditionOK, lastActivity
}

// reportedDone checks whether the agent has sent a worker_done message.
func (w *Watchdog) reportedDone(ctx context.Context, name string) bool {
	msgs, err := w.store.ListMessages(ctx, store.MessageFilter{From: name})
	if err != nil {
		return false
	}
	for _, m := range msgs {
		if m.Type == models.TypeWorkerDone {
			return true
		}
	}
	return false
}

// escalate runs the ladder action for the level and returns its name.
func (w *Watchdog) escalate(ctx context.Context, a *models.Agent, condition Condition, level int, log *slog.Logger) string {
	switch level {
	case 0:
		log.Warn("agent unhealthy", "condition", condition, "level", level)
		return "log"

	case 1:
		text := fmt.Sprintf("overstory watchdog: you look %s. Check your mail and report status: overstory mail check --inject --agent %s", condition, a.Name)
		if err := w.sessions.SendKeys(ctx, a.SessionName, text); err != nil {
			log.Error("nudge failed", "level", level, "error", err)
		}
		return "nudge"

	case 2:
		w.triage(ctx, a, log)
		return "triage"

	default:
		log.Warn("terminating agent", "condition", condition, "level", level)
		if res := w.agents.Teardown(ctx, a.Name); res.Err() != nil {
			log.Error("teardown incomplete", "error", res.Err())
		}
		w.mu.Lock()
		delete(w.state, a.Name)
		w.mu.Unlock()
		return "teardown"
	}
}

// triage captures the session tail and asks the model what to do.
func (w *Watchdog) triage(ctx context.Context, a *models.Agent, log *slog.Logger) {
	tail, err := w.captureTail(ctx, a)
	if err != nil {
		log.Error("triage capture failed", "level", 2, "error", err)
		return
	}

	if w.triager == nil {
		log.Warn("triage skipped, no triager configured", "level", 2)
		return
	}

	decision, err := w.triager.Triage(ctx, a.Name, tail)
	if err != nil {
		log.Error("triage failed", "level", 2, "error", err)
		return
	}
	log.Info("triage decision", "level", 2, "action", decision.Action, "reason", decision.Reason)

	switch decision.Action {
	case llm.TriageTerminate:
		if res := w.agents.Teardown(ctx, a.Name); res.Err() != nil {
			log.Error("teardown incomplete", "error", res.Err())
		}
		w.mu.Lock()
		delete(w.state, a.Name)
		w.mu.Unlock()

	case llm.TriageRetry:
		_ = w.sessions.SendKeys(ctx, a.SessionName, "overstory watchdog: please continue or report why you are blocked")

	case llm.TriageExtend:
		// The agent earned more time; restart its ladder.
		w.mu.Lock()
		delete(w.state, a.Name)
		w.mu.Unlock()
	}
}
