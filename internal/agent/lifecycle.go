// Package agent composes worktrees, overlays, guards, and sessions into the
// spawn/teardown lifecycle, and enforces the spawn hierarchy.
package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/overstory/overstory/internal/errs"
	"github.com/overstory/overstory/internal/guard"
	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/overlay"
	"github.com/overstory/overstory/internal/store"
	"github.com/overstory/overstory/internal/tmux"
	"github.com/overstory/overstory/internal/worktree"
)

// WorktreeManager is the subset of worktree operations the lifecycle needs.
type WorktreeManager interface {
	Create(ctx context.Context, req worktree.CreateRequest) (*worktree.Worktree, error)
	Remove(ctx context.Context, repoRoot, path string) error
}

// Config holds the lifecycle manager's tunables.
type Config struct {
	RepoRoot        string
	BaseDir         string // .overstory/worktrees
	CanonicalBranch string
	MaxDepth        int
	StaggerDelay    time.Duration
	// AssistantCmd is the command each session runs (normally "claude").
	AssistantCmd string
}

// SpawnRequest names everything needed to bring up one agent.
type SpawnRequest struct {
	Name       string
	Capability models.Capability
	TaskID     string
	ParentName string
	Depth      int
	SpecPath   string
	FileScope  []string
	// BaseBranch overrides the canonical branch as the checkout's start point.
	BaseBranch string
}

// TeardownResult collects everything that went wrong during a teardown.
// Teardown is best-effort: it always makes progress and never propagates.
type TeardownResult struct {
	Name   string
	Errors []error
}

// Err joins the collected errors, or nil if teardown was clean.
func (r *TeardownResult) Err() error {
	return errors.Join(r.Errors...)
}

// Manager owns live agent records and their lifecycle.
type Manager struct {
	cfg       Config
	worktrees WorktreeManager
	sessions  tmux.Manager
	guards    *guard.Deployer
	overlays  *overlay.Builder
	store     store.Store

	// locks serializes spawn/teardown per agent name.
	locks sync.Map // string -> *sync.Mutex
}

// NewManager wires the lifecycle manager.
func NewManager(cfg Config, wt WorktreeManager, sessions tmux.Manager, guards *guard.Deployer, overlays *overlay.Builder, s store.Store) *Manager {
	return &Manager{
		cfg:       cfg,
		worktrees: wt,
		sessions:  sessions,
		guards:    guards,
		overlays:  overlays,
		store:     s,
	}
}

func (m *Manager) nameLock(name string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Spawn validates the request, allocates the checkout, materializes overlay
// and guards, starts the session, and sends the task beacon after the
// stagger delay. Any failure tears down everything already done.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*models.Agent, error) {
	mu := m.nameLock(req.Name)
	mu.Lock()
	defer mu.Unlock()

	if err := m.validate(ctx, req); err != nil {
		return nil, err
	}

	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = m.cfg.CanonicalBranch
	}

	wt, err := m.worktrees.Create(ctx, worktree.CreateRequest{
		RepoRoot:   m.cfg.RepoRoot,
		BaseDir:    m.cfg.BaseDir,
		AgentName:  req.Name,
		BaseBranch: baseBranch,
		TaskID:     req.TaskID,
	})
	if err != nil {
		return nil, err
	}

	agent := &models.Agent{
		Name:          req.Name,
		Capability:    req.Capability,
		TaskID:        req.TaskID,
		ParentName:    req.ParentName,
		Depth:         req.Depth,
		Branch:        wt.Branch,
		WorktreePath:  wt.Path,
		SessionName:   models.SessionName(req.Name),
		SessionHandle: uuid.NewString(),
		SpawnedAt:     time.Now().UTC(),
	}

	if err := m.overlays.Build(agent, req.SpecPath, req.FileScope); err != nil {
		m.compensate(ctx, agent, false)
		return nil, err
	}

	if err := m.guards.Deploy(agent, m.cfg.CanonicalBranch); err != nil {
		m.compensate(ctx, agent, false)
		return nil, err
	}

	pid, err := m.sessions.CreateSession(ctx, agent.SessionName, agent.WorktreePath, m.cfg.AssistantCmd)
	if err != nil {
		m.compensate(ctx, agent, false)
		return nil, err
	}
	agent.PID = pid

	if err := m.store.UpsertAgent(ctx, agent); err != nil {
		m.compensate(ctx, agent, true)
		return nil, err
	}

	// The beacon races the assistant's startup if sent immediately; the
	// stagger delay lets the session reach its prompt first.
	select {
	case <-time.After(m.cfg.StaggerDelay):
	case <-ctx.Done():
		m.compensate(ctx, agent, true)
		return nil, fmt.Errorf("%w: spawn %s: %v", errs.ErrAgent, req.Name, ctx.Err())
	}

	if err := m.sessions.SendKeys(ctx, agent.SessionName, beacon(agent)); err != nil {
		m.compensate(ctx, agent, true)
		return nil, err
	}

	return agent, nil
}

// validate enforces the hierarchy policy.
func (m *Manager) validate(ctx context.Context, req SpawnRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: agent name is required", errs.ErrValidation)
	}
	if strings.ContainsAny(req.Name, "/\\ ") {
		return fmt.Errorf("%w: invalid agent name %q", errs.ErrValidation, req.Name)
	}
	if !req.Capability.Valid() {
		return fmt.Errorf("%w: unknown capability %q", errs.ErrValidation, req.Capability)
	}
	if req.TaskID == "" {
		return fmt.Errorf("%w: task id is required", errs.ErrValidation)
	}
	if req.Depth < 0 {
		return fmt.Errorf("%w: negative depth", errs.ErrValidation)
	}
	// Depth maxDepth-1 is the last level that may exist below a spawner;
	// anything at or past maxDepth is rejected.
	if req.Depth >= m.cfg.MaxDepth {
		return fmt.Errorf("%w: depth %d exceeds max depth %d", errs.ErrValidation, req.Depth, m.cfg.MaxDepth)
	}
	if req.Capability.RequiresParent() && req.ParentName == "" {
		return fmt.Errorf("%w: capability %s requires a parent", errs.ErrValidation, req.Capability)
	}
	if req.ParentName != "" {
		if parent, err := m.store.GetAgent(ctx, req.ParentName); err == nil {
			if !parent.CanSpawn() {
				return fmt.Errorf("%w: parent %s (%s) cannot spawn", errs.ErrValidation, parent.Name, parent.Capability)
			}
			if parent.Depth >= m.cfg.MaxDepth-1 {
				return fmt.Errorf("%w: parent %s at depth %d cannot spawn", errs.ErrValidation, parent.Name, parent.Depth)
			}
		}
	}

	alive, err := m.sessions.IsSessionAlive(ctx, models.SessionName(req.Name))
	if err != nil {
		return err
	}
	if alive {
		return fmt.Errorf("%w: agent name %s collides with a live session", errs.ErrValidation, req.Name)
	}
	return nil
}

// compensate undoes a partial spawn.
func (m *Manager) compensate(ctx context.Context, agent *models.Agent, killSession bool) {
	if killSession {
		_ = m.sessions.KillSession(ctx, agent.SessionName)
	}
	_ = m.worktrees.Remove(ctx, m.cfg.RepoRoot, agent.WorktreePath)
	_ = m.store.DeleteAgent(ctx, agent.Name)
}

// beacon is the initial prompt that causes the assistant to start work.
func beacon(a *models.Agent) string {
	return fmt.Sprintf("You are agent %s. Read %s in this directory and begin task %s. Check your mail with: overstory mail check --inject --agent %s",
		a.Name, overlay.FileName, a.TaskID, a.Name)
}

// Teardown is best-effort and idempotent: kill the session if alive, remove
// the checkout, drop the record. Failures are collected, never propagated.
func (m *Manager) Teardown(ctx context.Context, name string) *TeardownResult {
	mu := m.nameLock(name)
	mu.Lock()
	defer mu.Unlock()

	result := &TeardownResult{Name: name}
	sessionName := models.SessionName(name)

	alive, err := m.sessions.IsSessionAlive(ctx, sessionName)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else if alive {
		if err := m.sessions.KillSession(ctx, sessionName); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}

	path := filepath.Join(m.cfg.BaseDir, name)
	if a, err := m.store.GetAgent(ctx, name); err == nil && a.WorktreePath != "" {
		path = a.WorktreePath
	}
	if err := m.worktrees.Remove(ctx, m.cfg.RepoRoot, path); err != nil {
		result.Errors = append(result.Errors, err)
	}

	if err := m.store.DeleteAgent(ctx, name); err != nil {
		result.Errors = append(result.Errors, err)
	}

	return result
}

// List returns the live agent records.
func (m *Manager) List(ctx context.Context) ([]*models.Agent, error) {
	return m.store.ListAgents(ctx)
}

// Get returns one live agent record.
func (m *Manager) Get(ctx context.Context, name string) (*models.Agent, error) {
	return m.store.GetAgent(ctx, name)
}

// SpawnAll spawns independent workers concurrently. Each failure is reported
// in its slot; successful spawns are unaffected by failed siblings.
func (m *Manager) SpawnAll(ctx context.Context, reqs []SpawnRequest) ([]*models.Agent, []error) {
	agents := make([]*models.Agent, len(reqs))
	spawnErrs := make([]error, len(reqs))

	p := pool.New().WithContext(ctx)
	for i, req := range reqs {
		p.Go(func(ctx context.Context) error {
			a, err := m.Spawn(ctx, req)
			agents[i] = a
			spawnErrs[i] = err
			return nil
		})
	}
	_ = p.Wait()
	return agents, spawnErrs
}
