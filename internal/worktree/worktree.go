// Package worktree manages isolated repository checkouts on agent branches.
package worktree

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/overstory/overstory/internal/errs"
	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/runner"
)

// Worktree holds parsed checkout metadata from `git worktree list --porcelain`.
type Worktree struct {
	Path   string
	Head   string
	Branch string
}

// CreateRequest names everything needed to allocate a checkout for an agent.
type CreateRequest struct {
	RepoRoot   string
	BaseDir    string
	AgentName  string
	BaseBranch string
	TaskID     string
}

// Manager creates, lists, and removes worktrees by shelling out to the
// version-control tool.
type Manager struct {
	runner runner.Runner
	vcs    string
}

// NewManager returns a Manager driving the given vcs binary (normally "git").
func NewManager(r runner.Runner, vcs string) *Manager {
	if vcs == "" {
		vcs = "git"
	}
	return &Manager{runner: r, vcs: vcs}
}

// Create adds a checkout at baseDir/agentName on a new branch
// overstory/{agentName}/{taskId} starting from baseBranch. Fails if the
// branch already exists or the path is occupied.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Worktree, error) {
	branch := models.BranchName(req.AgentName, req.TaskID)
	path := filepath.Join(req.BaseDir, req.AgentName)

	res, err := m.runner.Run(ctx, req.RepoRoot, m.vcs,
		"worktree", "add", "-b", branch, path, req.BaseBranch)
	if err != nil {
		return nil, fmt.Errorf("%w: worktree add: %v", errs.ErrWorktree, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: worktree add %s: %s", errs.ErrWorktree, branch, errs.Trim(res.Stderr))
	}

	return &Worktree{Path: path, Branch: branch}, nil
}

// List enumerates the repository's checkouts, branch names stripped of the
// refs/heads/ prefix.
func (m *Manager) List(ctx context.Context, repoRoot string) ([]Worktree, error) {
	res, err := m.runner.Run(ctx, repoRoot, m.vcs, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("%w: worktree list: %v", errs.ErrWorktree, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: worktree list: %s", errs.ErrWorktree, errs.Trim(res.Stderr))
	}
	return ParsePorcelain(res.Stdout), nil
}

// Remove deletes the checkout at path, then attempts to delete its branch.
// The branch delete is best-effort: a branch that did not merge legitimately
// refuses deletion, and that must never block cleanup of the checkout. If the
// checkout is not in the listing the branch-delete step is skipped.
func (m *Manager) Remove(ctx context.Context, repoRoot, path string) error {
	branch := ""
	if wts, err := m.List(ctx, repoRoot); err == nil {
		for _, wt := range wts {
			if wt.Path == path {
				branch = wt.Branch
				break
			}
		}
	}

	res, err := m.runner.Run(ctx, repoRoot, m.vcs, "worktree", "remove", path)
	if err != nil {
		return fmt.Errorf("%w: worktree remove: %v", errs.ErrWorktree, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: worktree remove %s: %s", errs.ErrWorktree, path, errs.Trim(res.Stderr))
	}

	if branch != "" {
		// Ignore failure ("not fully merged" is expected for unmerged work).
		_, _ = m.runner.Run(ctx, repoRoot, m.vcs, "branch", "-d", branch)
	}
	return nil
}

// ParsePorcelain parses the output of `git worktree list --porcelain`.
func ParsePorcelain(output string) []Worktree {
	var worktrees []Worktree
	var current Worktree

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = Worktree{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
