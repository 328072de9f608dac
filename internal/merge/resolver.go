// Package merge turns diverging agent branches into canonical history
// through a four-tier escalation: clean merge, mechanical conflict-marker
// resolution, AI resolution, and AI reimplementation.
package merge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/overstory/overstory/internal/errs"
	"github.com/overstory/overstory/internal/llm"
	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/runner"
)

// Config gates the AI tiers and carries their prompt templates.
type Config struct {
	VCS              string
	AIResolveEnabled bool
	ReimagineEnabled bool
	// ResolvePrompt is a text/template over {Path, Canonical, Branch,
	// Content} producing the tier-3 prompt.
	ResolvePrompt string
	// ReimaginePrompt is a text/template over {Path, Canonical, Branch,
	// CanonicalContent, BranchContent} producing the tier-4 prompt.
	ReimaginePrompt string
}

// DefaultResolvePrompt is the stock tier-3 prompt template.
const DefaultResolvePrompt = `You are resolving a merge conflict in {{.Path}} while merging branch {{.Branch}} into {{.Canonical}}. The file content below may contain conflict markers or be otherwise inconsistent. Produce the correct merged content, preserving the intent of {{.Branch}} on top of {{.Canonical}}. Output ONLY the complete resolved file content, no explanation, no fencing.

{{.Content}}`

// DefaultReimaginePrompt is the stock tier-4 prompt template.
const DefaultReimaginePrompt = `Branch {{.Branch}} changed {{.Path}} but it can no longer be merged into {{.Canonical}} mechanically. Reimplement the branch's intended change on top of the canonical version. Output ONLY the complete new file content, no explanation, no fencing.

--- canonical ({{.Canonical}}) version ---
{{.CanonicalContent}}

--- branch ({{.Branch}}) version ---
{{.BranchContent}}`

// Result is the resolver's verdict for one entry.
type Result struct {
	Entry         *models.MergeEntry
	Success       bool
	Tier          models.Tier
	ConflictFiles []string
	ErrorMessage  string
}

// Resolver is the tiered conflict resolution state machine. Resolve runs one
// at a time against the canonical branch, guarded by the canonical-merge
// mutex; concurrent callers queue behind it.
type Resolver struct {
	runner runner.Runner
	ai     llm.Assistant
	cfg    Config
	log    *slog.Logger

	// canonicalMerge serializes every resolution against the canonical
	// branch; two agent branches are never merged concurrently.
	canonicalMerge sync.Mutex
}

// NewResolver wires a resolver. ai may be nil when both AI tiers are
// disabled.
func NewResolver(r runner.Runner, ai llm.Assistant, cfg Config, log *slog.Logger) *Resolver {
	if cfg.VCS == "" {
		cfg.VCS = "git"
	}
	if cfg.ResolvePrompt == "" {
		cfg.ResolvePrompt = DefaultResolvePrompt
	}
	if cfg.ReimaginePrompt == "" {
		cfg.ReimaginePrompt = DefaultReimaginePrompt
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{runner: r, ai: ai, cfg: cfg, log: log}
}

// vcs runs one version-control command in repoRoot.
func (r *Resolver) vcs(ctx context.Context, repoRoot string, args ...string) (*runner.Result, error) {
	return r.runner.Run(ctx, repoRoot, r.cfg.VCS, args...)
}

// Resolve escalates the entry's branch through the tiers. The entry is
// mutated to its terminal status. Whatever happens, the working copy is
// clean when Resolve returns: any in-progress merge is aborted.
func (r *Resolver) Resolve(ctx context.Context, entry *models.MergeEntry, canonical, repoRoot string) *Result {
	r.canonicalMerge.Lock()
	defer r.canonicalMerge.Unlock()

	log := r.log.With("component", "merge", "agent", entry.AgentName, "branch", entry.BranchName)

	result := r.resolve(ctx, log, entry, canonical, repoRoot)
	if result.Success {
		entry.Status = models.MergeMerged
		entry.ResolvedTier = result.Tier
	} else {
		entry.Status = models.MergeFailed
		entry.ResolvedTier = ""
		// Leave nothing half-merged behind, whatever tier gave up.
		_, _ = r.vcs(ctx, repoRoot, "merge", "--abort")
	}
	result.Entry = entry
	return result
}

func (r *Resolver) resolve(ctx context.Context, log *slog.Logger, entry *models.MergeEntry, canonical, repoRoot string) *Result {
	res, err := r.vcs(ctx, repoRoot, "checkout", canonical)
	if err != nil {
		return failed(err.Error())
	}
	if res.ExitCode != 0 {
		return failed(fmt.Sprintf("checkout %s: %s", canonical, errs.Trim(res.Stderr)))
	}

	// Tier 1: clean merge.
	res, err = r.vcs(ctx, repoRoot, "merge", "--no-edit", entry.BranchName)
	if err != nil {
		return failed(err.Error())
	}
	if res.ExitCode == 0 {
		log.Info("merged clean", "tier", models.TierCleanMerge)
		return &Result{Success: true, Tier: models.TierCleanMerge}
	}
	if !strings.Contains(res.Combined(), "CONFLICT") {
		return failed(fmt.Sprintf("merge %s: %s", entry.BranchName, errs.Trim(res.Combined())))
	}

	conflicted, err := r.conflictedPaths(ctx, repoRoot)
	if err != nil {
		return failed(err.Error())
	}
	log.Info("merge conflicts", "files", len(conflicted))

	// Tier 2: strip conflict markers, keeping the incoming (agent) side.
	var residual []string
	for _, path := range conflicted {
		full := filepath.Join(repoRoot, path)
		content, err := os.ReadFile(full)
		if err != nil {
			// Delete/modify conflicts have no working-copy content to strip.
			residual = append(residual, path)
			continue
		}
		stripped, had := stripConflictMarkers(string(content))
		if !had {
			residual = append(residual, path)
			continue
		}
		if err := os.WriteFile(full, []byte(stripped), 0o644); err != nil {
			return failedConflicts(fmt.Sprintf("write %s: %v", path, err), conflicted)
		}
	}

	if len(residual) == 0 {
		if msg := r.stageAndCommit(ctx, repoRoot, conflicted, ""); msg != "" {
			return failedConflicts(msg, conflicted)
		}
		log.Info("auto-resolved", "tier", models.TierAutoResolve, "files", len(conflicted))
		return &Result{Success: true, Tier: models.TierAutoResolve, ConflictFiles: conflicted}
	}

	// Tier 3: AI resolution of the residuals in place. Any fault inside the
	// tier escalates to tier 4.
	if r.cfg.AIResolveEnabled && r.ai != nil {
		msg := r.aiResolve(ctx, entry, canonical, repoRoot, residual)
		if msg == "" {
			msg = r.stageAndCommit(ctx, repoRoot, conflicted, "")
		}
		if msg == "" {
			log.Info("ai-resolved", "tier", models.TierAIResolve, "files", len(residual))
			return &Result{Success: true, Tier: models.TierAIResolve, ConflictFiles: conflicted}
		}
		log.Warn("ai-resolve failed", "error", msg)
	}

	// Tier 4: abort the merge and reimplement the branch's changes.
	if r.cfg.ReimagineEnabled && r.ai != nil {
		if _, err := r.vcs(ctx, repoRoot, "merge", "--abort"); err != nil {
			return failedConflicts(err.Error(), conflicted)
		}
		if msg := r.reimagine(ctx, entry, canonical, repoRoot); msg == "" {
			commitMsg := fmt.Sprintf("Reimplement %s onto %s", entry.BranchName, canonical)
			if msg := r.stageAndCommit(ctx, repoRoot, entry.FilesModified, commitMsg); msg != "" {
				return failedConflicts(msg, conflicted)
			}
			log.Info("reimagined", "tier", models.TierReimagine, "files", len(entry.FilesModified))
			return &Result{Success: true, Tier: models.TierReimagine, ConflictFiles: conflicted}
		} else {
			log.Warn("reimagine failed", "error", msg)
			// Drop any files already rewritten onto the canonical checkout.
			_, _ = r.vcs(ctx, repoRoot, append([]string{"checkout", "--"}, entry.FilesModified...)...)
			return failedConflicts(msg, conflicted)
		}
	}

	return failedConflicts(fmt.Sprintf("unresolved conflicts in %s", strings.Join(residual, ", ")), conflicted)
}

// conflictedPaths asks the tool for unmerged paths.
func (r *Resolver) conflictedPaths(ctx context.Context, repoRoot string) ([]string, error) {
	res, err := r.vcs(ctx, repoRoot, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: diff --diff-filter=U: %s", errs.ErrMerge, errs.Trim(res.Stderr))
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// stageAndCommit stages paths and commits; message "" uses the in-progress
// merge's default message. Returns an error message, or "".
func (r *Resolver) stageAndCommit(ctx context.Context, repoRoot string, paths []string, message string) string {
	args := append([]string{"add", "--"}, paths...)
	res, err := r.vcs(ctx, repoRoot, args...)
	if err != nil {
		return err.Error()
	}
	if res.ExitCode != 0 {
		return "add: " + errs.Trim(res.Stderr)
	}

	commitArgs := []string{"commit", "--no-edit"}
	if message != "" {
		commitArgs = []string{"commit", "-m", message}
	}
	res, err = r.vcs(ctx, repoRoot, commitArgs...)
	if err != nil {
		return err.Error()
	}
	if res.ExitCode != 0 {
		return "commit: " + errs.Trim(res.Stderr)
	}
	return ""
}

// aiResolve rewrites each residual file via the assistant. Returns an error
// message, or "".
func (r *Resolver) aiResolve(ctx context.Context, entry *models.MergeEntry, canonical, repoRoot string, residual []string) string {
	tmpl, err := template.New("resolve").Parse(r.cfg.ResolvePrompt)
	if err != nil {
		return fmt.Sprintf("resolve prompt template: %v", err)
	}

	for _, path := range residual {
		full := filepath.Join(repoRoot, path)
		content, err := os.ReadFile(full)
		if err != nil {
			content = nil
		}

		var prompt bytes.Buffer
		err = tmpl.Execute(&prompt, map[string]string{
			"Path":      path,
			"Canonical": canonical,
			"Branch":    entry.BranchName,
			"Content":   string(content),
		})
		if err != nil {
			return fmt.Sprintf("resolve prompt for %s: %v", path, err)
		}

		out, err := r.ai.Complete(ctx, repoRoot, prompt.String())
		if err != nil {
			return fmt.Sprintf("assistant on %s: %v", path, err)
		}
		if err := os.WriteFile(full, []byte(out), 0o644); err != nil {
			return fmt.Sprintf("write %s: %v", path, err)
		}
	}
	return ""
}

// reimagine reimplements every file the entry touched onto the canonical
// version. Runs after merge --abort, so the working copy is the canonical
// branch. Returns an error message, or "".
func (r *Resolver) reimagine(ctx context.Context, entry *models.MergeEntry, canonical, repoRoot string) string {
	tmpl, err := template.New("reimagine").Parse(r.cfg.ReimaginePrompt)
	if err != nil {
		return fmt.Sprintf("reimagine prompt template: %v", err)
	}

	for _, path := range entry.FilesModified {
		canonicalContent := r.show(ctx, repoRoot, canonical, path)
		branchContent := r.show(ctx, repoRoot, entry.BranchName, path)

		var prompt bytes.Buffer
		err := tmpl.Execute(&prompt, map[string]string{
			"Path":             path,
			"Canonical":        canonical,
			"Branch":           entry.BranchName,
			"CanonicalContent": canonicalContent,
			"BranchContent":    branchContent,
		})
		if err != nil {
			return fmt.Sprintf("reimagine prompt for %s: %v", path, err)
		}

		out, err := r.ai.Complete(ctx, repoRoot, prompt.String())
		if err != nil {
			return fmt.Sprintf("assistant on %s: %v", path, err)
		}

		full := filepath.Join(repoRoot, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Sprintf("mkdir for %s: %v", path, err)
		}
		if err := os.WriteFile(full, []byte(out), 0o644); err != nil {
			return fmt.Sprintf("write %s: %v", path, err)
		}
	}
	return ""
}

// show fetches branch:path content; a path absent on that branch (e.g.
// deleted) reads as empty.
func (r *Resolver) show(ctx context.Context, repoRoot, branch, path string) string {
	res, err := r.vcs(ctx, repoRoot, "show", branch+":"+path)
	if err != nil || res.ExitCode != 0 {
		return ""
	}
	return res.Stdout
}

// stripConflictMarkers resolves standard conflict markers by keeping the
// incoming side. Reports whether any markers were found.
func stripConflictMarkers(content string) (string, bool) {
	const (
		keep = iota
		skipOurs
		keepTheirs
	)
	state := keep
	found := false

	var out []string
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, "<<<<<<<"):
			state = skipOurs
			found = true
		case strings.HasPrefix(line, "|||||||") && state == skipOurs:
			// diff3 base section, still ours to drop
		case strings.HasPrefix(line, "=======") && state == skipOurs:
			state = keepTheirs
		case strings.HasPrefix(line, ">>>>>>>") && state == keepTheirs:
			state = keep
		default:
			if state != skipOurs {
				out = append(out, line)
			}
		}
	}
	return strings.Join(out, "\n"), found
}

func failed(msg string) *Result {
	return &Result{Success: false, ErrorMessage: msg}
}

func failedConflicts(msg string, conflicts []string) *Result {
	return &Result{Success: false, ErrorMessage: msg, ConflictFiles: conflicts}
}
