// Package names handles agent naming: the structured naming convention that
// lets status output rebuild the hierarchy, and forgiving resolution of
// partial names typed on the command line.
package names

import (
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/overstory/overstory/internal/errs"
	"github.com/overstory/overstory/internal/models"
)

// Identity is what a structured agent name encodes. Leads and supervisors
// carry bare names; workers are named {parent}-{capability}-{suffix}.
type Identity struct {
	Parent     string
	Capability models.Capability
	Suffix     string
}

// workerCapabilities in name position.
var workerCapabilities = []models.Capability{
	models.CapabilityBuilder,
	models.CapabilityScout,
	models.CapabilityReviewer,
	models.CapabilityMerger,
}

// Parse decodes a structured worker name. Bare names (no capability segment)
// parse as an empty-parent identity with no capability.
func Parse(name string) Identity {
	for _, cap := range workerCapabilities {
		marker := "-" + string(cap) + "-"
		if idx := strings.LastIndex(name, marker); idx > 0 {
			return Identity{
				Parent:     name[:idx],
				Capability: cap,
				Suffix:     name[idx+len(marker):],
			}
		}
		// {capability}-{suffix} with no parent prefix still identifies the
		// capability (e.g. "builder-1" spawned by the orchestrator).
		if strings.HasPrefix(name, string(cap)+"-") {
			return Identity{
				Capability: cap,
				Suffix:     strings.TrimPrefix(name, string(cap)+"-"),
			}
		}
	}
	return Identity{}
}

// WorkerName builds the structured name for a worker.
func WorkerName(parent string, cap models.Capability, suffix string) string {
	if parent == "" {
		return fmt.Sprintf("%s-%s", cap, suffix)
	}
	return fmt.Sprintf("%s-%s-%s", parent, cap, suffix)
}

// Resolve matches input against candidate agent names. An exact match wins;
// otherwise a unique fuzzy match is accepted. Ambiguous or empty matches are
// validation errors listing the closest candidates.
func Resolve(input string, candidates []string) (string, error) {
	for _, c := range candidates {
		if c == input {
			return c, nil
		}
	}

	matches := fuzzy.Find(input, candidates)
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: no agent matches %q", errs.ErrValidation, input)
	case 1:
		return matches[0].Str, nil
	}

	// Several fuzzy hits: only accept a clear winner, otherwise report the
	// alternatives.
	if matches[0].Score > matches[1].Score {
		return matches[0].Str, nil
	}
	var alts []string
	for i, m := range matches {
		if i >= 5 {
			break
		}
		alts = append(alts, m.Str)
	}
	return "", fmt.Errorf("%w: %q is ambiguous, could be: %s", errs.ErrValidation, input, strings.Join(alts, ", "))
}

// Tree renders agents as an indented hierarchy using parent links, with
// structured-name parsing as the fallback for agents whose parent record is
// gone.
func Tree(agents []*models.Agent) []string {
	children := map[string][]*models.Agent{}
	var roots []*models.Agent

	known := map[string]bool{}
	for _, a := range agents {
		known[a.Name] = true
	}
	for _, a := range agents {
		parent := a.ParentName
		if parent == "" {
			parent = Parse(a.Name).Parent
		}
		if parent != "" && known[parent] {
			children[parent] = append(children[parent], a)
		} else {
			roots = append(roots, a)
		}
	}

	var lines []string
	var walk func(a *models.Agent, depth int)
	walk = func(a *models.Agent, depth int) {
		lines = append(lines, strings.Repeat("  ", depth)+a.Name)
		for _, c := range children[a.Name] {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
	return lines
}
