// Package guard writes per-agent hook-policy files into a checkout. The
// policy is declarative JSON read by the hosted assistant runtime; overstory
// never interprets it.
package guard

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"

	"github.com/overstory/overstory/internal/errs"
	"github.com/overstory/overstory/internal/models"
)

//go:embed templates/policy.jsonc
var templatesFS embed.FS

// PolicyFileName is the policy's path inside the agent's checkout.
const PolicyFileName = ".overstory/guard.json"

// Deployer materializes guard policies for spawned agents.
type Deployer struct {
	// HooksDir receives a mirror copy of every deployed policy, one file per
	// agent, so the orchestrator can audit policies without entering checkouts.
	HooksDir string
}

// NewDeployer returns a Deployer mirroring policies into hooksDir.
func NewDeployer(hooksDir string) *Deployer {
	return &Deployer{HooksDir: hooksDir}
}

// Deploy renders the policy for the agent and writes it into the checkout
// plus the mirror dir. Byte-identical content already on disk is left alone.
func (d *Deployer) Deploy(agent *models.Agent, canonicalBranch string) error {
	data, err := d.render(agent, canonicalBranch)
	if err != nil {
		return err
	}

	target := filepath.Join(agent.WorktreePath, PolicyFileName)
	if err := writeUnlessIdentical(target, data); err != nil {
		return fmt.Errorf("%w: deploy policy: %v", errs.ErrAgent, err)
	}

	if d.HooksDir != "" {
		mirror := filepath.Join(d.HooksDir, agent.Name+".json")
		if err := writeUnlessIdentical(mirror, data); err != nil {
			return fmt.Errorf("%w: mirror policy: %v", errs.ErrAgent, err)
		}
	}
	return nil
}

// render loads the JSONC template, fills the per-agent fields, and returns
// pure indented JSON.
func (d *Deployer) render(agent *models.Agent, canonicalBranch string) ([]byte, error) {
	raw, err := templatesFS.ReadFile("templates/policy.jsonc")
	if err != nil {
		return nil, fmt.Errorf("%w: read policy template: %v", errs.ErrAgent, err)
	}

	var policy map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(raw), &policy); err != nil {
		return nil, fmt.Errorf("%w: parse policy template: %v", errs.ErrAgent, err)
	}

	policy["agent"] = agent.Name
	policy["capability"] = string(agent.Capability)

	switch agent.Capability {
	case models.CapabilityScout, models.CapabilityReviewer:
		policy["readOnly"] = true
		policy["writeScope"] = []string{}
	default:
		policy["readOnly"] = false
		policy["writeScope"] = []string{agent.WorktreePath}
	}

	if bp, ok := policy["branchProtection"].(map[string]any); ok {
		bp["protectedBranches"] = []string{canonicalBranch}
	}

	data, err := json.MarshalIndent(policy, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encode policy: %v", errs.ErrAgent, err)
	}
	return append(data, '\n'), nil
}

// writeUnlessIdentical writes data to path, skipping the write when the
// existing content has the same blake3 fingerprint.
func writeUnlessIdentical(path string, data []byte) error {
	if existing, err := os.ReadFile(path); err == nil {
		if blake3.Sum256(existing) == blake3.Sum256(data) {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
