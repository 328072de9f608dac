package models

import (
	"fmt"
	"time"
)

// Capability is the role an agent plays in the swarm.
type Capability string

const (
	CapabilityCoordinator Capability = "coordinator"
	CapabilityLead        Capability = "lead"
	CapabilitySupervisor  Capability = "supervisor"
	CapabilityBuilder     Capability = "builder"
	CapabilityScout       Capability = "scout"
	CapabilityReviewer    Capability = "reviewer"
	CapabilityMerger      Capability = "merger"
)

// Capabilities lists every valid capability.
var Capabilities = []Capability{
	CapabilityCoordinator,
	CapabilityLead,
	CapabilitySupervisor,
	CapabilityBuilder,
	CapabilityScout,
	CapabilityReviewer,
	CapabilityMerger,
}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	for _, k := range Capabilities {
		if c == k {
			return true
		}
	}
	return false
}

// CanSpawn reports whether agents of this capability may spawn sub-agents.
func (c Capability) CanSpawn() bool {
	switch c {
	case CapabilityCoordinator, CapabilityLead, CapabilitySupervisor:
		return true
	}
	return false
}

// RequiresParent reports whether this capability must be spawned under a parent.
func (c Capability) RequiresParent() bool {
	return !c.CanSpawn()
}

// Agent is one live worker: its checkout, branch, and terminal session.
type Agent struct {
	Name         string
	Capability   Capability
	TaskID       string
	ParentName   string
	Depth        int
	Branch       string
	WorktreePath string
	SessionName  string
	// SessionHandle is an opaque identifier minted at spawn time; it never
	// needs to sort, unlike mail ids.
	SessionHandle string
	PID           int
	SpawnedAt     time.Time
}

// CanSpawn reports whether this agent may spawn sub-agents.
func (a *Agent) CanSpawn() bool {
	return a.Capability.CanSpawn()
}

// BranchName builds the branch an agent works on.
func BranchName(agentName, taskID string) string {
	return fmt.Sprintf("overstory/%s/%s", agentName, taskID)
}

// SessionName builds the terminal session name for an agent.
func SessionName(agentName string) string {
	return "overstory-" + agentName
}
