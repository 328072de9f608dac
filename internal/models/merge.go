package models

import "time"

// MergeStatus is the lifecycle state of a merge entry.
type MergeStatus string

const (
	MergePending MergeStatus = "pending"
	MergeMerged  MergeStatus = "merged"
	MergeFailed  MergeStatus = "failed"
)

// Tier identifies which escalation level resolved a merge.
type Tier string

const (
	TierCleanMerge  Tier = "clean-merge"
	TierAutoResolve Tier = "auto-resolve"
	TierAIResolve   Tier = "ai-resolve"
	TierReimagine   Tier = "reimagine"
)

// MergeEntry is one branch queued for merging into the canonical branch.
// Enqueued when an agent signals worker_done; mutated exactly once by the
// resolver to a terminal status.
type MergeEntry struct {
	ID            string
	BranchName    string
	TaskID        string
	AgentName     string
	FilesModified []string
	EnqueuedAt    time.Time
	Status        MergeStatus
	// ResolvedTier is empty while pending and on failure.
	ResolvedTier Tier
}
