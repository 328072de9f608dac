package merge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/overstory/overstory/internal/mail"
	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/store"
)

// Queue drains pending merge entries strictly in enqueue order, records each
// verdict, and notifies the agent's parent (or the orchestrator) by mail.
type Queue struct {
	store    store.Store
	resolver *Resolver
	mail     *mail.Client
	log      *slog.Logger

	Canonical string
	RepoRoot  string
}

// NewQueue wires a queue drainer.
func NewQueue(s store.Store, resolver *Resolver, mc *mail.Client, canonical, repoRoot string, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{store: s, resolver: resolver, mail: mc, log: log, Canonical: canonical, RepoRoot: repoRoot}
}

// Enqueue records a worker's branch as ready to merge.
func (q *Queue) Enqueue(ctx context.Context, entry *models.MergeEntry) error {
	if err := q.store.EnqueueMerge(ctx, entry); err != nil {
		return err
	}
	q.log.Info("merge enqueued", "component", "merge", "branch", entry.BranchName, "agent", entry.AgentName)
	return nil
}

// DrainOne resolves the head of the queue. Returns nil when the queue is
// empty.
func (q *Queue) DrainOne(ctx context.Context) (*Result, error) {
	entry, err := q.store.NextPendingMerge(ctx)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	result := q.resolver.Resolve(ctx, entry, q.Canonical, q.RepoRoot)

	if err := q.store.ResolveMergeEntry(ctx, entry.ID, entry.Status, entry.ResolvedTier); err != nil {
		return result, err
	}

	if err := q.notify(ctx, result); err != nil {
		q.log.Warn("merge notification failed", "component", "merge", "branch", entry.BranchName, "error", err)
	}
	return result, nil
}

// Drain resolves until the queue is empty, strictly sequentially.
func (q *Queue) Drain(ctx context.Context) ([]*Result, error) {
	var results []*Result
	for {
		result, err := q.DrainOne(ctx)
		if err != nil {
			return results, err
		}
		if result == nil {
			return results, nil
		}
		results = append(results, result)
	}
}

// notify sends the merged/escalation protocol message to the agent's parent,
// falling back to the orchestrator when no parent is known.
func (q *Queue) notify(ctx context.Context, result *Result) error {
	entry := result.Entry

	to := models.Orchestrator
	if a, err := q.store.GetAgent(ctx, entry.AgentName); err == nil && a.ParentName != "" {
		to = a.ParentName
	}

	if result.Success {
		payload, err := mail.EncodePayload(mail.MergedPayload{
			Branch: entry.BranchName,
			TaskID: entry.TaskID,
			Tier:   string(result.Tier),
		})
		if err != nil {
			return err
		}
		_, err = q.mail.Send(ctx, mail.SendRequest{
			From:    models.Orchestrator,
			To:      to,
			Subject: fmt.Sprintf("Merged %s", entry.BranchName),
			Body:    fmt.Sprintf("Branch %s merged into %s via %s.", entry.BranchName, q.Canonical, result.Tier),
			Type:    models.TypeMerged,
			Payload: payload,
		})
		return err
	}

	payload, err := mail.EncodePayload(mail.EscalationPayload{
		Branch: entry.BranchName,
		TaskID: entry.TaskID,
		Reason: result.ErrorMessage,
	})
	if err != nil {
		return err
	}
	_, err = q.mail.Send(ctx, mail.SendRequest{
		From:     models.Orchestrator,
		To:       to,
		Subject:  fmt.Sprintf("Merge failed: %s", entry.BranchName),
		Body:     fmt.Sprintf("Branch %s could not be merged into %s: %s", entry.BranchName, q.Canonical, result.ErrorMessage),
		Type:     models.TypeEscalation,
		Priority: models.PriorityHigh,
		Payload:  payload,
	})
	return err
}
