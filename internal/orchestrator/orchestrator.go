// Package orchestrator glues the lifecycle manager, mailbox, merge queue,
// and watchdog into the long-running supervisor loop. It holds no logic of
// its own: worker_done mail becomes merge entries, merge verdicts become
// mail, merged workers get torn down.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/overstory/overstory/internal/agent"
	"github.com/overstory/overstory/internal/mail"
	"github.com/overstory/overstory/internal/merge"
	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/store"
	"github.com/overstory/overstory/internal/watchdog"
)

// Lifecycle is the slice of the agent manager the orchestrator acts through.
type Lifecycle interface {
	Teardown(ctx context.Context, name string) *agent.TeardownResult
}

// Orchestrator is the event loop.
type Orchestrator struct {
	store    store.Store
	mail     *mail.Client
	queue    *merge.Queue
	agents   Lifecycle
	watchdog *watchdog.Watchdog
	log      *slog.Logger

	PollInterval time.Duration
}

// New wires an orchestrator. watchdog may be nil (run `overstory watch`
// separately instead).
func New(s store.Store, mc *mail.Client, q *merge.Queue, agents Lifecycle, wd *watchdog.Watchdog, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:        s,
		mail:         mc,
		queue:        q,
		agents:       agents,
		watchdog:     wd,
		log:          log,
		PollInterval: 5 * time.Second,
	}
}

// Run polls until ctx is cancelled. On shutdown the watchdog stops with the
// same ctx, and a pass already in progress runs on with the cancelled ctx, so
// the commands it starts are killed and a merge entry whose verdict is not yet
// stored stays pending. Workers are left running so a later start can
// reattach.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.watchdog != nil {
		go func() {
			if err := o.watchdog.Run(ctx); err != nil && ctx.Err() == nil {
				o.log.Error("watchdog stopped", "component", "orchestrator", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.ProcessOnce(ctx); err != nil {
				o.log.Error("event loop pass failed", "component", "orchestrator", "error", err)
			}
		}
	}
}

// ProcessOnce runs one pass: consume worker_done mail into the merge queue,
// drain the queue, tear down merged workers.
func (o *Orchestrator) ProcessOnce(ctx context.Context) error {
	if err := o.consumeWorkerDone(ctx); err != nil {
		return err
	}

	results, err := o.queue.Drain(ctx)
	if err != nil {
		return err
	}

	for _, result := range results {
		if !result.Success {
			continue
		}
		// The worker's job is over once its branch lands; reclaim the
		// checkout and the session.
		if res := o.agents.Teardown(ctx, result.Entry.AgentName); res.Err() != nil {
			o.log.Warn("teardown after merge incomplete",
				"component", "orchestrator", "agent", result.Entry.AgentName, "error", res.Err())
		}
	}
	return nil
}

// consumeWorkerDone turns unread worker_done messages into merge entries.
// Each message is marked read once its entry is enqueued, so a crash between
// the two redelivers rather than drops.
func (o *Orchestrator) consumeWorkerDone(ctx context.Context) error {
	msgs, err := o.mail.List(ctx, store.MessageFilter{To: models.Orchestrator, UnreadOnly: true})
	if err != nil {
		return err
	}

	// Newest-first from the store; enqueue oldest-first so EnqueuedAt
	// ordering follows arrival.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Type != models.TypeWorkerDone {
			continue
		}

		payload, err := mail.DecodeWorkerDone(m)
		if err != nil {
			o.log.Error("bad worker_done payload", "component", "orchestrator", "message", m.ID, "error", err)
			_, _ = o.mail.Read(ctx, m.ID)
			continue
		}

		entry := &models.MergeEntry{
			BranchName:    payload.Branch,
			TaskID:        payload.TaskID,
			AgentName:     payload.AgentName,
			FilesModified: payload.FilesModified,
		}
		if entry.AgentName == "" {
			entry.AgentName = m.From
		}
		if err := o.queue.Enqueue(ctx, entry); err != nil {
			return err
		}
		if _, err := o.mail.Read(ctx, m.ID); err != nil {
			return err
		}
		o.log.Info("worker done", "component", "orchestrator", "agent", entry.AgentName, "branch", entry.BranchName)
	}
	return nil
}
