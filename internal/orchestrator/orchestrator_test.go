package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overstory/overstory/internal/agent"
	"github.com/overstory/overstory/internal/mail"
	"github.com/overstory/overstory/internal/merge"
	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/runner"
	"github.com/overstory/overstory/internal/store"
)

type fakeRunner struct {
	results map[string]*runner.Result
}

func (f *fakeRunner) Run(ctx context.Context, cwd string, name string, args ...string) (*runner.Result, error) {
	if res, ok := f.results[name+" "+strings.Join(args, " ")]; ok {
		return res, nil
	}
	return &runner.Result{}, nil
}

func (f *fakeRunner) RunInput(ctx context.Context, cwd string, input string, name string, args ...string) (*runner.Result, error) {
	return f.Run(ctx, cwd, name, args...)
}

type fakeLifecycle struct {
	toreDown []string
}

func (f *fakeLifecycle) Teardown(ctx context.Context, name string) *agent.TeardownResult {
	f.toreDown = append(f.toreDown, name)
	return &agent.TeardownResult{Name: name}
}

func newTestOrchestrator(t *testing.T, fr *fakeRunner) (*Orchestrator, store.Store, *mail.Client, *fakeLifecycle) {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "mail.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	mc := mail.NewClient(s, mail.NewNudgeRegistry(filepath.Join(dir, "pending-nudges")))
	resolver := merge.NewResolver(fr, nil, merge.Config{}, nil)
	q := merge.NewQueue(s, resolver, mc, "main", dir, nil)
	lifecycle := &fakeLifecycle{}

	return New(s, mc, q, lifecycle, nil, nil), s, mc, lifecycle
}

func sendWorkerDone(t *testing.T, mc *mail.Client, agentName, taskID string, files ...string) *models.Message {
	t.Helper()
	payload, err := mail.EncodePayload(mail.WorkerDonePayload{
		Branch:        models.BranchName(agentName, taskID),
		TaskID:        taskID,
		AgentName:     agentName,
		FilesModified: files,
	})
	require.NoError(t, err)

	m, err := mc.Send(context.Background(), mail.SendRequest{
		From: agentName, To: models.Orchestrator, Subject: "done",
		Type: models.TypeWorkerDone, Payload: payload,
	})
	require.NoError(t, err)
	return m
}

func TestProcessOnce_WorkerDoneToMergedTeardown(t *testing.T) {
	o, s, mc, lifecycle := newTestOrchestrator(t, &fakeRunner{})
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &models.Agent{
		Name: "impl", Capability: models.CapabilityBuilder, TaskID: "T1", ParentName: "lead",
		Branch: "overstory/impl/T1", WorktreePath: "/x", SessionName: "overstory-impl", SessionHandle: "h",
	}))
	done := sendWorkerDone(t, mc, "impl", "T1", "src/a.ts")

	require.NoError(t, o.ProcessOnce(ctx))

	// The worker_done message was consumed.
	got, err := mc.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.False(t, got.Unread())

	// The entry reached a terminal state.
	merged, err := s.ListMergeEntries(ctx, models.MergeMerged)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, models.TierCleanMerge, merged[0].ResolvedTier)

	// The parent heard about it, and the worker is gone.
	msgs, err := mc.List(ctx, store.MessageFilter{To: "lead"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.TypeMerged, msgs[0].Type)
	assert.Equal(t, []string{"impl"}, lifecycle.toreDown)
}

func TestProcessOnce_FailedMergeKeepsWorker(t *testing.T) {
	fr := &fakeRunner{results: map[string]*runner.Result{
		"git merge --no-edit overstory/impl/T1": {
			ExitCode: 128, Stderr: "fatal: refusing to merge unrelated histories",
		},
	}}
	o, s, mc, lifecycle := newTestOrchestrator(t, fr)
	ctx := context.Background()

	sendWorkerDone(t, mc, "impl", "T1", "src/a.ts")
	require.NoError(t, o.ProcessOnce(ctx))

	failed, err := s.ListMergeEntries(ctx, models.MergeFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	// Failed merges escalate instead of tearing the worker down.
	assert.Empty(t, lifecycle.toreDown)
	msgs, err := mc.List(ctx, store.MessageFilter{To: models.Orchestrator})
	require.NoError(t, err)
	var sawEscalation bool
	for _, m := range msgs {
		if m.Type == models.TypeEscalation {
			sawEscalation = true
		}
	}
	assert.True(t, sawEscalation)
}

func TestProcessOnce_TwoWorkersArrivalOrder(t *testing.T) {
	o, s, mc, _ := newTestOrchestrator(t, &fakeRunner{})
	ctx := context.Background()

	sendWorkerDone(t, mc, "alpha", "T1", "a.ts")
	sendWorkerDone(t, mc, "beta", "T2", "b.ts")

	require.NoError(t, o.ProcessOnce(ctx))

	merged, err := s.ListMergeEntries(ctx, models.MergeMerged)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, "overstory/alpha/T1", merged[0].BranchName, "first arrival merges first")
	assert.Equal(t, "overstory/beta/T2", merged[1].BranchName)
}

func TestProcessOnce_IgnoresNonProtocolMail(t *testing.T) {
	o, s, mc, _ := newTestOrchestrator(t, &fakeRunner{})
	ctx := context.Background()

	m, err := mc.Send(ctx, mail.SendRequest{
		From: "lead", To: models.Orchestrator, Subject: "hello", Body: "just status",
	})
	require.NoError(t, err)

	require.NoError(t, o.ProcessOnce(ctx))

	// Plain mail stays unread for the operator; no merge entries appear.
	got, err := mc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Unread())

	pending, err := s.ListMergeEntries(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
