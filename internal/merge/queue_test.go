package merge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overstory/overstory/internal/mail"
	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/runner"
	"github.com/overstory/overstory/internal/store"
)

func newTestQueue(t *testing.T, fr *fakeRunner, cfg Config) (*Queue, store.Store, *mail.Client) {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "mail.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	mc := mail.NewClient(s, mail.NewNudgeRegistry(filepath.Join(dir, "pending-nudges")))
	resolver := NewResolver(fr, nil, cfg, nil)
	q := NewQueue(s, resolver, mc, "main", dir, nil)
	return q, s, mc
}

func TestDrain_StrictEnqueueOrder(t *testing.T) {
	fr := &fakeRunner{results: nil}
	q, s, _ := newTestQueue(t, fr, Config{})
	ctx := context.Background()

	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, q.Enqueue(ctx, &models.MergeEntry{
		BranchName: "overstory/beta/T2", TaskID: "T2", AgentName: "beta", EnqueuedAt: at.Add(time.Second),
	}))
	require.NoError(t, q.Enqueue(ctx, &models.MergeEntry{
		BranchName: "overstory/alpha/T1", TaskID: "T1", AgentName: "alpha", EnqueuedAt: at,
	}))

	results, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "overstory/alpha/T1", results[0].Entry.BranchName)
	assert.Equal(t, "overstory/beta/T2", results[1].Entry.BranchName)

	pending, err := s.ListMergeEntries(ctx, models.MergePending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainOne_EmptyQueue(t *testing.T) {
	q, _, _ := newTestQueue(t, &fakeRunner{}, Config{})

	result, err := q.DrainOne(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestDrainOne_SuccessNotifiesParent(t *testing.T) {
	fr := &fakeRunner{}
	q, s, mc := newTestQueue(t, fr, Config{})
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &models.Agent{
		Name: "impl", Capability: models.CapabilityBuilder, TaskID: "T1", ParentName: "lead",
		Branch: "overstory/impl/T1", WorktreePath: "/x", SessionName: "overstory-impl", SessionHandle: "h",
	}))
	require.NoError(t, q.Enqueue(ctx, &models.MergeEntry{
		BranchName: "overstory/impl/T1", TaskID: "T1", AgentName: "impl",
	}))

	result, err := q.DrainOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)

	msgs, err := mc.List(ctx, store.MessageFilter{To: "lead"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.TypeMerged, msgs[0].Type)

	p, err := mail.DecodeMerged(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, string(models.TierCleanMerge), p.Tier)
}

func TestDrainOne_FailureEscalatesToOrchestrator(t *testing.T) {
	fr := &fakeRunner{results: map[string]*runner.Result{
		"git merge --no-edit overstory/impl/T1": {
			ExitCode: 128, Stderr: "fatal: refusing to merge unrelated histories",
		},
	}}
	q, _, mc := newTestQueue(t, fr, Config{})
	ctx := context.Background()

	// No agent record: escalation falls back to the orchestrator.
	require.NoError(t, q.Enqueue(ctx, &models.MergeEntry{
		BranchName: "overstory/impl/T1", TaskID: "T1", AgentName: "impl",
	}))

	result, err := q.DrainOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)

	msgs, err := mc.List(ctx, store.MessageFilter{To: models.Orchestrator})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.TypeEscalation, msgs[0].Type)
	assert.Equal(t, models.PriorityHigh, msgs[0].Priority)
}
