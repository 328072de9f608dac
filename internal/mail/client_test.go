package mail

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/store"
)

func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "mail.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	nudgeDir := filepath.Join(dir, "pending-nudges")
	return NewClient(s, NewNudgeRegistry(nudgeDir)), nudgeDir
}

func TestSend_NormalPriorityWritesNoMarker(t *testing.T) {
	c, nudgeDir := newTestClient(t)

	_, err := c.Send(context.Background(), SendRequest{
		From: "a", To: "builder-1", Subject: "s", Body: "b",
	})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(nudgeDir, "builder-1.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestSend_UrgentWritesMarker(t *testing.T) {
	c, nudgeDir := newTestClient(t)

	m, err := c.Send(context.Background(), SendRequest{
		To: "builder-1", Subject: "Fix NOW", Body: "down",
		Priority: models.PriorityUrgent,
	})
	require.NoError(t, err)
	assert.Equal(t, models.Orchestrator, m.From, "empty sender defaults to orchestrator")

	marker, err := NewNudgeRegistry(nudgeDir).Get("builder-1")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, ReasonUrgent, marker.Reason)
	assert.Equal(t, m.ID, marker.MessageID)
}

func TestSend_WorkerDoneWritesMarker(t *testing.T) {
	c, nudgeDir := newTestClient(t)

	payload, err := EncodePayload(WorkerDonePayload{
		Branch: "overstory/impl/T1", TaskID: "T1", AgentName: "impl",
		FilesModified: []string{"src/a.ts"},
	})
	require.NoError(t, err)

	m, err := c.Send(context.Background(), SendRequest{
		From: "impl", To: models.Orchestrator, Subject: "done",
		Type: models.TypeWorkerDone, Payload: payload,
	})
	require.NoError(t, err)

	marker, err := NewNudgeRegistry(nudgeDir).Get(models.Orchestrator)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, ReasonWorkerDone, marker.Reason)

	// Payload round-trips through the store.
	got, err := c.Get(context.Background(), m.ID)
	require.NoError(t, err)
	p, err := DecodeWorkerDone(got)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.ts"}, p.FilesModified)
}

func TestSend_HighOverwritesOlderMarker(t *testing.T) {
	c, nudgeDir := newTestClient(t)
	ctx := context.Background()

	first, err := c.Send(ctx, SendRequest{To: "b", Subject: "one", Priority: models.PriorityHigh})
	require.NoError(t, err)
	second, err := c.Send(ctx, SendRequest{To: "b", Subject: "two", Priority: models.PriorityUrgent})
	require.NoError(t, err)

	marker, err := NewNudgeRegistry(nudgeDir).Get("b")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.NotEqual(t, first.ID, marker.MessageID)
	assert.Equal(t, second.ID, marker.MessageID)
	assert.Equal(t, ReasonUrgent, marker.Reason)
}

func TestSend_Validation(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Send(ctx, SendRequest{Subject: "no recipient"})
	assert.Error(t, err)

	_, err = c.Send(ctx, SendRequest{To: "b", Type: models.MessageType("gossip")})
	assert.Error(t, err)

	_, err = c.Send(ctx, SendRequest{To: "b", Priority: models.Priority("whenever")})
	assert.Error(t, err)
}

func TestReply_ScenarioFlagsBeforeID(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	original, err := c.Send(ctx, SendRequest{
		From: "orchestrator", To: "builder-1", Subject: "Build", Body: "impl X",
	})
	require.NoError(t, err)

	reply, err := c.Reply(ctx, original.ID, "scout-1", "Got it")
	require.NoError(t, err)
	assert.Equal(t, "scout-1", reply.From)
	assert.Equal(t, "orchestrator", reply.To)
	assert.Equal(t, "Re: Build", reply.Subject)
	assert.Equal(t, "Got it", reply.Body)
	assert.Equal(t, original.ID, reply.InReplyTo)
}
