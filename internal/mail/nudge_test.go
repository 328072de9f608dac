package mail

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNudgeRegistry_SetGetClear(t *testing.T) {
	r := NewNudgeRegistry(filepath.Join(t.TempDir(), "pending-nudges"))

	m := Marker{
		Recipient: "builder-1",
		Sender:    "orchestrator",
		Subject:   "Fix NOW",
		MessageID: "01ABC",
		Reason:    ReasonUrgent,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, r.Set(m))

	got, err := r.Get("builder-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Fix NOW", got.Subject)
	assert.Equal(t, ReasonUrgent, got.Reason)

	require.NoError(t, r.Clear("builder-1"))
	got, err = r.Get("builder-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNudgeRegistry_MissingDirIsEmpty(t *testing.T) {
	r := NewNudgeRegistry(filepath.Join(t.TempDir(), "does-not-exist"))

	got, err := r.Get("builder-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Clearing an absent marker is fine too.
	assert.NoError(t, r.Clear("builder-1"))
}

func TestNudgeRegistry_LatestSendWins(t *testing.T) {
	r := NewNudgeRegistry(t.TempDir())

	require.NoError(t, r.Set(Marker{Recipient: "b", MessageID: "first", Reason: ReasonHigh}))
	require.NoError(t, r.Set(Marker{Recipient: "b", MessageID: "second", Reason: ReasonUrgent}))

	got, err := r.Get("b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second", got.MessageID)

	// One marker file per recipient, nothing accumulates.
	entries, err := os.ReadDir(r.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNudgeRegistry_RejectsPathyNames(t *testing.T) {
	r := NewNudgeRegistry(t.TempDir())
	err := r.Set(Marker{Recipient: "../evil"})
	assert.Error(t, err)
}
