package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overstory/overstory/internal/store"
)

// runCLI executes the root command with args against the given repo root and
// returns captured stdout.
func runCLI(t *testing.T, repo string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--repo", repo}, args...))
	err := rootCmd.Execute()
	closeStore()
	return out.String(), err
}

func openStoreAt(t *testing.T, repo string) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(repo, ".overstory", "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMailCLI_SendReplyRoundTrip(t *testing.T) {
	repo := t.TempDir()

	// Send with --json to recover the id.
	out, _ := runCLI(t, repo, "mail", "send",
		"--to", "builder-1", "--from", "orchestrator",
		"--subject", "Build", "--body", "impl X", "--json")

	var sent struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sent), "send --json output: %s", out)
	require.NotEmpty(t, sent.ID)

	// Reply with flags before the positional id; a third party replies, so
	// the recipient is the original sender.
	_, _ = runCLI(t, repo, "mail", "reply", "--agent", "scout-1", "--body", "Got it", sent.ID)

	s := openStoreAt(t, repo)
	msgs, err := s.ListMessages(context.Background(), store.MessageFilter{To: "orchestrator"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "scout-1", msgs[0].From)
	assert.Equal(t, "Re: Build", msgs[0].Subject)
	assert.Equal(t, "Got it", msgs[0].Body)
	assert.Equal(t, sent.ID, msgs[0].InReplyTo)
}

func TestMailCLI_UrgentSendThenInjectDrainsOnce(t *testing.T) {
	repo := t.TempDir()

	_, _ = runCLI(t, repo, "mail", "send",
		"--to", "builder-1", "--subject", "Fix NOW", "--body", "down", "--priority", "urgent")

	marker := filepath.Join(repo, ".overstory", "pending-nudges", "builder-1.json")
	data, err := os.ReadFile(marker)
	require.NoError(t, err, "urgent send writes the nudge marker")
	assert.Contains(t, string(data), "urgent priority")

	first, _ := runCLI(t, repo, "mail", "check", "--inject", "--agent", "builder-1")
	assert.Contains(t, first, "PRIORITY")
	assert.Contains(t, first, "down")

	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "marker is cleared by injection")

	second, _ := runCLI(t, repo, "mail", "check", "--inject", "--agent", "builder-1")
	assert.NotContains(t, second, "PRIORITY")
	assert.NotContains(t, second, "down")

	// But the message is still unread: only `mail read` flips it.
	s := openStoreAt(t, repo)
	msgs, err := s.ListMessages(context.Background(), store.MessageFilter{To: "builder-1", UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMailCLI_ListToWinsOverAgent(t *testing.T) {
	repo := t.TempDir()

	_, _ = runCLI(t, repo, "mail", "send", "--to", "builder-1", "--subject", "one")
	_, _ = runCLI(t, repo, "mail", "send", "--to", "scout-1", "--subject", "two")

	// --to wins when both --to and --agent are given. The listing table is
	// written to the process stdout, so capture it there.
	r, w, err := os.Pipe()
	require.NoError(t, err)
	stdout := os.Stdout
	os.Stdout = w
	_, listErr := runCLI(t, repo, "mail", "list", "--to", "builder-1", "--agent", "scout-1")
	os.Stdout = stdout
	require.NoError(t, w.Close())
	listed, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, listErr)
	assert.Contains(t, string(listed), "one")
	assert.NotContains(t, string(listed), "two")

	s := openStoreAt(t, repo)
	msgs, err := s.ListMessages(context.Background(), store.MessageFilter{To: "builder-1"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "one", msgs[0].Subject)
}

func TestMailCLI_ReadTwiceReportsAlready(t *testing.T) {
	repo := t.TempDir()

	out, _ := runCLI(t, repo, "mail", "send",
		"--to", "builder-1", "--subject", "s", "--body", "b", "--json")
	var sent struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sent))

	_, _ = runCLI(t, repo, "mail", "read", sent.ID)

	s := openStoreAt(t, repo)
	m, err := s.GetMessage(context.Background(), sent.ID)
	require.NoError(t, err)
	require.NotNil(t, m.ReadAt)
	assert.False(t, m.ReadAt.Before(m.CreatedAt))

	already, err := s.MarkRead(context.Background(), sent.ID)
	require.NoError(t, err)
	assert.True(t, already)
}
