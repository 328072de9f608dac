// Package store persists overstory's durable state: the mailbox, the merge
// queue, and the live-agent mirror, all in one SQLite file under .overstory/.
package store

import (
	"context"
	"time"

	"github.com/overstory/overstory/internal/models"
)

// MessageFilter narrows ListMessages. Zero values mean "no constraint".
type MessageFilter struct {
	From       string
	To         string
	UnreadOnly bool
	Limit      int
}

// Store is the persistence interface the rest of overstory depends on.
type Store interface {
	// --- Mailbox ---

	// SendMessage assigns the id and created-at and inserts the row.
	SendMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// ListMessages returns matching messages newest-first.
	ListMessages(ctx context.Context, filter MessageFilter) ([]*models.Message, error)
	// MarkRead stamps read_at. The second call on the same id is a no-op and
	// reports already=true.
	MarkRead(ctx context.Context, id string) (already bool, err error)
	MarkUnread(ctx context.Context, id string) error
	// Reply inserts a reply to originalID. The recipient is the original
	// sender, unless the replier is the original sender, in which case it is
	// the original recipient.
	Reply(ctx context.Context, originalID, from, body string) (*models.Message, error)
	// FetchInjection atomically returns the recipient's unread, not yet
	// injected messages oldest-first and stamps injected_at on them. read_at
	// is untouched.
	FetchInjection(ctx context.Context, recipient string) ([]*models.Message, error)
	// LastMessageTime returns the created-at of the agent's most recent
	// outgoing message, or the zero time if it has never written.
	LastMessageTime(ctx context.Context, agentName string) (time.Time, error)

	// --- Merge queue ---

	EnqueueMerge(ctx context.Context, e *models.MergeEntry) error
	// NextPendingMerge pops nothing; it returns the head of the queue by
	// enqueued-at ascending, branch name as tie-break, or nil when empty.
	NextPendingMerge(ctx context.Context) (*models.MergeEntry, error)
	ListMergeEntries(ctx context.Context, status models.MergeStatus) ([]*models.MergeEntry, error)
	// ResolveMergeEntry records the resolver's terminal verdict for the entry.
	ResolveMergeEntry(ctx context.Context, id string, status models.MergeStatus, tier models.Tier) error

	// --- Agent mirror ---

	UpsertAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, name string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	DeleteAgent(ctx context.Context, name string) error

	Migrate(ctx context.Context) error
	Close() error
}
