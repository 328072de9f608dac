package mail

import (
	"context"
	"fmt"
	"strings"

	"github.com/overstory/overstory/internal/store"
)

// CheckInject builds the text the hosted runtime's pre-prompt hook prepends
// to the recipient's next prompt: a banner for any pending nudge, then all
// unread, not-yet-injected messages oldest-first. The marker is cleared only
// after the text is fully built. Messages are never marked read here; only
// an explicit read does that.
func (c *Client) CheckInject(ctx context.Context, recipient string) (string, error) {
	marker, err := c.nudges.Get(recipient)
	if err != nil {
		return "", err
	}

	messages, err := c.store.FetchInjection(ctx, recipient)
	if err != nil {
		return "", err
	}

	if marker == nil && len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	if marker != nil {
		writeBanner(&sb, marker)
	}

	if len(messages) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "You have %d unread message(s):\n", len(messages))
		for _, m := range messages {
			sb.WriteString("\n")
			fmt.Fprintf(&sb, "--- Message %s ---\n", m.ID)
			fmt.Fprintf(&sb, "From: %s | Type: %s | Priority: %s\n", m.From, m.Type, m.Priority)
			fmt.Fprintf(&sb, "Subject: %s\n", m.Subject)
			fmt.Fprintf(&sb, "Date: %s\n", m.CreatedAt.Format("2006-01-02 15:04:05 MST"))
			sb.WriteString(m.Body)
			if !strings.HasSuffix(m.Body, "\n") {
				sb.WriteString("\n")
			}
		}
		sb.WriteString("\nRun `overstory mail read <id>` after handling a message.\n")
	}

	if marker != nil {
		if err := c.nudges.Clear(recipient); err != nil {
			return "", err
		}
	}

	return sb.String(), nil
}

// Check reports without consuming: the pending marker (if any) and the count
// of unread messages, for `mail check` without --inject.
func (c *Client) Check(ctx context.Context, recipient string) (*Marker, int, error) {
	marker, err := c.nudges.Get(recipient)
	if err != nil {
		return nil, 0, err
	}
	unread, err := c.store.ListMessages(ctx, store.MessageFilter{To: recipient, UnreadOnly: true})
	if err != nil {
		return nil, 0, err
	}
	return marker, len(unread), nil
}

func writeBanner(sb *strings.Builder, m *Marker) {
	fmt.Fprintf(sb, "=== %s ===\n", strings.ToUpper(m.Reason))
	fmt.Fprintf(sb, "From: %s\n", m.Sender)
	fmt.Fprintf(sb, "Subject: %s\n", m.Subject)
	fmt.Fprintf(sb, "Message: %s\n", m.MessageID)
}
