// Package mail is the messaging facade over the store and the pending-nudge
// registry: send, list, reply, read, and hook injection.
package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/overstory/overstory/internal/errs"
	"github.com/overstory/overstory/internal/models"
	"github.com/overstory/overstory/internal/store"
)

// SendRequest carries everything needed to send a message.
type SendRequest struct {
	From     string
	To       string
	Subject  string
	Body     string
	Type     models.MessageType
	Priority models.Priority
	Payload  []byte
}

// Client composes the store and the nudge registry.
type Client struct {
	store  store.Store
	nudges *NudgeRegistry
}

// NewClient returns a mail client.
func NewClient(s store.Store, nudges *NudgeRegistry) *Client {
	return &Client{store: s, nudges: nudges}
}

// Send validates, persists, and — for high/urgent priority or worker_done
// protocol messages — queues a pending nudge for the recipient. The nudge is
// deliberately not delivered by keystroke injection here; it waits for the
// recipient's next prompt boundary.
func (c *Client) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	if req.To == "" {
		return nil, fmt.Errorf("%w: recipient is required", errs.ErrValidation)
	}
	if req.From == "" {
		req.From = models.Orchestrator
	}
	if req.Type == "" {
		req.Type = models.TypeStatus
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", errs.ErrValidation, req.Type)
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", errs.ErrValidation, req.Priority)
	}

	m := &models.Message{
		From:     req.From,
		To:       req.To,
		Subject:  req.Subject,
		Body:     req.Body,
		Type:     req.Type,
		Priority: req.Priority,
		Payload:  req.Payload,
	}
	if err := c.store.SendMessage(ctx, m); err != nil {
		return nil, err
	}

	if reason := nudgeReason(m); reason != "" {
		err := c.nudges.Set(Marker{
			Recipient: m.To,
			Sender:    m.From,
			Subject:   m.Subject,
			MessageID: m.ID,
			Reason:    reason,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// nudgeReason returns the marker reason a message qualifies for, or "".
func nudgeReason(m *models.Message) string {
	if m.Type == models.TypeWorkerDone {
		return ReasonWorkerDone
	}
	switch m.Priority {
	case models.PriorityUrgent:
		return ReasonUrgent
	case models.PriorityHigh:
		return ReasonHigh
	}
	return ""
}

// List queries the store directly.
func (c *Client) List(ctx context.Context, filter store.MessageFilter) ([]*models.Message, error) {
	return c.store.ListMessages(ctx, filter)
}

// Get fetches one message by id.
func (c *Client) Get(ctx context.Context, id string) (*models.Message, error) {
	return c.store.GetMessage(ctx, id)
}

// Read marks a message read; already=true means it was read before.
func (c *Client) Read(ctx context.Context, id string) (already bool, err error) {
	return c.store.MarkRead(ctx, id)
}

// Reply delegates recipient computation and threading to the store.
func (c *Client) Reply(ctx context.Context, originalID, from, body string) (*models.Message, error) {
	if from == "" {
		from = models.Orchestrator
	}
	return c.store.Reply(ctx, originalID, from, body)
}
