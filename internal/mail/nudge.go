package mail

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/overstory/overstory/internal/errs"
)

// Nudge reasons. A marker records why the recipient should be interrupted at
// its next prompt boundary.
const (
	ReasonUrgent     = "urgent priority"
	ReasonHigh       = "high priority"
	ReasonWorkerDone = "worker_done"
)

// Marker is the single-slot pending-nudge record for one recipient. The
// latest qualifying send wins; older markers are overwritten.
type Marker struct {
	Recipient string    `json:"recipient"`
	Sender    string    `json:"sender"`
	Subject   string    `json:"subject"`
	MessageID string    `json:"message_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// NudgeRegistry stores one marker file per recipient. Operations are
// lock-free single-file writes; last-write-wins is the contract.
type NudgeRegistry struct {
	Dir string
}

// NewNudgeRegistry returns a registry rooted at dir
// (normally .overstory/pending-nudges).
func NewNudgeRegistry(dir string) *NudgeRegistry {
	return &NudgeRegistry{Dir: dir}
}

func (r *NudgeRegistry) path(recipient string) string {
	return filepath.Join(r.Dir, recipient+".json")
}

// Set writes (or overwrites) the recipient's marker.
func (r *NudgeRegistry) Set(m Marker) error {
	if strings.ContainsAny(m.Recipient, "/\\") {
		return fmt.Errorf("%w: invalid recipient name: %s", errs.ErrMail, m.Recipient)
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: nudge dir: %v", errs.ErrMail, err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode nudge marker: %v", errs.ErrMail, err)
	}
	if err := os.WriteFile(r.path(m.Recipient), data, 0o644); err != nil {
		return fmt.Errorf("%w: write nudge marker: %v", errs.ErrMail, err)
	}
	return nil
}

// Get returns the recipient's marker, or nil when none is pending. A missing
// directory is equivalent to empty.
func (r *NudgeRegistry) Get(recipient string) (*Marker, error) {
	data, err := os.ReadFile(r.path(recipient))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read nudge marker: %v", errs.ErrMail, err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse nudge marker: %v", errs.ErrMail, err)
	}
	return &m, nil
}

// Clear removes the recipient's marker. Clearing an absent marker is fine.
func (r *NudgeRegistry) Clear(recipient string) error {
	err := os.Remove(r.path(recipient))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: clear nudge marker: %v", errs.ErrMail, err)
	}
	return nil
}
