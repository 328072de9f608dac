package mail

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/overstory/overstory/internal/errs"
	"github.com/overstory/overstory/internal/models"
)

// Protocol payloads ride in a message's payload column, CBOR-encoded. The
// store treats them as opaque bytes; only this package encodes and decodes.

// WorkerDonePayload announces a finished worker and what it touched.
type WorkerDonePayload struct {
	Branch        string   `cbor:"branch"`
	TaskID        string   `cbor:"task_id"`
	AgentName     string   `cbor:"agent_name"`
	FilesModified []string `cbor:"files_modified"`
}

// MergeReadyPayload signals a branch prepared for merging by a merger agent.
type MergeReadyPayload struct {
	Branch string `cbor:"branch"`
	TaskID string `cbor:"task_id"`
}

// MergedPayload reports a merge landed on the canonical branch.
type MergedPayload struct {
	Branch string `cbor:"branch"`
	TaskID string `cbor:"task_id"`
	Tier   string `cbor:"tier"`
}

// EscalationPayload reports a merge (or other operation) that needs a human
// or parent decision.
type EscalationPayload struct {
	Branch string `cbor:"branch"`
	TaskID string `cbor:"task_id"`
	Reason string `cbor:"reason"`
}

// EncodePayload serializes a protocol payload.
func EncodePayload(v any) ([]byte, error) {
	data, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", errs.ErrMail, err)
	}
	return data, nil
}

// DecodeWorkerDone parses a worker_done payload from m.
func DecodeWorkerDone(m *models.Message) (*WorkerDonePayload, error) {
	if m.Type != models.TypeWorkerDone {
		return nil, fmt.Errorf("%w: message %s is %s, not worker_done", errs.ErrMail, m.ID, m.Type)
	}
	var p WorkerDonePayload
	if err := cbor.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: decode worker_done payload: %v", errs.ErrMail, err)
	}
	return &p, nil
}

// DecodeMerged parses a merged payload from m.
func DecodeMerged(m *models.Message) (*MergedPayload, error) {
	if m.Type != models.TypeMerged {
		return nil, fmt.Errorf("%w: message %s is %s, not merged", errs.ErrMail, m.ID, m.Type)
	}
	var p MergedPayload
	if err := cbor.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: decode merged payload: %v", errs.ErrMail, err)
	}
	return &p, nil
}

// DecodeEscalation parses an escalation payload from m.
func DecodeEscalation(m *models.Message) (*EscalationPayload, error) {
	if m.Type != models.TypeEscalation {
		return nil, fmt.Errorf("%w: message %s is %s, not escalation", errs.ErrMail, m.ID, m.Type)
	}
	var p EscalationPayload
	if err := cbor.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: decode escalation payload: %v", errs.ErrMail, err)
	}
	return &p, nil
}
