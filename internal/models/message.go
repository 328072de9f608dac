package models

import "time"

// Orchestrator is the reserved sentinel name for the human-driven top session.
const Orchestrator = "orchestrator"

// MessageType classifies a mail message. The four protocol types carry a
// structured payload; the rest are free-form.
type MessageType string

const (
	TypeStatus     MessageType = "status"
	TypeQuestion   MessageType = "question"
	TypeResult     MessageType = "result"
	TypeError      MessageType = "error"
	TypeWorkerDone MessageType = "worker_done"
	TypeMergeReady MessageType = "merge_ready"
	TypeMerged     MessageType = "merged"
	TypeEscalation MessageType = "escalation"
)

// MessageTypes lists every valid message type.
var MessageTypes = []MessageType{
	TypeStatus, TypeQuestion, TypeResult, TypeError,
	TypeWorkerDone, TypeMergeReady, TypeMerged, TypeEscalation,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	for _, k := range MessageTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Protocol reports whether messages of this type carry a typed payload.
func (t MessageType) Protocol() bool {
	switch t {
	case TypeWorkerDone, TypeMergeReady, TypeMerged, TypeEscalation:
		return true
	}
	return false
}

// Priority orders delivery urgency.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh || p == PriorityUrgent
}

// Message is one mail row. Created by the sender; only the recipient (or its
// hook) mutates it, and never deletes it.
type Message struct {
	ID        string
	From      string
	To        string
	Subject   string
	Body      string
	Type      MessageType
	Priority  Priority
	Payload   []byte // CBOR-encoded protocol payload, nil for free-form types
	CreatedAt time.Time
	ReadAt    *time.Time // nil means unread
	// InjectedAt records hook delivery via `mail check --inject`. Injection
	// deliberately does not touch ReadAt; only an explicit read does.
	InjectedAt *time.Time
	InReplyTo  string
}

// Unread reports whether the message has not been explicitly read.
func (m *Message) Unread() bool {
	return m.ReadAt == nil
}
