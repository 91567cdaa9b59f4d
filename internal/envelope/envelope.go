package envelope

import "time"

// Type tags the kind of message an envelope carries.
type Type string

const (
	TypePost    Type = "post"
	TypeFollow  Type = "follow"
	TypeCommand Type = "command"
	TypeEvent   Type = "event"
	TypeReply   Type = "reply"
)

// Version is the envelope schema version emitted by this process.
const Version = "v0.1"

// Envelope is the canonical immutable message unit exchanged between agents.
// Once persisted it is never edited in place; revisions are new envelopes.
type Envelope struct {
	ID        string         `json:"id"`
	Type      Type           `json:"envelope_type"`
	Sender    string         `json:"sender"`
	Recipient string         `json:"recipient"`
	Payload   map[string]any `json:"payload,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	InReplyTo string         `json:"in_reply_to,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Version   string         `json:"version"`
}

func knownType(t Type) bool {
	switch t {
	case TypePost, TypeFollow, TypeCommand, TypeEvent, TypeReply:
		return true
	default:
		return false
	}
}
