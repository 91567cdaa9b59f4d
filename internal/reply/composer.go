// Package reply turns worker results into outbound reply envelopes.
package reply

import (
	"time"

	"github.com/google/uuid"

	"github.com/joelkehle/agent-hub/internal/envelope"
	"github.com/joelkehle/agent-hub/internal/worker"
)

type Config struct {
	// ReplyToReplies permits composing a reply to a reply-type envelope.
	// Off by default: two hubs answering each other's answers would loop
	// until an attempt budget somewhere ran out.
	ReplyToReplies bool
	// ReplyToEvents permits replying to event-type envelopes. Events are
	// broadcasts; answering one is usually a mistake.
	ReplyToEvents bool
	Clock         func() time.Time
}

// Composer builds the reply envelope for a processed original. Compose
// returns nil when policy says no reply goes out; the dispatcher treats
// that the same as an action returning no result.
type Composer struct {
	cfg Config
}

func NewComposer(cfg Config) *Composer {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Composer{cfg: cfg}
}

func (c *Composer) Compose(original envelope.Envelope, result *worker.Result) *envelope.Envelope {
	if result == nil || result.Payload == nil {
		return nil
	}
	if !c.shouldReply(original) {
		return nil
	}

	replyType := envelope.TypeReply
	if result.EnvelopeType != "" {
		replyType = result.EnvelopeType
	}
	// The carried context is copied, not shared: the reply must not observe
	// later mutations of the original and vice versa.
	var carried map[string]any
	if original.Context != nil {
		carried = make(map[string]any, len(original.Context))
		for k, v := range original.Context {
			carried[k] = v
		}
	}
	out := envelope.Envelope{
		ID:        uuid.NewString(),
		Sender:    original.Recipient,
		Recipient: original.Sender,
		Type:      replyType,
		Payload:   result.Payload,
		Context:   carried,
		InReplyTo: original.ID,
		CreatedAt: c.cfg.Clock().UTC(),
		Version:   envelope.Version,
	}
	return &out
}

func (c *Composer) shouldReply(original envelope.Envelope) bool {
	// No sender means nowhere to deliver.
	if original.Sender == "" {
		return false
	}
	switch original.Type {
	case envelope.TypeReply:
		return c.cfg.ReplyToReplies
	case envelope.TypeEvent:
		return c.cfg.ReplyToEvents
	default:
		return true
	}
}
