// Package worker holds the actions a dispatcher runs against claimed
// envelopes.
package worker

import (
	"context"

	"github.com/joelkehle/agent-hub/internal/envelope"
)

// Result is what an action produced for an envelope. The dispatcher hands it
// to the reply composer; a nil Result means the action consumed the envelope
// without replying.
type Result struct {
	Payload map[string]any
	// EnvelopeType overrides the reply type. Zero value means reply.
	EnvelopeType envelope.Type
}

// Action processes one claimed envelope. Returning an error marks the entry
// failed and schedules a retry, so actions should be idempotent. The context
// carries the per-envelope execution deadline.
type Action interface {
	Execute(ctx context.Context, env envelope.Envelope) (*Result, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, env envelope.Envelope) (*Result, error)

func (f ActionFunc) Execute(ctx context.Context, env envelope.Envelope) (*Result, error) {
	return f(ctx, env)
}
