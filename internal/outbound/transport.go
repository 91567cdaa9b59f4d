// Package outbound hands finished envelopes to the delivery substrate. The
// hub does not run its own mail transfer: it injects into a local MTA over
// SMTP, or posts to a webhook for HTTP-native recipients.
package outbound

import (
	"context"

	"github.com/joelkehle/agent-hub/internal/envelope"
)

// Transport submits one envelope for delivery. Submit returning nil means the
// substrate accepted responsibility for the envelope, not that the recipient
// has it.
type Transport interface {
	Submit(ctx context.Context, env envelope.Envelope) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, env envelope.Envelope) error

func (f TransportFunc) Submit(ctx context.Context, env envelope.Envelope) error {
	return f(ctx, env)
}

// Discard drops every envelope. Useful for drain-only deployments and tests.
var Discard Transport = TransportFunc(func(context.Context, envelope.Envelope) error {
	return nil
})
