package queue

import (
	"testing"
	"time"

	"github.com/joelkehle/agent-hub/internal/envelope"
)

func FuzzEnqueueClaimDoesNotPanic(f *testing.F) {
	f.Add("env-1", "alice", "bob", "command", "")
	f.Add("", "alice", "bob", "command", "")
	f.Add("env-2", "", "", "reply", "env-1")
	f.Add("env-3", "alice", "bob", "unknown", "never-seen")
	f.Add("env-4", "alice", "alice", "event", "env-4")

	f.Fuzz(func(t *testing.T, id, sender, recipient, typ, inReplyTo string) {
		s, _ := newTestStore(t)

		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("queue op panicked: %v", r)
			}
		}()

		env := envelope.Envelope{
			ID:        id,
			Sender:    sender,
			Recipient: recipient,
			Type:      envelope.Type(typ),
			InReplyTo: inReplyTo,
			CreatedAt: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		}
		if _, err := s.Enqueue(env); err != nil {
			return
		}
		e, err := s.ClaimNext("w1", ClaimFilter{Recipient: recipient})
		if err != nil || e == nil {
			return
		}
		_ = s.MarkProcessing(e.ID(), "w1")
		_ = s.MarkDone(e.ID(), "w1")
	})
}
