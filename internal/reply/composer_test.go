package reply

import (
	"testing"
	"time"

	"github.com/joelkehle/agent-hub/internal/envelope"
	"github.com/joelkehle/agent-hub/internal/worker"
)

func newTestComposer(cfg Config) *Composer {
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	cfg.Clock = func() time.Time { return now }
	return NewComposer(cfg)
}

func original() envelope.Envelope {
	return envelope.Envelope{
		ID:        "m1",
		Sender:    "agent://a",
		Recipient: "agent://b",
		Type:      envelope.TypeCommand,
		Payload:   map[string]any{"op": "ping"},
		Context:   map[string]any{"thread": "t-1"},
		CreatedAt: time.Date(2026, 3, 9, 11, 0, 0, 0, time.UTC),
		Version:   envelope.Version,
	}
}

func TestComposeSwapsEndpoints(t *testing.T) {
	c := newTestComposer(Config{})
	out := c.Compose(original(), &worker.Result{Payload: map[string]any{"op": "pong"}})
	if out == nil {
		t.Fatal("expected a reply")
	}
	if out.Sender != "agent://b" || out.Recipient != "agent://a" {
		t.Fatalf("endpoints not swapped: %s -> %s", out.Sender, out.Recipient)
	}
	if out.InReplyTo != "m1" {
		t.Fatalf("in_reply_to must reference the original, got %q", out.InReplyTo)
	}
	if out.ID == "" || out.ID == "m1" {
		t.Fatalf("reply needs its own id, got %q", out.ID)
	}
	if out.Type != envelope.TypeReply {
		t.Fatalf("expected reply type, got %s", out.Type)
	}
	if out.Payload["op"] != "pong" {
		t.Fatalf("unexpected payload: %+v", out.Payload)
	}
	if thread, _ := out.Context["thread"].(string); thread != "t-1" {
		t.Fatalf("context not carried: %+v", out.Context)
	}
	if !out.CreatedAt.After(original().CreatedAt) {
		t.Fatalf("reply must postdate the original: %s", out.CreatedAt)
	}
}

func TestComposeNilResultMeansNoReply(t *testing.T) {
	c := newTestComposer(Config{})
	if out := c.Compose(original(), nil); out != nil {
		t.Fatalf("expected no reply, got %+v", out)
	}
	if out := c.Compose(original(), &worker.Result{}); out != nil {
		t.Fatalf("expected no reply for empty result, got %+v", out)
	}
}

func TestComposeSkipPolicy(t *testing.T) {
	c := newTestComposer(Config{})
	res := &worker.Result{Payload: map[string]any{"ok": true}}

	env := original()
	env.Type = envelope.TypeReply
	if out := c.Compose(env, res); out != nil {
		t.Fatalf("must not reply to a reply by default")
	}

	env = original()
	env.Type = envelope.TypeEvent
	if out := c.Compose(env, res); out != nil {
		t.Fatalf("must not reply to an event by default")
	}

	env = original()
	env.Sender = ""
	if out := c.Compose(env, res); out != nil {
		t.Fatalf("must not reply without a sender")
	}

	permissive := newTestComposer(Config{ReplyToReplies: true, ReplyToEvents: true})
	env = original()
	env.Type = envelope.TypeReply
	if out := permissive.Compose(env, res); out == nil {
		t.Fatal("expected reply when policy allows replying to replies")
	}
	env.Type = envelope.TypeEvent
	if out := permissive.Compose(env, res); out == nil {
		t.Fatal("expected reply when policy allows replying to events")
	}
}

func TestComposeCopiesContext(t *testing.T) {
	c := newTestComposer(Config{})
	env := original()
	out := c.Compose(env, &worker.Result{Payload: map[string]any{"op": "pong"}})
	if out == nil {
		t.Fatal("expected a reply")
	}

	env.Context["thread"] = "mutated"
	if out.Context["thread"] != "t-1" {
		t.Fatalf("reply context must not alias the original: %+v", out.Context)
	}
	out.Context["extra"] = true
	if _, ok := env.Context["extra"]; ok {
		t.Fatalf("original context must not see reply mutations: %+v", env.Context)
	}
}

func TestComposeResultTypeOverride(t *testing.T) {
	c := newTestComposer(Config{})
	out := c.Compose(original(), &worker.Result{
		Payload:      map[string]any{"notice": "done"},
		EnvelopeType: envelope.TypeEvent,
	})
	if out == nil || out.Type != envelope.TypeEvent {
		t.Fatalf("expected event reply, got %+v", out)
	}
}
