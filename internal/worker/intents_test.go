package worker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/joelkehle/agent-hub/internal/envelope"
)

func commandEnvelope(payload map[string]any) envelope.Envelope {
	return envelope.Envelope{
		ID:        "env-1",
		Sender:    "agent://a",
		Recipient: "agent://b",
		Type:      envelope.TypeCommand,
		Payload:   payload,
	}
}

func TestPingIntent(t *testing.T) {
	m := NewIntentMux()
	res, err := m.Execute(context.Background(), commandEnvelope(map[string]any{"intent": "ping"}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res == nil {
		t.Fatal("expected a reply result")
	}
	if res.Payload["op"] != "pong" || res.Payload["pong"] != true {
		t.Fatalf("unexpected ping payload: %+v", res.Payload)
	}
}

func TestOpFieldFallback(t *testing.T) {
	m := NewIntentMux()
	res, err := m.Execute(context.Background(), commandEnvelope(map[string]any{"op": "ping"}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res == nil || res.Payload["op"] != "pong" {
		t.Fatalf("expected pong via op field, got %+v", res)
	}
}

func TestEchoIntent(t *testing.T) {
	m := NewIntentMux()

	res, err := m.Execute(context.Background(), commandEnvelope(map[string]any{"intent": "echo", "text": "hello"}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Payload["echo"] != "hello" {
		t.Fatalf("unexpected echo: %+v", res.Payload)
	}

	// Without a text field the whole payload is echoed as JSON.
	res, err = m.Execute(context.Background(), commandEnvelope(map[string]any{"intent": "echo", "n": float64(1)}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	echoed, _ := res.Payload["echo"].(string)
	if !strings.Contains(echoed, `"n":1`) {
		t.Fatalf("unexpected echo: %q", echoed)
	}
}

func TestHelpListsIntents(t *testing.T) {
	m := NewIntentMux()
	for _, name := range []string{"help", "list-intents"} {
		res, err := m.Execute(context.Background(), commandEnvelope(map[string]any{"intent": name}))
		if err != nil {
			t.Fatalf("%s: execute: %v", name, err)
		}
		intents, ok := res.Payload["intents"].([]string)
		if !ok {
			t.Fatalf("%s: unexpected payload: %+v", name, res.Payload)
		}
		want := []string{"echo", "help", "list-intents", "ping", "summarize"}
		if len(intents) != len(want) {
			t.Fatalf("%s: expected %v, got %v", name, want, intents)
		}
		for i := range want {
			if intents[i] != want[i] {
				t.Fatalf("%s: expected %v, got %v", name, want, intents)
			}
		}
	}
}

func TestSummarizeTruncates(t *testing.T) {
	m := NewIntentMux()
	long := strings.Repeat("abcdefghij", 30)
	res, err := m.Execute(context.Background(), commandEnvelope(map[string]any{"intent": "summarize", "text": long}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	summary, _ := res.Payload["summary"].(string)
	if len([]rune(summary)) != summaryMaxRunes {
		t.Fatalf("expected %d runes, got %d", summaryMaxRunes, len([]rune(summary)))
	}
	if !strings.HasSuffix(summary, "…") {
		t.Fatalf("expected ellipsis, got %q", summary)
	}

	res, err = m.Execute(context.Background(), commandEnvelope(map[string]any{"intent": "summarize", "text": "short"}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Payload["summary"] != "short" {
		t.Fatalf("short text must pass through: %+v", res.Payload)
	}
}

func TestUnknownIntentGetsErrorReply(t *testing.T) {
	m := NewIntentMux()
	res, err := m.Execute(context.Background(), commandEnvelope(map[string]any{"intent": "teleport"}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res == nil || res.Payload["error"] != "unknown intent" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestMissingIntentSkipsReply(t *testing.T) {
	m := NewIntentMux()
	for _, payload := range []map[string]any{nil, {}, {"text": "no intent here"}, {"intent": 42}} {
		res, err := m.Execute(context.Background(), commandEnvelope(payload))
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if res != nil {
			t.Fatalf("expected no reply for payload %+v, got %+v", payload, res)
		}
	}
}

func TestHandlerErrorBecomesErrorReply(t *testing.T) {
	m := NewIntentMux()
	m.Register("explode", func(context.Context, envelope.Envelope) (map[string]any, error) {
		return nil, errors.New("kaboom")
	})
	res, err := m.Execute(context.Background(), commandEnvelope(map[string]any{"intent": "explode"}))
	if err != nil {
		t.Fatalf("execute must not propagate handler errors: %v", err)
	}
	if res == nil || res.Payload["error"] != "kaboom" {
		t.Fatalf("unexpected result: %+v", res)
	}
}
