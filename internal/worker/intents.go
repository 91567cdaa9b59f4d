package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/joelkehle/agent-hub/internal/envelope"
	hubotel "github.com/joelkehle/agent-hub/internal/otel"
)

// Handler processes one intent. A nil result payload means no reply.
type Handler func(ctx context.Context, env envelope.Envelope) (map[string]any, error)

// IntentMux routes command envelopes to registered intent handlers. It is the
// default dispatcher action: the intent name comes from payload["intent"],
// falling back to payload["op"]. Envelopes without an intent are consumed
// silently; unknown intents get an error reply so the sender learns the name
// was wrong.
type IntentMux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *log.Logger
}

func NewIntentMux() *IntentMux {
	m := &IntentMux{
		handlers: map[string]Handler{},
		logger:   log.New(os.Stdout, "agent-hub worker ", log.LstdFlags),
	}
	m.Register("ping", handlePing)
	m.Register("echo", handleEcho)
	m.Register("help", m.handleHelp)
	m.Register("list-intents", m.handleHelp)
	m.Register("summarize", handleSummarize)
	return m
}

func (m *IntentMux) Register(name string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = h
}

// Intents returns the registered intent names, sorted.
func (m *IntentMux) Intents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func intentOf(env envelope.Envelope) string {
	if env.Payload == nil {
		return ""
	}
	if name, ok := env.Payload["intent"].(string); ok && name != "" {
		return name
	}
	if name, ok := env.Payload["op"].(string); ok && name != "" {
		return name
	}
	return ""
}

func (m *IntentMux) Execute(ctx context.Context, env envelope.Envelope) (*Result, error) {
	name := intentOf(env)
	if name == "" {
		m.logger.Printf("envelope %s has no intent, skipping", env.ID)
		return nil, nil
	}
	_, span := hubotel.Tracer().Start(ctx, "worker.Intent")
	span.SetAttributes(hubotel.AttrEnvelopeID.String(env.ID), hubotel.AttrIntent.String(name))
	defer span.End()

	m.mu.RLock()
	h, ok := m.handlers[name]
	m.mu.RUnlock()
	if !ok {
		m.logger.Printf("envelope %s: unknown intent %q from %s", env.ID, name, env.Sender)
		return &Result{Payload: map[string]any{"error": "unknown intent"}}, nil
	}

	payload, err := h(ctx, env)
	if err != nil {
		// Handler failures are reported to the sender, not retried: the
		// intent ran and a retry would run it again.
		m.logger.Printf("envelope %s: intent %q failed: %v", env.ID, name, err)
		return &Result{Payload: map[string]any{"error": err.Error()}}, nil
	}
	if payload == nil {
		return nil, nil
	}
	return &Result{Payload: payload}, nil
}

func handlePing(_ context.Context, _ envelope.Envelope) (map[string]any, error) {
	return map[string]any{"op": "pong", "pong": true}, nil
}

// payloadText extracts a best-effort text view of the payload: the "text"
// field when it is a string, otherwise the payload serialized as JSON.
func payloadText(env envelope.Envelope) string {
	if env.Payload == nil {
		return ""
	}
	if text, ok := env.Payload["text"].(string); ok {
		return text
	}
	blob, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Sprintf("%v", env.Payload)
	}
	return string(blob)
}

func handleEcho(_ context.Context, env envelope.Envelope) (map[string]any, error) {
	return map[string]any{"echo": payloadText(env)}, nil
}

func (m *IntentMux) handleHelp(_ context.Context, _ envelope.Envelope) (map[string]any, error) {
	return map[string]any{"intents": m.Intents()}, nil
}

const summaryMaxRunes = 100

func handleSummarize(_ context.Context, env envelope.Envelope) (map[string]any, error) {
	return map[string]any{"summary": shorten(payloadText(env), summaryMaxRunes)}, nil
}

func shorten(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
