package outbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joelkehle/agent-hub/internal/envelope"
)

func testReply() envelope.Envelope {
	return envelope.Envelope{
		ID:        "m2",
		Sender:    "agent://b",
		Recipient: "agent://a",
		Type:      envelope.TypeReply,
		InReplyTo: "m1",
		Payload:   map[string]any{"op": "pong"},
		CreatedAt: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		Version:   envelope.Version,
	}
}

func TestHTTPTransportDelivers(t *testing.T) {
	var got envelope.Envelope
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("missing content type")
		}
		if r.Header.Get("X-Envelope-ID") != "m2" {
			t.Errorf("missing envelope id header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, BaseBackoff: time.Millisecond})
	if err := tr.Submit(context.Background(), testReply()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", calls.Load())
	}
	if got.ID != "m2" || got.InReplyTo != "m1" || got.Payload["op"] != "pong" {
		t.Fatalf("unexpected delivered envelope: %+v", got)
	}
}

func TestHTTPTransportRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, MaxAttempts: 3, BaseBackoff: time.Millisecond})
	if err := tr.Submit(context.Background(), testReply()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestHTTPTransportDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, MaxAttempts: 5, BaseBackoff: time.Millisecond})
	if err := tr.Submit(context.Background(), testReply()); err == nil {
		t.Fatal("expected error on 4xx")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestHTTPTransportExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{URL: srv.URL, MaxAttempts: 2, BaseBackoff: time.Millisecond})
	if err := tr.Submit(context.Background(), testReply()); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}
