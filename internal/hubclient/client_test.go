package hubclient

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/joelkehle/agent-hub/internal/envelope"
	"github.com/joelkehle/agent-hub/internal/httpapi"
	"github.com/joelkehle/agent-hub/internal/intake"
	"github.com/joelkehle/agent-hub/internal/queue"
)

func newTestHub(t *testing.T, secret string) *Client {
	t.Helper()
	now := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := queue.NewStore(queue.Config{Clock: clock})
	validator := envelope.NewValidator(envelope.Config{Clock: clock})
	h := httpapi.NewServer(httpapi.Config{SharedSecret: secret, Clock: clock}, store, intake.New(validator, store))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, secret)
}

func TestClientIngestAndInspect(t *testing.T) {
	c := newTestHub(t, "s3cret")
	ctx := context.Background()

	res, err := c.Ingest(ctx, []byte(`{"id":"m1","sender":"agent://a","recipient":"agent://b","envelope_type":"command","payload":{"op":"ping"}}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !res.OK || res.Disposition != "enqueued" || res.EnvelopeID != "m1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	entry, err := c.Entry(ctx, "m1")
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if entry.State != queue.StatePending || entry.Envelope.Recipient != "agent://b" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestClientIngestRejection(t *testing.T) {
	c := newTestHub(t, "")
	ctx := context.Background()

	res, err := c.Ingest(ctx, []byte(`{"sender":"only"}`))
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if res.Disposition != "dead_letter" || res.DeadLetterID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	letters, err := c.ListDeadLetters(ctx)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].ID != res.DeadLetterID {
		t.Fatalf("unexpected dead letters: %+v", letters)
	}
}

func TestClientSignatureMismatch(t *testing.T) {
	hub := newTestHub(t, "right-secret")
	wrong := NewClient(hub.baseURL, "wrong-secret")

	_, err := wrong.Ingest(context.Background(), []byte(`{"id":"m1","sender":"a","recipient":"b","envelope_type":"post"}`))
	if err == nil {
		t.Fatal("expected signature rejection")
	}
}
