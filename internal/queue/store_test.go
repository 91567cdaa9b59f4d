package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joelkehle/agent-hub/internal/envelope"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	store := NewStore(Config{
		MaxAttempts:    2,
		LeaseTimeout:   30 * time.Second,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  10 * time.Second,
		Clock: func() time.Time {
			return now
		},
	})
	return store, &now
}

func testEnvelope(id, sender, recipient string, createdAt time.Time) envelope.Envelope {
	return envelope.Envelope{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Type:      envelope.TypeCommand,
		Payload:   map[string]any{"intent": "ping"},
		CreatedAt: createdAt,
		Version:   envelope.Version,
	}
}

func TestEnqueueDuplicateRejected(t *testing.T) {
	s, now := newTestStore(t)
	env := testEnvelope("env-1", "alice", "bob", *now)

	if _, err := s.Enqueue(env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, err := s.Enqueue(env)
	if !IsDuplicate(err) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	st := s.Stats()
	if st.Pending != 1 {
		t.Fatalf("expected 1 pending entry, got %d", st.Pending)
	}
}

func TestClaimOrderIsCreatedAtFIFO(t *testing.T) {
	s, now := newTestStore(t)

	// Enqueued out of creation order; claim order must follow created_at.
	if _, err := s.Enqueue(testEnvelope("late", "alice", "bob", now.Add(2*time.Second))); err != nil {
		t.Fatalf("enqueue late: %v", err)
	}
	if _, err := s.Enqueue(testEnvelope("early", "alice", "bob", now.Add(-5*time.Second))); err != nil {
		t.Fatalf("enqueue early: %v", err)
	}
	if _, err := s.Enqueue(testEnvelope("mid", "carol", "bob", *now)); err != nil {
		t.Fatalf("enqueue mid: %v", err)
	}
	*now = now.Add(5 * time.Second)

	want := []string{"early", "mid", "late"}
	for i, id := range want {
		e, err := s.ClaimNext("w1", ClaimFilter{})
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if e == nil || e.ID() != id {
			t.Fatalf("claim %d: expected %s, got %+v", i, id, e)
		}
	}
	e, err := s.ClaimNext("w1", ClaimFilter{})
	if err != nil {
		t.Fatalf("claim empty: %v", err)
	}
	if e != nil {
		t.Fatalf("expected nil entry on empty queue, got %s", e.ID())
	}
}

func TestClaimFilterByRecipient(t *testing.T) {
	s, now := newTestStore(t)
	if _, err := s.Enqueue(testEnvelope("for-bob", "alice", "bob", now.Add(-2*time.Second))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Enqueue(testEnvelope("for-carol", "alice", "carol", now.Add(-time.Second))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e, err := s.ClaimNext("w1", ClaimFilter{Recipient: "carol"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if e == nil || e.ID() != "for-carol" {
		t.Fatalf("expected for-carol, got %+v", e)
	}
}

func TestFailureBackoffThenDead(t *testing.T) {
	s, now := newTestStore(t)
	if _, err := s.Enqueue(testEnvelope("env-1", "alice", "bob", *now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// MaxAttempts is 2: two failing attempts retry, the third goes dead.
	for attempt := 1; attempt <= 2; attempt++ {
		e, err := s.ClaimNext("w1", ClaimFilter{})
		if err != nil || e == nil {
			t.Fatalf("claim attempt %d: %+v %v", attempt, e, err)
		}
		if e.AttemptCount != attempt {
			t.Fatalf("attempt %d: expected attempt_count %d, got %d", attempt, attempt, e.AttemptCount)
		}
		if err := s.MarkProcessing("env-1", "w1"); err != nil {
			t.Fatalf("mark processing: %v", err)
		}
		if err := s.MarkFailed("env-1", "w1", "boom"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}

		got, err := s.Get("env-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != StateFailed {
			t.Fatalf("attempt %d: expected failed, got %s", attempt, got.State)
		}
		// Not claimable until the backoff window has elapsed.
		if e, err := s.ClaimNext("w1", ClaimFilter{}); err != nil || e != nil {
			t.Fatalf("expected no claimable entry during backoff, got %+v %v", e, err)
		}
		*now = now.Add(got.NotBefore.Sub(*now) + time.Millisecond)
	}

	e, err := s.ClaimNext("w1", ClaimFilter{})
	if err != nil || e == nil {
		t.Fatalf("final claim: %+v %v", e, err)
	}
	if e.AttemptCount != 3 {
		t.Fatalf("expected attempt_count 3, got %d", e.AttemptCount)
	}
	if err := s.MarkProcessing("env-1", "w1"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := s.MarkFailed("env-1", "w1", "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, err := s.Get("env-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateDead {
		t.Fatalf("expected dead, got %s", got.State)
	}
	if got.LastError != "boom" {
		t.Fatalf("expected last_error boom, got %q", got.LastError)
	}
	if len(s.ListDead()) != 1 {
		t.Fatalf("expected 1 dead entry")
	}
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	s, _ := newTestStore(t)
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{10, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, c := range cases {
		if got := s.retryDelay(c.attempts); got != c.want {
			t.Fatalf("retryDelay(%d) = %s, want %s", c.attempts, got, c.want)
		}
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	s, now := newTestStore(t)
	if _, err := s.Enqueue(testEnvelope("env-1", "alice", "bob", *now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := s.ClaimNext("w1", ClaimFilter{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkProcessing("env-1", "w1"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	// Lease still live: nothing to reclaim.
	if n, err := s.ReclaimExpired(); err != nil || n != 0 {
		t.Fatalf("expected 0 reclaimed, got %d %v", n, err)
	}

	*now = now.Add(31 * time.Second)
	n, err := s.ReclaimExpired()
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}

	// A different worker can pick it up.
	e, err := s.ClaimNext("w2", ClaimFilter{})
	if err != nil || e == nil {
		t.Fatalf("claim after reclaim: %+v %v", e, err)
	}
	if e.ClaimedBy != "w2" {
		t.Fatalf("expected owner w2, got %s", e.ClaimedBy)
	}

	// The original worker finishing late must be rejected.
	err = s.MarkDone("env-1", "w1")
	if !IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition for stale worker, got %v", err)
	}
}

func TestReclaimExhaustedGoesDead(t *testing.T) {
	s, now := newTestStore(t)
	if _, err := s.Enqueue(testEnvelope("env-1", "alice", "bob", *now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Burn through the attempt budget with crashes (claims that never report).
	for i := 0; i < 3; i++ {
		if e, err := s.ClaimNext("w1", ClaimFilter{}); err != nil || e == nil {
			t.Fatalf("claim %d: %+v %v", i, e, err)
		}
		*now = now.Add(31 * time.Second)
		if _, err := s.ReclaimExpired(); err != nil {
			t.Fatalf("reclaim %d: %v", i, err)
		}
	}

	got, err := s.Get("env-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateDead {
		t.Fatalf("expected dead after exhausted reclaims, got %s", got.State)
	}
}

func TestPerRecipientInFlightCap(t *testing.T) {
	now := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	s := NewStore(Config{
		PerRecipientInFlight: 1,
		Clock:                func() time.Time { return now },
	})
	if _, err := s.Enqueue(testEnvelope("b1", "alice", "bob", now.Add(-2*time.Second))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Enqueue(testEnvelope("b2", "alice", "bob", now.Add(-time.Second))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Enqueue(testEnvelope("c1", "alice", "carol", now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e1, err := s.ClaimNext("w1", ClaimFilter{})
	if err != nil || e1 == nil || e1.ID() != "b1" {
		t.Fatalf("first claim: %+v %v", e1, err)
	}
	// bob already has one in flight, so the next claim skips to carol.
	e2, err := s.ClaimNext("w2", ClaimFilter{})
	if err != nil || e2 == nil || e2.ID() != "c1" {
		t.Fatalf("second claim: %+v %v", e2, err)
	}
	e3, err := s.ClaimNext("w3", ClaimFilter{})
	if err != nil {
		t.Fatalf("third claim: %v", err)
	}
	if e3 != nil {
		t.Fatalf("expected third claim to be starved, got %s", e3.ID())
	}
}

func TestReplyEdgeMustPointBackward(t *testing.T) {
	s, now := newTestStore(t)
	parent := testEnvelope("parent", "alice", "bob", now.Add(time.Hour))
	if _, err := s.Enqueue(parent); err != nil {
		t.Fatalf("enqueue parent: %v", err)
	}

	reply := testEnvelope("reply", "bob", "alice", *now)
	reply.Type = envelope.TypeReply
	reply.InReplyTo = "parent"
	_, err := s.Enqueue(reply)
	if err == nil {
		t.Fatalf("expected rejection for forward-pointing reply edge")
	}

	// A dangling parent is fine: delivery may be out of order.
	reply.ID = "reply-2"
	reply.InReplyTo = "never-seen"
	if _, err := s.Enqueue(reply); err != nil {
		t.Fatalf("enqueue dangling reply: %v", err)
	}
}

func TestResubmitDeadEntry(t *testing.T) {
	s, now := newTestStore(t)
	if _, err := s.Enqueue(testEnvelope("env-1", "alice", "bob", *now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Live entries cannot be resubmitted.
	if _, err := s.Resubmit("env-1"); !IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.ClaimNext("w1", ClaimFilter{}); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := s.MarkProcessing("env-1", "w1"); err != nil {
			t.Fatalf("mark processing: %v", err)
		}
		if err := s.MarkFailed("env-1", "w1", "boom"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		*now = now.Add(time.Minute)
	}

	fresh, err := s.Resubmit("env-1")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if fresh.ID() == "env-1" {
		t.Fatalf("resubmitted entry must carry a new id")
	}
	if fresh.State != StatePending || fresh.AttemptCount != 0 {
		t.Fatalf("expected fresh pending entry, got %s attempts=%d", fresh.State, fresh.AttemptCount)
	}
	if from, _ := fresh.Envelope.Context["resubmitted_from"].(string); from != "env-1" {
		t.Fatalf("expected resubmitted_from=env-1, got %v", fresh.Envelope.Context["resubmitted_from"])
	}

	// The dead original is retained unmodified.
	dead, err := s.Get("env-1")
	if err != nil {
		t.Fatalf("get dead: %v", err)
	}
	if dead.State != StateDead {
		t.Fatalf("expected original to stay dead, got %s", dead.State)
	}
}

func TestDeadLetters(t *testing.T) {
	s, _ := newTestStore(t)
	dl := s.RecordDeadLetter([]byte(`{"broken": true`), "parse error")
	if dl.ID == "" || dl.Reason != "parse error" {
		t.Fatalf("unexpected dead letter: %+v", dl)
	}

	got := s.ListDeadLetters()
	if len(got) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(got))
	}
	if string(got[0].RawPayload) != `{"broken": true` {
		t.Fatalf("raw payload must be retained byte for byte, got %q", got[0].RawPayload)
	}
	if s.Stats().DeadLetters != 1 {
		t.Fatalf("expected dead letter counted in stats")
	}
}

func TestObserveSince(t *testing.T) {
	s, now := newTestStore(t)
	if _, err := s.Enqueue(testEnvelope("env-1", "alice", "bob", *now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	events, cursor := s.ObserveSince(0, 0)
	if len(events) != 1 || events[0].Type != ObserveEnqueued {
		t.Fatalf("expected one enqueued event, got %+v", events)
	}

	if _, err := s.ClaimNext("w1", ClaimFilter{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	events, next := s.ObserveSince(cursor, 0)
	if len(events) != 1 || events[0].Type != ObserveStateChange {
		t.Fatalf("expected one state_change event, got %+v", events)
	}
	if next <= cursor {
		t.Fatalf("cursor must advance, got %d after %d", next, cursor)
	}

	if events, _ := s.ObserveSince(next, 0); len(events) != 0 {
		t.Fatalf("expected no new events, got %+v", events)
	}
}

func TestConcurrentClaimSingleOwner(t *testing.T) {
	s := NewStore(Config{})
	const entries = 50
	base := time.Now().UTC()
	for i := 0; i < entries; i++ {
		env := testEnvelope(fmt.Sprintf("env-%d", i), "alice", "bob", base.Add(time.Duration(i)*time.Millisecond))
		if _, err := s.Enqueue(env); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	var claimed atomic.Int64
	var wg sync.WaitGroup
	seen := sync.Map{}
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				e, err := s.ClaimNext(workerID, ClaimFilter{})
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if e == nil {
					return
				}
				if _, dup := seen.LoadOrStore(e.ID(), workerID); dup {
					t.Errorf("entry %s claimed twice", e.ID())
					return
				}
				claimed.Add(1)
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	if claimed.Load() != entries {
		t.Fatalf("expected %d claims, got %d", entries, claimed.Load())
	}
}
