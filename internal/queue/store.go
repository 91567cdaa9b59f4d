package queue

import (
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joelkehle/agent-hub/internal/envelope"
)

// Store is the in-memory queue store. It is the reference implementation of
// the API contract; the SQLite backend wraps it with write-through
// persistence.
type Store struct {
	mu sync.Mutex

	cfg Config

	nextSeq       int64
	nextObserveID int64

	entries map[string]*QueueEntry

	deadLetters   []DeadLetter
	observeEvents []ObserveEvent

	logger *log.Logger
}

func NewStore(cfg Config) *Store {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 60 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	if cfg.MaxObserveEvents <= 0 {
		cfg.MaxObserveEvents = 50000
	}
	if cfg.MaxDeadLetters <= 0 {
		cfg.MaxDeadLetters = 10000
	}
	if cfg.ObserveWaitMax <= 0 {
		cfg.ObserveWaitMax = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Store{
		cfg:     cfg,
		entries: map[string]*QueueEntry{},
		logger:  log.New(os.Stdout, "agent-hub queue ", log.LstdFlags),
	}
}

func (s *Store) now() time.Time {
	return s.cfg.Clock().UTC()
}

func (s *Store) publishLocked(eventType EventType, data map[string]any, at time.Time) {
	s.nextObserveID++
	s.observeEvents = append(s.observeEvents, ObserveEvent{
		ID:   s.nextObserveID,
		Type: eventType,
		At:   at,
		Data: data,
	})
	if max := s.cfg.MaxObserveEvents; len(s.observeEvents) > max {
		drop := len(s.observeEvents) - max
		s.observeEvents = append([]ObserveEvent{}, s.observeEvents[drop:]...)
	}
}

func (s *Store) transitionLocked(e *QueueEntry, to EntryState, now time.Time, extra map[string]any) {
	from := e.State
	e.State = to
	data := map[string]any{
		"envelope_id": e.Envelope.ID,
		"from_state":  from,
		"to_state":    to,
		"attempts":    e.AttemptCount,
		"at":          now,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.publishLocked(ObserveStateChange, data, now)
}

// sweepLocked releases failed entries whose retry backoff has elapsed back to
// pending. Lease expiry is handled by the explicit ReclaimExpired operation.
func (s *Store) sweepLocked(now time.Time) {
	for _, e := range s.entries {
		if e.State == StateFailed && !now.Before(e.NotBefore) {
			s.transitionLocked(e, StatePending, now, nil)
		}
	}
}

func (s *Store) retryDelay(attempts int) time.Duration {
	d := s.cfg.RetryBaseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.RetryMaxDelay {
			return s.cfg.RetryMaxDelay
		}
	}
	return d
}

func (s *Store) Enqueue(env envelope.Envelope) (*QueueEntry, error) {
	now := s.now()
	if env.ID == "" {
		return nil, newError(CodeValidation, "envelope id is required", false)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	if _, ok := s.entries[env.ID]; ok {
		return nil, newError(CodeDuplicate, "envelope "+env.ID+" already enqueued", false)
	}
	// A reply always references a strictly earlier envelope. Reject edges
	// that would point forward in time; a missing parent is allowed since
	// the transport may deliver out of order.
	if env.InReplyTo != "" {
		if parent, ok := s.entries[env.InReplyTo]; ok {
			if parent.Envelope.CreatedAt.After(env.CreatedAt) {
				return nil, newError(CodeValidation, "in_reply_to references an envelope created after the reply", false)
			}
		}
	}

	s.nextSeq++
	e := &QueueEntry{
		Envelope:   env,
		State:      StatePending,
		EnqueuedAt: now,
		Seq:        s.nextSeq,
	}
	s.entries[env.ID] = e
	s.publishLocked(ObserveEnqueued, map[string]any{
		"envelope_id": env.ID,
		"recipient":   env.Recipient,
		"type":        env.Type,
		"at":          now,
	}, now)

	cp := *e
	return &cp, nil
}

func (s *Store) Get(id string) (*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, newError(CodeNotFound, "entry "+id+" not found", false)
	}
	cp := *e
	return &cp, nil
}

func (s *Store) inFlightByRecipientLocked() map[string]int {
	counts := map[string]int{}
	for _, e := range s.entries {
		if e.State == StateClaimed || e.State == StateProcessing {
			counts[e.Envelope.Recipient]++
		}
	}
	return counts
}

func (s *Store) ClaimNext(workerID string, filter ClaimFilter) (*QueueEntry, error) {
	now := s.now()
	if workerID == "" {
		return nil, newError(CodeValidation, "worker id is required", false)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	var inFlight map[string]int
	if s.cfg.PerRecipientInFlight > 0 {
		inFlight = s.inFlightByRecipientLocked()
	}

	var best *QueueEntry
	for _, e := range s.entries {
		if e.State != StatePending {
			continue
		}
		if now.Before(e.NotBefore) {
			continue
		}
		if filter.Recipient != "" && e.Envelope.Recipient != filter.Recipient {
			continue
		}
		if inFlight != nil && inFlight[e.Envelope.Recipient] >= s.cfg.PerRecipientInFlight {
			continue
		}
		if best == nil || olderThan(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}

	best.AttemptCount++
	best.ClaimedBy = workerID
	best.ClaimedAt = now
	best.LeaseExpiresAt = now.Add(s.cfg.LeaseTimeout)
	s.transitionLocked(best, StateClaimed, now, map[string]any{"claimed_by": workerID})

	cp := *best
	return &cp, nil
}

// olderThan orders by envelope created_at (FIFO per recipient), breaking
// ties by enqueue sequence.
func olderThan(a, b *QueueEntry) bool {
	if a.Envelope.CreatedAt.Equal(b.Envelope.CreatedAt) {
		return a.Seq < b.Seq
	}
	return a.Envelope.CreatedAt.Before(b.Envelope.CreatedAt)
}

func (s *Store) ownedEntryLocked(id, workerID string, want EntryState) (*QueueEntry, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, newError(CodeNotFound, "entry "+id+" not found", false)
	}
	if e.State != want {
		return nil, newError(CodeInvalidTransition, fmt.Sprintf("entry %s is %s, expected %s", id, e.State, want), false)
	}
	if e.ClaimedBy != workerID {
		return nil, newError(CodeInvalidTransition, fmt.Sprintf("entry %s is owned by %s, not %s", id, e.ClaimedBy, workerID), false)
	}
	return e, nil
}

func (s *Store) MarkProcessing(id, workerID string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.ownedEntryLocked(id, workerID, StateClaimed)
	if err != nil {
		return err
	}
	e.LeaseExpiresAt = now.Add(s.cfg.LeaseTimeout)
	s.transitionLocked(e, StateProcessing, now, nil)
	return nil
}

func (s *Store) MarkDone(id, workerID string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.ownedEntryLocked(id, workerID, StateProcessing)
	if err != nil {
		return err
	}
	e.ClaimedBy = ""
	e.ClaimedAt = time.Time{}
	e.LeaseExpiresAt = time.Time{}
	e.LastError = ""
	s.transitionLocked(e, StateDone, now, nil)
	return nil
}

func (s *Store) MarkFailed(id, workerID, reason string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.ownedEntryLocked(id, workerID, StateProcessing)
	if err != nil {
		return err
	}
	e.ClaimedBy = ""
	e.ClaimedAt = time.Time{}
	e.LeaseExpiresAt = time.Time{}
	e.LastError = reason

	if e.AttemptCount > s.cfg.MaxAttempts {
		s.transitionLocked(e, StateDead, now, map[string]any{"error": reason})
		s.logger.Printf("entry %s dead after %d attempts: %s", id, e.AttemptCount, reason)
		return nil
	}
	e.NotBefore = now.Add(s.retryDelay(e.AttemptCount))
	s.transitionLocked(e, StateFailed, now, map[string]any{"error": reason, "not_before": e.NotBefore})
	return nil
}

func (s *Store) ExtendLease(id, workerID string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return newError(CodeNotFound, "entry "+id+" not found", false)
	}
	if e.State != StateClaimed && e.State != StateProcessing {
		return newError(CodeInvalidTransition, fmt.Sprintf("entry %s is %s, lease not extendable", id, e.State), false)
	}
	if e.ClaimedBy != workerID {
		return newError(CodeInvalidTransition, fmt.Sprintf("entry %s is owned by %s, not %s", id, e.ClaimedBy, workerID), false)
	}
	e.LeaseExpiresAt = now.Add(s.cfg.LeaseTimeout)
	return nil
}

func (s *Store) ReclaimExpired() (int, error) {
	ids, err := s.reclaimExpiredIDs()
	return len(ids), err
}

func (s *Store) reclaimExpiredIDs() ([]string, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed []string
	for _, e := range s.entries {
		if e.State != StateClaimed && e.State != StateProcessing {
			continue
		}
		if now.Before(e.LeaseExpiresAt) {
			continue
		}
		owner := e.ClaimedBy
		e.ClaimedBy = ""
		e.ClaimedAt = time.Time{}
		e.LeaseExpiresAt = time.Time{}
		reclaimed = append(reclaimed, e.Envelope.ID)

		if e.AttemptCount > s.cfg.MaxAttempts {
			e.LastError = "lease expired after max attempts"
			s.transitionLocked(e, StateDead, now, map[string]any{"lost_owner": owner})
			continue
		}
		s.transitionLocked(e, StatePending, now, map[string]any{"lost_owner": owner})
		s.publishLocked(ObserveReclaimed, map[string]any{
			"envelope_id": e.Envelope.ID,
			"lost_owner":  owner,
			"at":          now,
		}, now)
	}
	return reclaimed, nil
}

func (s *Store) Resubmit(id string) (*QueueEntry, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	dead, ok := s.entries[id]
	if !ok {
		return nil, newError(CodeNotFound, "entry "+id+" not found", false)
	}
	if dead.State != StateDead {
		return nil, newError(CodeInvalidTransition, fmt.Sprintf("entry %s is %s, only dead entries can be resubmitted", id, dead.State), false)
	}

	env := dead.Envelope
	env.ID = uuid.NewString()
	env.CreatedAt = now
	if env.Context == nil {
		env.Context = map[string]any{}
	} else {
		ctx := make(map[string]any, len(env.Context)+1)
		for k, v := range dead.Envelope.Context {
			ctx[k] = v
		}
		env.Context = ctx
	}
	env.Context["resubmitted_from"] = id

	s.nextSeq++
	e := &QueueEntry{
		Envelope:   env,
		State:      StatePending,
		EnqueuedAt: now,
		Seq:        s.nextSeq,
	}
	s.entries[env.ID] = e
	s.publishLocked(ObserveResubmitted, map[string]any{
		"envelope_id": env.ID,
		"dead_id":     id,
		"at":          now,
	}, now)

	cp := *e
	return &cp, nil
}

func (s *Store) RecordDeadLetter(raw []byte, reason string) DeadLetter {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	dl := DeadLetter{
		ID:         uuid.NewString(),
		RawPayload: append([]byte{}, raw...),
		Reason:     reason,
		RecordedAt: now,
	}
	s.deadLetters = append(s.deadLetters, dl)
	if max := s.cfg.MaxDeadLetters; len(s.deadLetters) > max {
		drop := len(s.deadLetters) - max
		s.deadLetters = append([]DeadLetter{}, s.deadLetters[drop:]...)
	}
	s.publishLocked(ObserveDeadLetter, map[string]any{
		"dead_letter_id": dl.ID,
		"reason":         reason,
		"at":             now,
	}, now)
	s.logger.Printf("dead letter %s: %s", dl.ID, reason)
	return dl
}

func (s *Store) ListDeadLetters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter{}, s.deadLetters...)
}

func (s *Store) ListDead() []QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []QueueEntry{}
	for _, e := range s.entries {
		if e.State == StateDead {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *Store) Stats() Stats {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	var st Stats
	for _, e := range s.entries {
		switch e.State {
		case StatePending:
			st.Pending++
		case StateClaimed:
			st.Claimed++
		case StateProcessing:
			st.Processing++
		case StateDone:
			st.Done++
		case StateFailed:
			st.Failed++
		case StateDead:
			st.Dead++
		}
	}
	st.DeadLetters = len(s.deadLetters)
	return st
}

func (s *Store) ObserveSince(afterID int64, wait time.Duration) ([]ObserveEvent, int64) {
	if wait < 0 {
		wait = 0
	}
	if wait > s.cfg.ObserveWaitMax {
		wait = s.cfg.ObserveWaitMax
	}
	// The wait deadline is wall time on purpose: the injected clock drives
	// queue semantics, not poll pacing.
	deadline := time.Now().Add(wait)

	for {
		s.mu.Lock()
		out := []ObserveEvent{}
		last := afterID
		for _, evt := range s.observeEvents {
			if evt.ID <= afterID {
				continue
			}
			out = append(out, evt)
			last = evt.ID
		}
		s.mu.Unlock()

		if len(out) > 0 || wait == 0 || time.Now().After(deadline) {
			return out, last
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (s *Store) Close() error { return nil }

var _ API = (*Store)(nil)
