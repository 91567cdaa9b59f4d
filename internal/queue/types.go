package queue

import (
	"time"

	"github.com/joelkehle/agent-hub/internal/envelope"
)

type EntryState string

const (
	StatePending    EntryState = "pending"
	StateClaimed    EntryState = "claimed"
	StateProcessing EntryState = "processing"
	StateDone       EntryState = "done"
	StateFailed     EntryState = "failed"
	StateDead       EntryState = "dead"
)

type EventType string

const (
	ObserveEnqueued    EventType = "enqueued"
	ObserveStateChange EventType = "state_change"
	ObserveDeadLetter  EventType = "dead_letter"
	ObserveReclaimed   EventType = "reclaimed"
	ObserveResubmitted EventType = "resubmitted"
)

// QueueEntry wraps an Envelope with processing state. The envelope itself is
// immutable once enqueued; only the entry fields transition.
type QueueEntry struct {
	Envelope       envelope.Envelope `json:"envelope"`
	State          EntryState        `json:"state"`
	AttemptCount   int               `json:"attempt_count"`
	ClaimedBy      string            `json:"claimed_by,omitempty"`
	ClaimedAt      time.Time         `json:"-"`
	LeaseExpiresAt time.Time         `json:"-"`
	NotBefore      time.Time         `json:"-"`
	LastError      string            `json:"last_error,omitempty"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
	Seq            int64             `json:"-"`
}

// ID returns the entry identifier, which is the envelope id.
func (e *QueueEntry) ID() string { return e.Envelope.ID }

// ClaimFilter narrows claim_next to a partition of the queue.
// The zero value matches every pending entry.
type ClaimFilter struct {
	Recipient string
}

// DeadLetter records an inbound payload that failed validation. The raw
// payload is retained unmodified so an operator can inspect and resubmit it.
type DeadLetter struct {
	ID         string    `json:"id"`
	RawPayload []byte    `json:"raw_payload"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

type ObserveEvent struct {
	ID   int64          `json:"id"`
	Type EventType      `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data"`
}

type Stats struct {
	Pending     int `json:"pending"`
	Claimed     int `json:"claimed"`
	Processing  int `json:"processing"`
	Done        int `json:"done"`
	Failed      int `json:"failed"`
	Dead        int `json:"dead"`
	DeadLetters int `json:"dead_letters"`
}

type Config struct {
	// MaxAttempts is the attempt count beyond which a failing entry goes dead.
	MaxAttempts int
	// LeaseTimeout bounds how long a claim may go without heartbeat before
	// reclaim_expired returns the entry to pending.
	LeaseTimeout time.Duration
	// RetryBaseDelay seeds the exponential retry backoff
	// (base * 2^attempt_count, capped at RetryMaxDelay).
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// PerRecipientInFlight caps concurrently claimed entries per recipient.
	// Zero means unlimited; per-recipient FIFO among pending entries holds
	// either way.
	PerRecipientInFlight int
	MaxObserveEvents     int
	MaxDeadLetters       int
	ObserveWaitMax       time.Duration
	Clock                func() time.Time
}
