package queue

import (
	"time"

	"github.com/joelkehle/agent-hub/internal/envelope"
)

// API is the queue store contract shared by the in-memory, SQLite, and Redis
// backends. Every mutation is atomic with respect to concurrent callers; an
// entry is never claimed by two owners simultaneously. The store is the only
// point of cross-instance coordination in the system.
type API interface {
	// Enqueue persists a new entry in pending state. Fails with a duplicate
	// error if the envelope id already exists.
	Enqueue(env envelope.Envelope) (*QueueEntry, error)
	Get(id string) (*QueueEntry, error)

	// ClaimNext atomically selects the oldest eligible pending entry matching
	// filter (FIFO per recipient by envelope created_at) and transitions it to
	// claimed with a lease. Returns (nil, nil) when nothing is eligible;
	// callers poll with their own backoff.
	ClaimNext(workerID string, filter ClaimFilter) (*QueueEntry, error)

	MarkProcessing(id, workerID string) error
	MarkDone(id, workerID string) error
	MarkFailed(id, workerID, reason string) error
	// ExtendLease refreshes the lease of an owned claimed/processing entry.
	ExtendLease(id, workerID string) error

	// ReclaimExpired returns claimed/processing entries whose lease has
	// lapsed to pending, and moves entries that already exhausted their
	// attempts to dead. Safe to call concurrently with claims.
	ReclaimExpired() (int, error)

	// Resubmit clones a dead entry's envelope under a fresh id and enqueues
	// it. The dead entry is retained unmodified.
	Resubmit(id string) (*QueueEntry, error)

	RecordDeadLetter(raw []byte, reason string) DeadLetter
	ListDeadLetters() []DeadLetter
	ListDead() []QueueEntry

	Stats() Stats
	ObserveSince(afterID int64, wait time.Duration) ([]ObserveEvent, int64)
	Close() error
}
