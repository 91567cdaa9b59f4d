package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/agent-hub/internal/envelope"
)

// SQLiteStore implements queue.API with SQLite-backed persistence.
// It delegates runtime logic (claim selection, retry sweep, observe events)
// to an embedded in-memory Store, and persists entries, dead letters, and
// counters to SQLite with write-through semantics. Observe events stay
// in-memory only.
//
// Claim decisions live in the embedded Store, so the database file belongs
// to exactly one process. The connection opens with locking_mode=EXCLUSIVE
// and holds the lock until Close; a second NewSQLiteStore on the same path
// fails instead of claiming entries another process already handed out.
type SQLiteStore struct {
	inner *Store
	db    *sqlx.DB
	mu    sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	envelope_id      TEXT PRIMARY KEY,
	envelope_type    TEXT NOT NULL,
	sender           TEXT NOT NULL,
	recipient        TEXT NOT NULL,
	payload          TEXT,
	context          TEXT,
	in_reply_to      TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	version          TEXT NOT NULL DEFAULT 'v0.1',
	state            TEXT NOT NULL DEFAULT 'pending',
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	claimed_by       TEXT NOT NULL DEFAULT '',
	claimed_at       TEXT NOT NULL DEFAULT '',
	lease_expires_at TEXT NOT NULL DEFAULT '',
	not_before       TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	enqueued_at      TEXT NOT NULL,
	seq              INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id          TEXT PRIMARY KEY,
	raw_payload BLOB NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0
);
`

func NewSQLiteStore(dbPath string, cfg Config) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=locking_mode(exclusive)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	// The schema write acquires the exclusive lock. If another process holds
	// the file this fails with SQLITE_BUSY right here, not with a split-brain
	// claim later.
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{
		inner: NewStore(cfg),
		db:    db,
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- load all state from SQLite into the in-memory Store ---

func (s *SQLiteStore) loadAll() error {
	if err := s.loadCounters(); err != nil {
		return err
	}
	if err := s.loadEntries(); err != nil {
		return err
	}
	return s.loadDeadLetters()
}

func (s *SQLiteStore) loadCounters() error {
	rows, err := s.db.Query("SELECT key, value FROM counters")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		switch key {
		case "next_seq":
			s.inner.nextSeq = value
		case "next_observe_id":
			s.inner.nextObserveID = value
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) loadEntries() error {
	rows, err := s.db.Query(`SELECT envelope_id, envelope_type, sender, recipient,
		payload, context, in_reply_to, created_at, version,
		state, attempt_count, claimed_by, claimed_at, lease_expires_at,
		not_before, last_error, enqueued_at, seq
		FROM queue_entries`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var e QueueEntry
		var payloadJSON, contextJSON sql.NullString
		var createdAt, claimedAt, leaseExpiresAt, notBefore, enqueuedAt string
		var envType string
		if err := rows.Scan(&e.Envelope.ID, &envType, &e.Envelope.Sender, &e.Envelope.Recipient,
			&payloadJSON, &contextJSON, &e.Envelope.InReplyTo, &createdAt, &e.Envelope.Version,
			&e.State, &e.AttemptCount, &e.ClaimedBy, &claimedAt, &leaseExpiresAt,
			&notBefore, &e.LastError, &enqueuedAt, &e.Seq); err != nil {
			return err
		}
		e.Envelope.Type = envelope.Type(envType)
		if payloadJSON.Valid && payloadJSON.String != "" {
			_ = json.Unmarshal([]byte(payloadJSON.String), &e.Envelope.Payload)
		}
		if contextJSON.Valid && contextJSON.String != "" {
			_ = json.Unmarshal([]byte(contextJSON.String), &e.Envelope.Context)
		}
		e.Envelope.CreatedAt = parseStoredTime(createdAt)
		e.ClaimedAt = parseStoredTime(claimedAt)
		e.LeaseExpiresAt = parseStoredTime(leaseExpiresAt)
		e.NotBefore = parseStoredTime(notBefore)
		e.EnqueuedAt = parseStoredTime(enqueuedAt)
		cp := e
		s.inner.entries[e.Envelope.ID] = &cp
	}
	return rows.Err()
}

func (s *SQLiteStore) loadDeadLetters() error {
	rows, err := s.db.Query("SELECT id, raw_payload, reason, recorded_at FROM dead_letters ORDER BY recorded_at")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var dl DeadLetter
		var recordedAt string
		if err := rows.Scan(&dl.ID, &dl.RawPayload, &dl.Reason, &recordedAt); err != nil {
			return err
		}
		dl.RecordedAt = parseStoredTime(recordedAt)
		s.inner.deadLetters = append(s.inner.deadLetters, dl)
	}
	return rows.Err()
}

// --- persist helpers ---

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, raw)
	return t
}

func nullableJSON(v any) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func (s *SQLiteStore) saveEntry(e *QueueEntry) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO queue_entries (envelope_id, envelope_type, sender, recipient,
		payload, context, in_reply_to, created_at, version,
		state, attempt_count, claimed_by, claimed_at, lease_expires_at,
		not_before, last_error, enqueued_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Envelope.ID,
		string(e.Envelope.Type),
		e.Envelope.Sender,
		e.Envelope.Recipient,
		nullableJSON(anyOrNil(e.Envelope.Payload)),
		nullableJSON(anyOrNil(e.Envelope.Context)),
		e.Envelope.InReplyTo,
		timeToString(e.Envelope.CreatedAt),
		e.Envelope.Version,
		string(e.State),
		e.AttemptCount,
		e.ClaimedBy,
		timeToString(e.ClaimedAt),
		timeToString(e.LeaseExpiresAt),
		timeToString(e.NotBefore),
		e.LastError,
		timeToString(e.EnqueuedAt),
		e.Seq,
	)
	return err
}

func anyOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func (s *SQLiteStore) saveDeadLetter(dl DeadLetter) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO dead_letters (id, raw_payload, reason, recorded_at) VALUES (?, ?, ?, ?)`,
		dl.ID, dl.RawPayload, dl.Reason, timeToString(dl.RecordedAt))
	return err
}

func (s *SQLiteStore) saveCounters() error {
	s.inner.mu.Lock()
	nextSeq := s.inner.nextSeq
	nextObserve := s.inner.nextObserveID
	s.inner.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO counters (key, value) VALUES ('next_seq', ?), ('next_observe_id', ?)`,
		nextSeq, nextObserve)
	return err
}

// persistEntry saves just the entry row (state change after a transition).
func (s *SQLiteStore) persistEntry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inner.mu.Lock()
	e, ok := s.inner.entries[id]
	if !ok {
		s.inner.mu.Unlock()
		return nil
	}
	cp := *e
	s.inner.mu.Unlock()

	return s.saveEntry(&cp)
}

// --- queue.API implementation ---

func (s *SQLiteStore) Enqueue(env envelope.Envelope) (*QueueEntry, error) {
	e, err := s.inner.Enqueue(env)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if perr := s.saveEntry(e); perr != nil {
		return nil, perr
	}
	if perr := s.saveCounters(); perr != nil {
		return nil, perr
	}
	return e, nil
}

func (s *SQLiteStore) Get(id string) (*QueueEntry, error) {
	return s.inner.Get(id)
}

func (s *SQLiteStore) ClaimNext(workerID string, filter ClaimFilter) (*QueueEntry, error) {
	e, err := s.inner.ClaimNext(workerID, filter)
	if err != nil || e == nil {
		return e, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if perr := s.saveEntry(e); perr != nil {
		return nil, perr
	}
	return e, nil
}

func (s *SQLiteStore) MarkProcessing(id, workerID string) error {
	if err := s.inner.MarkProcessing(id, workerID); err != nil {
		return err
	}
	return s.persistEntry(id)
}

func (s *SQLiteStore) MarkDone(id, workerID string) error {
	if err := s.inner.MarkDone(id, workerID); err != nil {
		return err
	}
	return s.persistEntry(id)
}

func (s *SQLiteStore) MarkFailed(id, workerID, reason string) error {
	if err := s.inner.MarkFailed(id, workerID, reason); err != nil {
		return err
	}
	return s.persistEntry(id)
}

func (s *SQLiteStore) ExtendLease(id, workerID string) error {
	if err := s.inner.ExtendLease(id, workerID); err != nil {
		return err
	}
	return s.persistEntry(id)
}

func (s *SQLiteStore) ReclaimExpired() (int, error) {
	ids, err := s.inner.reclaimExpiredIDs()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if perr := s.persistEntry(id); perr != nil {
			return len(ids), perr
		}
	}
	return len(ids), nil
}

func (s *SQLiteStore) Resubmit(id string) (*QueueEntry, error) {
	e, err := s.inner.Resubmit(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if perr := s.saveEntry(e); perr != nil {
		return nil, perr
	}
	if perr := s.saveCounters(); perr != nil {
		return nil, perr
	}
	return e, nil
}

func (s *SQLiteStore) RecordDeadLetter(raw []byte, reason string) DeadLetter {
	dl := s.inner.RecordDeadLetter(raw, reason)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveDeadLetter(dl); err != nil {
		s.inner.logger.Printf("persist dead letter %s: %v", dl.ID, err)
	}
	return dl
}

func (s *SQLiteStore) ListDeadLetters() []DeadLetter {
	return s.inner.ListDeadLetters()
}

func (s *SQLiteStore) ListDead() []QueueEntry {
	return s.inner.ListDead()
}

func (s *SQLiteStore) Stats() Stats {
	return s.inner.Stats()
}

func (s *SQLiteStore) ObserveSince(afterID int64, wait time.Duration) ([]ObserveEvent, int64) {
	return s.inner.ObserveSince(afterID, wait)
}

// Ensure SQLiteStore satisfies the API interface at compile time.
var _ API = (*SQLiteStore)(nil)
