package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/joelkehle/agent-hub/internal/envelope"
)

// RedisStore implements queue.API against a shared Redis instance so several
// dispatcher processes can drain one queue. Claim, completion, and reclaim
// are Lua scripts and therefore atomic on the Redis side.
//
// Timestamps inside the stored document are unix milliseconds: Redis Lua
// numbers are doubles and nanosecond values would lose precision.
type RedisStore struct {
	rdb    *redis.Client
	cfg    Config
	prefix string
	logger *log.Logger
}

type redisEntry struct {
	Envelope       envelope.Envelope `json:"envelope"`
	Recipient      string            `json:"recipient"`
	State          EntryState        `json:"state"`
	AttemptCount   int               `json:"attempt_count"`
	ClaimedBy      string            `json:"claimed_by"`
	ClaimedAtMS    int64             `json:"claimed_at_ms"`
	LeaseExpiresMS int64             `json:"lease_expires_ms"`
	NotBeforeMS    int64             `json:"not_before_ms"`
	LastError      string            `json:"last_error"`
	EnqueuedAtMS   int64             `json:"enqueued_at_ms"`
	CreatedAtMS    int64             `json:"created_at_ms"`
	Seq            int64             `json:"seq"`
}

func NewRedisStore(addr string, cfg Config) (*RedisStore, error) {
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

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisStore{
		rdb:    rdb,
		cfg:    cfg,
		prefix: "agenthub:",
		logger: log.New(os.Stdout, "agent-hub redis ", log.LstdFlags),
	}, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) nowMS() int64 {
	return s.cfg.Clock().UTC().UnixMilli()
}

func (s *RedisStore) entryKey(id string) string { return s.prefix + "entry:" + id }
func (s *RedisStore) pendingKey() string        { return s.prefix + "pending" }
func (s *RedisStore) retryKey() string          { return s.prefix + "retry" }
func (s *RedisStore) leaseKey() string          { return s.prefix + "lease" }
func (s *RedisStore) deadLetterKey() string     { return s.prefix + "deadletters" }
func (s *RedisStore) observeKey() string        { return s.prefix + "observe" }
func (s *RedisStore) observeIDKey() string      { return s.prefix + "observe:id" }
func (s *RedisStore) inflightKey() string       { return s.prefix + "inflight" }
func (s *RedisStore) seqKey() string            { return s.prefix + "seq" }

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (re *redisEntry) toEntry() *QueueEntry {
	return &QueueEntry{
		Envelope:       re.Envelope,
		State:          re.State,
		AttemptCount:   re.AttemptCount,
		ClaimedBy:      re.ClaimedBy,
		ClaimedAt:      msToTime(re.ClaimedAtMS),
		LeaseExpiresAt: msToTime(re.LeaseExpiresMS),
		NotBefore:      msToTime(re.NotBeforeMS),
		LastError:      re.LastError,
		EnqueuedAt:     msToTime(re.EnqueuedAtMS),
		Seq:            re.Seq,
	}
}

// enqueueScript atomically checks the reply-edge invariant, rejects
// duplicates, stores the entry, and indexes it in the pending zset.
// KEYS: entry, parentEntry (may equal entry when unset), pending
// ARGV: entryJSON, id, score, parentID, replyCreatedMS
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 'duplicate'
end
if ARGV[4] ~= '' then
	local praw = redis.call('GET', KEYS[2])
	if praw then
		local parent = cjson.decode(praw)
		if parent.created_at_ms > tonumber(ARGV[5]) then
			return 'bad_reply_edge'
		end
	end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
return 'ok'
`)

// claimScript promotes due retries into pending, then claims the oldest
// eligible pending entry for the worker. It walks the whole pending zset in
// pages: a recipient filter or a saturated in-flight cap skips entries, it
// never stops the scan, so a partitioned worker cannot be starved by older
// entries addressed to someone else. The inflight hash counts claimed plus
// processing entries per recipient; ARGV[6] == 0 disables the cap.
// KEYS: pending, retry, lease, inflight
// ARGV: nowMS, workerID, leaseExpiresMS, recipientFilter, keyPrefix, perRecipientCap
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
	local raw = redis.call('GET', ARGV[5] .. 'entry:' .. id)
	if raw then
		local e = cjson.decode(raw)
		if e.state == 'failed' then
			e.state = 'pending'
			redis.call('SET', ARGV[5] .. 'entry:' .. id, cjson.encode(e))
			redis.call('ZADD', KEYS[1], e.created_at_ms, id)
		end
	end
	redis.call('ZREM', KEYS[2], id)
end

local cap = tonumber(ARGV[6])
local skipped = 0
while true do
	local candidates = redis.call('ZRANGE', KEYS[1], skipped, skipped + 99)
	if #candidates == 0 then
		return false
	end
	for _, id in ipairs(candidates) do
		local key = ARGV[5] .. 'entry:' .. id
		local raw = redis.call('GET', key)
		if not raw then
			redis.call('ZREM', KEYS[1], id)
		else
			local e = cjson.decode(raw)
			if e.state ~= 'pending' then
				redis.call('ZREM', KEYS[1], id)
			elseif ARGV[4] ~= '' and e.recipient ~= ARGV[4] then
				skipped = skipped + 1
			elseif cap > 0 and tonumber(redis.call('HGET', KEYS[4], e.recipient) or '0') >= cap then
				skipped = skipped + 1
			else
				e.state = 'claimed'
				e.attempt_count = e.attempt_count + 1
				e.claimed_by = ARGV[2]
				e.claimed_at_ms = tonumber(ARGV[1])
				e.lease_expires_ms = tonumber(ARGV[3])
				local blob = cjson.encode(e)
				redis.call('SET', key, blob)
				redis.call('ZREM', KEYS[1], id)
				redis.call('ZADD', KEYS[3], ARGV[3], id)
				redis.call('HINCRBY', KEYS[4], e.recipient, 1)
				return blob
			end
		end
	end
end
`)

// transitionScript handles mark_processing / mark_done / mark_failed with
// ownership and state checks. Leaving processing decrements the recipient's
// in-flight count that the claim script incremented.
// KEYS: entry, lease, pending, retry, inflight
// ARGV: id, workerID, op, nowMS, leaseExpiresMS, reason, maxAttempts, notBeforeMS
var transitionScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 'not_found'
end
local e = cjson.decode(raw)
if e.claimed_by ~= ARGV[2] then
	return 'not_owner'
end
local op = ARGV[3]
if op == 'processing' then
	if e.state ~= 'claimed' then
		return 'bad_state:' .. e.state
	end
	e.state = 'processing'
	e.lease_expires_ms = tonumber(ARGV[5])
	redis.call('SET', KEYS[1], cjson.encode(e))
	redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
	return 'ok'
end
if e.state ~= 'processing' then
	return 'bad_state:' .. e.state
end
e.claimed_by = ''
e.claimed_at_ms = 0
e.lease_expires_ms = 0
redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('HINCRBY', KEYS[5], e.recipient, -1) <= 0 then
	redis.call('HDEL', KEYS[5], e.recipient)
end
if op == 'done' then
	e.state = 'done'
	e.last_error = ''
	redis.call('SET', KEYS[1], cjson.encode(e))
	return 'ok'
end
e.last_error = ARGV[6]
if e.attempt_count > tonumber(ARGV[7]) then
	e.state = 'dead'
	redis.call('SET', KEYS[1], cjson.encode(e))
	return 'dead'
end
e.state = 'failed'
e.not_before_ms = tonumber(ARGV[8])
redis.call('SET', KEYS[1], cjson.encode(e))
redis.call('ZADD', KEYS[4], ARGV[8], ARGV[1])
return 'ok'
`)

// reclaimScript returns lease-expired entries to pending (or dead when the
// attempt budget is spent). Either way the entry leaves the in-flight set.
// KEYS: lease, pending, inflight
// ARGV: nowMS, maxAttempts, keyPrefix
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
local n = 0
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[1], id)
	local key = ARGV[3] .. 'entry:' .. id
	local raw = redis.call('GET', key)
	if raw then
		local e = cjson.decode(raw)
		if e.state == 'claimed' or e.state == 'processing' then
			e.claimed_by = ''
			e.claimed_at_ms = 0
			e.lease_expires_ms = 0
			if e.attempt_count > tonumber(ARGV[2]) then
				e.state = 'dead'
				e.last_error = 'lease expired after max attempts'
			else
				e.state = 'pending'
				redis.call('ZADD', KEYS[2], e.created_at_ms, id)
			end
			redis.call('SET', key, cjson.encode(e))
			if redis.call('HINCRBY', KEYS[3], e.recipient, -1) <= 0 then
				redis.call('HDEL', KEYS[3], e.recipient)
			end
			n = n + 1
		end
	end
end
return n
`)

// extendLeaseScript refreshes an owned lease.
// KEYS: entry, lease
// ARGV: id, workerID, leaseExpiresMS
var extendLeaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 'not_found'
end
local e = cjson.decode(raw)
if e.state ~= 'claimed' and e.state ~= 'processing' then
	return 'bad_state:' .. e.state
end
if e.claimed_by ~= ARGV[2] then
	return 'not_owner'
end
e.lease_expires_ms = tonumber(ARGV[3])
redis.call('SET', KEYS[1], cjson.encode(e))
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 'ok'
`)

func (s *RedisStore) Enqueue(env envelope.Envelope) (*QueueEntry, error) {
	ctx := context.Background()
	nowMS := s.nowMS()
	if env.ID == "" {
		return nil, newError(CodeValidation, "envelope id is required", false)
	}

	seq, err := s.rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return nil, NewInternalError("redis incr: " + err.Error())
	}
	re := redisEntry{
		Envelope:     env,
		Recipient:    env.Recipient,
		State:        StatePending,
		EnqueuedAtMS: nowMS,
		CreatedAtMS:  env.CreatedAt.UTC().UnixMilli(),
		Seq:          seq,
	}
	blob, err := json.Marshal(re)
	if err != nil {
		return nil, NewInternalError("marshal entry: " + err.Error())
	}

	parentKey := s.entryKey(env.ID)
	parentID := ""
	if env.InReplyTo != "" {
		parentKey = s.entryKey(env.InReplyTo)
		parentID = env.InReplyTo
	}
	res, err := enqueueScript.Run(ctx, s.rdb,
		[]string{s.entryKey(env.ID), parentKey, s.pendingKey()},
		string(blob), env.ID, re.CreatedAtMS, parentID, re.CreatedAtMS,
	).Text()
	if err != nil {
		return nil, NewInternalError("redis enqueue: " + err.Error())
	}
	switch res {
	case "duplicate":
		return nil, newError(CodeDuplicate, "envelope "+env.ID+" already enqueued", false)
	case "bad_reply_edge":
		return nil, newError(CodeValidation, "in_reply_to references an envelope created after the reply", false)
	}

	s.publish(ctx, ObserveEnqueued, map[string]any{
		"envelope_id": env.ID,
		"recipient":   env.Recipient,
		"type":        env.Type,
	})
	return re.toEntry(), nil
}

func (s *RedisStore) getEntry(ctx context.Context, id string) (*redisEntry, error) {
	raw, err := s.rdb.Get(ctx, s.entryKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, newError(CodeNotFound, "entry "+id+" not found", false)
	}
	if err != nil {
		return nil, NewInternalError("redis get: " + err.Error())
	}
	var re redisEntry
	if err := json.Unmarshal([]byte(raw), &re); err != nil {
		return nil, NewInternalError("decode entry: " + err.Error())
	}
	return &re, nil
}

func (s *RedisStore) Get(id string) (*QueueEntry, error) {
	re, err := s.getEntry(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return re.toEntry(), nil
}

func (s *RedisStore) ClaimNext(workerID string, filter ClaimFilter) (*QueueEntry, error) {
	if workerID == "" {
		return nil, newError(CodeValidation, "worker id is required", false)
	}
	ctx := context.Background()
	nowMS := s.nowMS()
	leaseMS := nowMS + s.cfg.LeaseTimeout.Milliseconds()

	res, err := claimScript.Run(ctx, s.rdb,
		[]string{s.pendingKey(), s.retryKey(), s.leaseKey(), s.inflightKey()},
		nowMS, workerID, leaseMS, filter.Recipient, s.prefix, s.cfg.PerRecipientInFlight,
	).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, NewInternalError("redis claim: " + err.Error())
	}
	raw, ok := res.(string)
	if !ok || raw == "" {
		return nil, nil
	}
	var re redisEntry
	if err := json.Unmarshal([]byte(raw), &re); err != nil {
		return nil, NewInternalError("decode claimed entry: " + err.Error())
	}
	s.publish(ctx, ObserveStateChange, map[string]any{
		"envelope_id": re.Envelope.ID,
		"to_state":    StateClaimed,
		"claimed_by":  workerID,
		"attempts":    re.AttemptCount,
	})
	return re.toEntry(), nil
}

func (s *RedisStore) transition(id, workerID, op, reason string) error {
	ctx := context.Background()
	nowMS := s.nowMS()
	leaseMS := nowMS + s.cfg.LeaseTimeout.Milliseconds()

	// Next retry delay is computed here; the entry's attempt count already
	// includes the claim that just failed.
	re, err := s.getEntry(ctx, id)
	if err != nil {
		return err
	}
	delay := s.cfg.RetryBaseDelay
	for i := 0; i < re.AttemptCount && delay < s.cfg.RetryMaxDelay; i++ {
		delay *= 2
	}
	if delay > s.cfg.RetryMaxDelay {
		delay = s.cfg.RetryMaxDelay
	}
	notBeforeMS := nowMS + delay.Milliseconds()

	res, err := transitionScript.Run(ctx, s.rdb,
		[]string{s.entryKey(id), s.leaseKey(), s.pendingKey(), s.retryKey(), s.inflightKey()},
		id, workerID, op, nowMS, leaseMS, reason, s.cfg.MaxAttempts, notBeforeMS,
	).Text()
	if err != nil {
		return NewInternalError("redis transition: " + err.Error())
	}
	switch {
	case res == "ok" || res == "dead":
		s.publish(ctx, ObserveStateChange, map[string]any{
			"envelope_id": id,
			"op":          op,
			"result":      res,
			"error":       reason,
		})
		return nil
	case res == "not_found":
		return newError(CodeNotFound, "entry "+id+" not found", false)
	case res == "not_owner":
		return newError(CodeInvalidTransition, "entry "+id+" is not owned by "+workerID, false)
	default:
		return newError(CodeInvalidTransition, "entry "+id+": "+res, false)
	}
}

func (s *RedisStore) MarkProcessing(id, workerID string) error {
	return s.transition(id, workerID, "processing", "")
}

func (s *RedisStore) MarkDone(id, workerID string) error {
	return s.transition(id, workerID, "done", "")
}

func (s *RedisStore) MarkFailed(id, workerID, reason string) error {
	return s.transition(id, workerID, "failed", reason)
}

func (s *RedisStore) ExtendLease(id, workerID string) error {
	ctx := context.Background()
	leaseMS := s.nowMS() + s.cfg.LeaseTimeout.Milliseconds()
	res, err := extendLeaseScript.Run(ctx, s.rdb,
		[]string{s.entryKey(id), s.leaseKey()},
		id, workerID, leaseMS,
	).Text()
	if err != nil {
		return NewInternalError("redis extend lease: " + err.Error())
	}
	switch {
	case res == "ok":
		return nil
	case res == "not_found":
		return newError(CodeNotFound, "entry "+id+" not found", false)
	default:
		return newError(CodeInvalidTransition, "entry "+id+": "+res, false)
	}
}

func (s *RedisStore) ReclaimExpired() (int, error) {
	ctx := context.Background()
	n, err := reclaimScript.Run(ctx, s.rdb,
		[]string{s.leaseKey(), s.pendingKey(), s.inflightKey()},
		s.nowMS(), s.cfg.MaxAttempts, s.prefix,
	).Int()
	if err != nil {
		return 0, NewInternalError("redis reclaim: " + err.Error())
	}
	if n > 0 {
		s.publish(ctx, ObserveReclaimed, map[string]any{"count": n})
	}
	return n, nil
}

func (s *RedisStore) Resubmit(id string) (*QueueEntry, error) {
	ctx := context.Background()
	re, err := s.getEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if re.State != StateDead {
		return nil, newError(CodeInvalidTransition, fmt.Sprintf("entry %s is %s, only dead entries can be resubmitted", id, re.State), false)
	}

	env := re.Envelope
	env.ID = uuid.NewString()
	env.CreatedAt = s.cfg.Clock().UTC()
	ctxMap := make(map[string]any, len(env.Context)+1)
	for k, v := range env.Context {
		ctxMap[k] = v
	}
	ctxMap["resubmitted_from"] = id
	env.Context = ctxMap

	entry, err := s.Enqueue(env)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, ObserveResubmitted, map[string]any{"envelope_id": env.ID, "dead_id": id})
	return entry, nil
}

func (s *RedisStore) RecordDeadLetter(raw []byte, reason string) DeadLetter {
	ctx := context.Background()
	dl := DeadLetter{
		ID:         uuid.NewString(),
		RawPayload: append([]byte{}, raw...),
		Reason:     reason,
		RecordedAt: s.cfg.Clock().UTC(),
	}
	blob, err := json.Marshal(dl)
	if err != nil {
		s.logger.Printf("marshal dead letter: %v", err)
		return dl
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, s.deadLetterKey(), blob)
	pipe.LTrim(ctx, s.deadLetterKey(), int64(-s.cfg.MaxDeadLetters), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Printf("persist dead letter %s: %v", dl.ID, err)
	}
	s.publish(ctx, ObserveDeadLetter, map[string]any{"dead_letter_id": dl.ID, "reason": reason})
	return dl
}

func (s *RedisStore) ListDeadLetters() []DeadLetter {
	ctx := context.Background()
	raws, err := s.rdb.LRange(ctx, s.deadLetterKey(), 0, -1).Result()
	if err != nil {
		s.logger.Printf("list dead letters: %v", err)
		return []DeadLetter{}
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err == nil {
			out = append(out, dl)
		}
	}
	return out
}

func (s *RedisStore) scanEntries(fn func(*redisEntry)) error {
	ctx := context.Background()
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"entry:*", 200).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			raw, err := s.rdb.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			var re redisEntry
			if err := json.Unmarshal([]byte(raw), &re); err == nil {
				fn(&re)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisStore) ListDead() []QueueEntry {
	out := []QueueEntry{}
	err := s.scanEntries(func(re *redisEntry) {
		if re.State == StateDead {
			out = append(out, *re.toEntry())
		}
	})
	if err != nil {
		s.logger.Printf("list dead: %v", err)
	}
	return out
}

func (s *RedisStore) Stats() Stats {
	var st Stats
	err := s.scanEntries(func(re *redisEntry) {
		switch re.State {
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
	})
	if err != nil {
		s.logger.Printf("stats scan: %v", err)
	}
	ctx := context.Background()
	if n, err := s.rdb.LLen(ctx, s.deadLetterKey()).Result(); err == nil {
		st.DeadLetters = int(n)
	}
	return st
}

func (s *RedisStore) publish(ctx context.Context, eventType EventType, data map[string]any) {
	id, err := s.rdb.Incr(ctx, s.observeIDKey()).Result()
	if err != nil {
		s.logger.Printf("observe id: %v", err)
		return
	}
	evt := ObserveEvent{
		ID:   id,
		Type: eventType,
		At:   s.cfg.Clock().UTC(),
		Data: data,
	}
	blob, err := json.Marshal(evt)
	if err != nil {
		return
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, s.observeKey(), redis.Z{Score: float64(id), Member: blob})
	pipe.ZRemRangeByRank(ctx, s.observeKey(), 0, int64(-s.cfg.MaxObserveEvents-1))
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Printf("publish observe event: %v", err)
	}
}

func (s *RedisStore) ObserveSince(afterID int64, wait time.Duration) ([]ObserveEvent, int64) {
	if wait < 0 {
		wait = 0
	}
	if wait > s.cfg.ObserveWaitMax {
		wait = s.cfg.ObserveWaitMax
	}
	ctx := context.Background()
	deadline := time.Now().Add(wait)

	for {
		raws, err := s.rdb.ZRangeByScore(ctx, s.observeKey(), &redis.ZRangeBy{
			Min: fmt.Sprintf("(%d", afterID),
			Max: "+inf",
		}).Result()
		if err != nil {
			s.logger.Printf("observe range: %v", err)
			return []ObserveEvent{}, afterID
		}
		out := []ObserveEvent{}
		last := afterID
		for _, raw := range raws {
			var evt ObserveEvent
			if err := json.Unmarshal([]byte(raw), &evt); err == nil {
				out = append(out, evt)
				if evt.ID > last {
					last = evt.ID
				}
			}
		}
		if len(out) > 0 || wait == 0 || time.Now().After(deadline) {
			return out, last
		}
		time.Sleep(100 * time.Millisecond)
	}
}

var _ API = (*RedisStore)(nil)
