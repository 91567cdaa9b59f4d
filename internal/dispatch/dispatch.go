// Package dispatch drains the queue: claim, execute, reply, repeat.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/joelkehle/agent-hub/internal/envelope"
	hubotel "github.com/joelkehle/agent-hub/internal/otel"
	"github.com/joelkehle/agent-hub/internal/outbound"
	"github.com/joelkehle/agent-hub/internal/queue"
	"github.com/joelkehle/agent-hub/internal/reply"
	"github.com/joelkehle/agent-hub/internal/worker"
)

type Config struct {
	// WorkerID identifies this dispatcher instance in claims. Empty means
	// hostname plus a random suffix.
	WorkerID string
	// Concurrency is the number of claim loops to run.
	Concurrency int
	// Recipient restricts this dispatcher to one recipient's partition.
	Recipient string
	// PollInterval is the idle backoff floor; an empty poll doubles the wait
	// up to PollMaxInterval, and any claimed entry resets it.
	PollInterval    time.Duration
	PollMaxInterval time.Duration
	// ActionTimeout bounds one action execution, reply delivery included.
	ActionTimeout time.Duration
	// HeartbeatInterval is how often a busy worker extends its lease.
	HeartbeatInterval time.Duration
	// ReclaimInterval is how often expired leases are swept back to pending.
	ReclaimInterval time.Duration
}

type Dispatcher struct {
	cfg       Config
	store     queue.API
	action    worker.Action
	composer  *reply.Composer
	transport outbound.Transport
	logger    *log.Logger
}

func New(cfg Config, store queue.API, action worker.Action, composer *reply.Composer, transport outbound.Transport) *Dispatcher {
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		cfg.WorkerID = host + "-" + uuid.NewString()[:8]
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.PollMaxInterval <= 0 {
		cfg.PollMaxInterval = 5 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 60 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if transport == nil {
		transport = outbound.Discard
	}
	return &Dispatcher{
		cfg:       cfg,
		store:     store,
		action:    action,
		composer:  composer,
		transport: transport,
		logger:    log.New(os.Stdout, "agent-hub dispatch ", log.LstdFlags),
	}
}

// Run blocks until ctx is cancelled, draining the queue with the configured
// concurrency. In-flight actions finish before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Printf("dispatcher %s starting with %d workers", d.cfg.WorkerID, d.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			d.claimLoop(ctx, fmt.Sprintf("%s/%d", d.cfg.WorkerID, slot))
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.reclaimLoop(ctx)
	}()

	wg.Wait()
	d.logger.Printf("dispatcher %s stopped", d.cfg.WorkerID)
	return ctx.Err()
}

func (d *Dispatcher) claimLoop(ctx context.Context, workerID string) {
	wait := d.cfg.PollInterval
	for {
		if ctx.Err() != nil {
			return
		}
		entry, err := d.store.ClaimNext(workerID, queue.ClaimFilter{Recipient: d.cfg.Recipient})
		if err != nil {
			d.logger.Printf("%s: claim failed: %v", workerID, err)
			entry = nil
		}
		if entry == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			wait *= 2
			if wait > d.cfg.PollMaxInterval {
				wait = d.cfg.PollMaxInterval
			}
			continue
		}
		wait = d.cfg.PollInterval
		d.process(ctx, workerID, entry)
	}
}

func (d *Dispatcher) process(ctx context.Context, workerID string, entry *queue.QueueEntry) {
	env := entry.Envelope
	ctx, span := hubotel.Tracer().Start(ctx, "dispatch.Process")
	span.SetAttributes(
		hubotel.AttrEnvelopeID.String(env.ID),
		hubotel.AttrEnvelopeType.String(string(env.Type)),
		hubotel.AttrRecipient.String(env.Recipient),
		hubotel.AttrWorker.String(workerID),
	)
	defer span.End()

	if err := d.store.MarkProcessing(env.ID, workerID); err != nil {
		// Lost the entry between claim and processing (reclaim raced us).
		d.logger.Printf("%s: mark processing %s: %v", workerID, env.ID, err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	stopHeartbeat := d.heartbeat(execCtx, workerID, env.ID)

	result, err := d.action.Execute(execCtx, env)
	if err == nil {
		err = d.deliverReply(execCtx, env, result)
	}
	cancel()
	stopHeartbeat()

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if mErr := d.store.MarkFailed(env.ID, workerID, err.Error()); mErr != nil {
			d.logger.Printf("%s: mark failed %s: %v", workerID, env.ID, mErr)
		}
		return
	}
	if mErr := d.store.MarkDone(env.ID, workerID); mErr != nil {
		d.logger.Printf("%s: mark done %s: %v", workerID, env.ID, mErr)
		span.SetStatus(codes.Error, mErr.Error())
	}
}

// deliverReply composes and submits the reply, outside any store critical
// section. A transport failure fails the whole attempt: the action will run
// again, which is why actions must be idempotent.
func (d *Dispatcher) deliverReply(ctx context.Context, original envelope.Envelope, result *worker.Result) error {
	out := d.composer.Compose(original, result)
	if out == nil {
		return nil
	}
	if err := d.transport.Submit(ctx, *out); err != nil {
		return fmt.Errorf("deliver reply %s: %w", out.ID, err)
	}
	return nil
}

// heartbeat extends the lease while an action runs. The returned func stops
// it and must be called before the entry leaves processing.
func (d *Dispatcher) heartbeat(ctx context.Context, workerID, id string) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(d.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.store.ExtendLease(id, workerID); err != nil {
					d.logger.Printf("%s: extend lease %s: %v", workerID, id, err)
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.ReclaimExpired()
			if err != nil {
				d.logger.Printf("reclaim: %v", err)
				continue
			}
			if n > 0 {
				d.logger.Printf("reclaimed %d expired leases", n)
			}
		}
	}
}
