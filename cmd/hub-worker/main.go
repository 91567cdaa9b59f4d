// hub-worker runs a standalone dispatcher against a shared queue backend.
// Useful for scaling intent execution separately from the HTTP API: point
// several workers at the same redis instance and partition them by
// --recipient. Redis is the only backend where claims are coordinated
// across processes; the memory and sqlite stores decide claims in process
// memory and belong to a single owner.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joelkehle/agent-hub/internal/config"
	"github.com/joelkehle/agent-hub/internal/dispatch"
	"github.com/joelkehle/agent-hub/internal/outbound"
	"github.com/joelkehle/agent-hub/internal/queue"
	"github.com/joelkehle/agent-hub/internal/reply"
	"github.com/joelkehle/agent-hub/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file (optional)")
	recipient := flag.String("recipient", "", "only claim envelopes addressed to this recipient (overrides config)")
	workerID := flag.String("worker-id", "", "worker identity used in claims (default: hostname plus random suffix)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Backend != "redis" {
		log.Fatalf("hub-worker needs the redis backend, got %q: memory and sqlite stores are private to one process", cfg.Backend)
	}
	if *recipient != "" {
		cfg.Dispatch.Recipient = *recipient
	}

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatal(err)
	}

	mux := worker.NewIntentMux()
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		caller, err := worker.NewAnthropicCallerFromEnv()
		if err != nil {
			log.Fatal(err)
		}
		worker.RegisterLLMSummarize(mux, caller)
	}

	d := dispatch.New(dispatch.Config{
		WorkerID:          *workerID,
		Concurrency:       cfg.Dispatch.Concurrency,
		Recipient:         cfg.Dispatch.Recipient,
		PollInterval:      cfg.Dispatch.PollInterval,
		PollMaxInterval:   cfg.Dispatch.PollMaxInterval,
		ActionTimeout:     cfg.Dispatch.ActionTimeout,
		HeartbeatInterval: cfg.Dispatch.HeartbeatInterval,
		ReclaimInterval:   cfg.Dispatch.ReclaimInterval,
	}, store, mux, reply.NewComposer(reply.Config{}), buildTransport(cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("hub-worker starting (backend=%s, recipient=%q)", cfg.Backend, cfg.Dispatch.Recipient)
	if err := d.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}

func buildStore(cfg config.Config) (queue.API, error) {
	qc := queue.Config{
		MaxAttempts:          cfg.Queue.MaxAttempts,
		LeaseTimeout:         cfg.Queue.LeaseTimeout,
		RetryBaseDelay:       cfg.Queue.RetryBaseDelay,
		RetryMaxDelay:        cfg.Queue.RetryMaxDelay,
		PerRecipientInFlight: cfg.Queue.PerRecipientInFlight,
	}
	return queue.NewRedisStore(cfg.RedisAddr, qc)
}

func buildTransport(cfg config.Config) outbound.Transport {
	switch cfg.Outbound.Transport {
	case "smtp":
		return outbound.NewSMTPTransport(outbound.SMTPConfig{
			Addr:     cfg.Outbound.SMTPAddr,
			FromAddr: cfg.Outbound.SMTPFrom,
			ToAddr:   cfg.Outbound.SMTPTo,
		})
	case "http":
		return outbound.NewHTTPTransport(outbound.HTTPConfig{URL: cfg.Outbound.WebhookURL})
	default:
		return outbound.Discard
	}
}
