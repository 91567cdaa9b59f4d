package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joelkehle/agent-hub/internal/config"
	"github.com/joelkehle/agent-hub/internal/dispatch"
	"github.com/joelkehle/agent-hub/internal/envelope"
	"github.com/joelkehle/agent-hub/internal/httpapi"
	"github.com/joelkehle/agent-hub/internal/intake"
	"github.com/joelkehle/agent-hub/internal/otel"
	"github.com/joelkehle/agent-hub/internal/outbound"
	"github.com/joelkehle/agent-hub/internal/queue"
	"github.com/joelkehle/agent-hub/internal/reply"
	"github.com/joelkehle/agent-hub/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file (optional)")
	noDispatch := flag.Bool("no-dispatch", false, "serve the HTTP API without running the dispatcher")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdown, err := otel.InitTracerProvider(ctx, "agent-hub", cfg.Tracing.Endpoint)
		if err != nil {
			log.Fatalf("init tracing: %v", err)
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := shutdown(sctx); err != nil {
				log.Printf("tracer shutdown: %v", err)
			}
		}()
	}

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatal(err)
	}

	validator := envelope.NewValidator(envelope.Config{
		AllowUnknownTypes: cfg.Validator.AllowUnknownTypes,
		MaxPayloadBytes:   cfg.Validator.MaxPayloadBytes,
	})
	in := intake.New(validator, store)
	handler := httpapi.NewServer(httpapi.Config{SharedSecret: cfg.SharedSecret}, store, in)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	if !*noDispatch {
		d := dispatch.New(dispatch.Config{
			Concurrency:       cfg.Dispatch.Concurrency,
			Recipient:         cfg.Dispatch.Recipient,
			PollInterval:      cfg.Dispatch.PollInterval,
			PollMaxInterval:   cfg.Dispatch.PollMaxInterval,
			ActionTimeout:     cfg.Dispatch.ActionTimeout,
			HeartbeatInterval: cfg.Dispatch.HeartbeatInterval,
			ReclaimInterval:   cfg.Dispatch.ReclaimInterval,
		}, store, buildAction(), reply.NewComposer(reply.Config{}), buildTransport(cfg))
		go func() {
			if err := d.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("dispatcher: %v", err)
			}
		}()
	}

	log.Printf("agent-hub listening on %s (backend=%s)", cfg.ListenAddr, cfg.Backend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
	switch cfg.Backend {
	case "sqlite":
		log.Printf("using sqlite store at %s", cfg.SQLitePath)
		return queue.NewSQLiteStore(cfg.SQLitePath, qc)
	case "redis":
		log.Printf("using redis store at %s", cfg.RedisAddr)
		return queue.NewRedisStore(cfg.RedisAddr, qc)
	default:
		return queue.NewStore(qc), nil
	}
}

func buildAction() worker.Action {
	mux := worker.NewIntentMux()
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		caller, err := worker.NewAnthropicCallerFromEnv()
		if err != nil {
			log.Fatal(err)
		}
		worker.RegisterLLMSummarize(mux, caller)
		log.Printf("summarize intent backed by LLM")
	}
	return mux
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
