package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joelkehle/agent-hub/internal/envelope"
)

type HTTPConfig struct {
	// URL is the webhook receiving envelope JSON via POST.
	URL         string
	MaxAttempts int
	BaseBackoff time.Duration
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// HTTPTransport posts envelopes to a webhook with bounded exponential retry.
// 4xx responses are not retried: the receiver saw the payload and rejected
// it, and resending the same bytes will not change its mind.
type HTTPTransport struct {
	cfg    HTTPConfig
	logger *log.Logger
}

func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 250 * time.Millisecond
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		cfg:    cfg,
		logger: log.New(os.Stdout, "agent-hub outbound ", log.LstdFlags),
	}
}

func (t *HTTPTransport) Submit(ctx context.Context, env envelope.Envelope) error {
	blob, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	backoff := t.cfg.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(blob))
		if reqErr != nil {
			return fmt.Errorf("build webhook request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Envelope-ID", env.ID)

		resp, doErr := t.cfg.Client.Do(req)
		if doErr == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = resp.Body.Close()
			return nil
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		if doErr != nil {
			lastErr = doErr
		} else {
			lastErr = fmt.Errorf("webhook status %d", status)
		}
		t.logger.Printf("webhook delivery failed attempt=%d envelope=%s status=%d err=%v", attempt, env.ID, status, doErr)

		if status >= 400 && status < 500 {
			break
		}
		if attempt == t.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("webhook delivery failed for %s: %w", env.ID, lastErr)
}
