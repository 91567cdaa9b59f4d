// Package hubclient is the HTTP client for the agent-hub API, used by the
// CLIs and by agents submitting envelopes from outside the hub process.
package hubclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/joelkehle/agent-hub/internal/queue"
)

type IngestResult struct {
	OK           bool   `json:"ok"`
	Disposition  string `json:"disposition"`
	EnvelopeID   string `json:"envelope_id"`
	DeadLetterID string `json:"dead_letter_id"`
	Reason       string `json:"reason"`
}

type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) DoJSON(ctx context.Context, method, path string, payload []byte, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	blob, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return blob, resp.StatusCode, fmt.Errorf("%s %s failed status=%d body=%s", method, path, resp.StatusCode, string(blob))
	}
	return blob, resp.StatusCode, nil
}

// Ingest submits one raw envelope payload. A dead-letter disposition comes
// back as an IngestResult with an error, so callers can distinguish "the hub
// rejected my envelope" from transport failures.
func (c *Client) Ingest(ctx context.Context, payload []byte) (IngestResult, error) {
	var headers map[string]string
	if c.secret != "" {
		headers = map[string]string{"X-Hub-Signature": "sha256=" + Sign(c.secret, payload)}
	}
	out, status, err := c.DoJSON(ctx, http.MethodPost, "/v1/ingest", payload, headers)
	var res IngestResult
	if len(out) > 0 {
		_ = json.Unmarshal(out, &res)
	}
	if err != nil {
		if status == http.StatusBadRequest && res.Disposition != "" {
			return res, fmt.Errorf("envelope rejected: %s", res.Reason)
		}
		return res, err
	}
	return res, nil
}

func (c *Client) Entry(ctx context.Context, id string) (*queue.QueueEntry, error) {
	out, _, err := c.DoJSON(ctx, http.MethodGet, "/v1/entries/"+id, nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Entry *queue.QueueEntry `json:"entry"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, err
	}
	if resp.Entry == nil {
		return nil, fmt.Errorf("missing entry in response")
	}
	return resp.Entry, nil
}

func (c *Client) Stats(ctx context.Context) (queue.Stats, error) {
	out, _, err := c.DoJSON(ctx, http.MethodGet, "/v1/queue/stats", nil, nil)
	if err != nil {
		return queue.Stats{}, err
	}
	var stats queue.Stats
	if err := json.Unmarshal(out, &stats); err != nil {
		return queue.Stats{}, err
	}
	return stats, nil
}

func (c *Client) ListDead(ctx context.Context) ([]queue.QueueEntry, error) {
	out, _, err := c.DoJSON(ctx, http.MethodGet, "/v1/dead", nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Dead []queue.QueueEntry `json:"dead"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, err
	}
	return resp.Dead, nil
}

func (c *Client) ResubmitDead(ctx context.Context, id string) (string, error) {
	out, _, err := c.DoJSON(ctx, http.MethodPost, "/v1/dead/"+id+"/resubmit", nil, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		EnvelopeID string `json:"envelope_id"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.EnvelopeID) == "" {
		return "", fmt.Errorf("missing envelope_id in response")
	}
	return resp.EnvelopeID, nil
}

func (c *Client) ListDeadLetters(ctx context.Context) ([]queue.DeadLetter, error) {
	out, _, err := c.DoJSON(ctx, http.MethodGet, "/v1/deadletters", nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		DeadLetters []queue.DeadLetter `json:"dead_letters"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

func (c *Client) Health(ctx context.Context) error {
	_, _, err := c.DoJSON(ctx, http.MethodGet, "/v1/health", nil, nil)
	return err
}
