package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joelkehle/agent-hub/internal/envelope"
)

const summarizeSystemPrompt = "You summarize messages exchanged between AI agents. Reply with a single plain-text paragraph of at most three sentences. No preamble."

type llmFailureClass int

const (
	failureTimeout llmFailureClass = iota
	failureRateLimit
	failureServer
	failureClient
)

type LLMCaller interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

type AnthropicCaller struct {
	messages AnthropicMessager
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

func NewAnthropicCallerFromEnv() (*AnthropicCaller, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	return &AnthropicCaller{messages: newAnthropicClient(apiKey)}, nil
}

func (a *AnthropicCaller) GenerateText(ctx context.Context, prompt string) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens:   1024,
		System:      []anthropic.TextBlockParam{{Text: summarizeSystemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// RegisterLLMSummarize replaces the built-in truncating summarize handler
// with an LLM-backed one. Transient transport failures are retried twice;
// anything else falls back to the truncating summary so the sender still
// gets an answer.
func RegisterLLMSummarize(mux *IntentMux, caller LLMCaller) {
	mux.Register("summarize", func(ctx context.Context, env envelope.Envelope) (map[string]any, error) {
		text := payloadText(env)
		if strings.TrimSpace(text) == "" {
			return map[string]any{"summary": ""}, nil
		}
		summary, err := generateSummary(ctx, caller, text)
		if err != nil {
			return map[string]any{"summary": shorten(text, summaryMaxRunes)}, nil
		}
		return map[string]any{"summary": summary}, nil
	})
}

func generateSummary(ctx context.Context, caller LLMCaller, text string) (string, error) {
	prompt := "Summarize the following message:\n\n" + text
	for attempt := 1; attempt <= 3; attempt++ {
		raw, err := caller.GenerateText(ctx, prompt)
		if err != nil {
			class := classifyTransportError(err)
			if (class == failureTimeout || class == failureRateLimit || class == failureServer) && attempt < 3 {
				time.Sleep(backoffDelay(attempt))
				continue
			}
			return "", fmt.Errorf("summarize transport failure: %w", err)
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			if attempt < 3 {
				continue
			}
			return "", errors.New("summarize failed: empty response")
		}
		return raw, nil
	}
	return "", errors.New("summarize failed after retries")
}

func classifyTransportError(err error) llmFailureClass {
	msg := strings.ToLower(err.Error())
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	switch {
	case strings.Contains(msg, "429"):
		return failureRateLimit
	case strings.Contains(msg, " 5") || strings.Contains(msg, "status code: 5") || strings.Contains(msg, "server error"):
		return failureServer
	case strings.Contains(msg, " 4") || strings.Contains(msg, "status code: 4"):
		return failureClient
	default:
		return failureServer
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	return 2 * time.Second
}
