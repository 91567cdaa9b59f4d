// Package report builds the operator digest: queue health, dead entries, and
// dead letters, as markdown or rendered HTML.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joelkehle/agent-hub/internal/queue"
)

const maxRawPreview = 120

func BuildMarkdown(stats queue.Stats, dead []queue.QueueEntry, deadLetters []queue.DeadLetter, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Agent Hub Queue Digest\n\n")
	fmt.Fprintf(&b, "- Generated: %s\n\n", now.UTC().Format(time.RFC3339))

	fmt.Fprintf(&b, "## Queue\n\n")
	b.WriteString("| State | Entries |\n")
	b.WriteString("| --- | --- |\n")
	fmt.Fprintf(&b, "| pending | %d |\n", stats.Pending)
	fmt.Fprintf(&b, "| claimed | %d |\n", stats.Claimed)
	fmt.Fprintf(&b, "| processing | %d |\n", stats.Processing)
	fmt.Fprintf(&b, "| done | %d |\n", stats.Done)
	fmt.Fprintf(&b, "| failed | %d |\n", stats.Failed)
	fmt.Fprintf(&b, "| dead | %d |\n\n", stats.Dead)

	fmt.Fprintf(&b, "## Dead Entries\n\n")
	if len(dead) == 0 {
		b.WriteString("None.\n\n")
	} else {
		b.WriteString("| Envelope | Sender | Recipient | Attempts | Last Error |\n")
		b.WriteString("| --- | --- | --- | --- | --- |\n")
		for _, e := range dead {
			fmt.Fprintf(&b, "| `%s` | %s | %s | %d | %s |\n",
				e.Envelope.ID, cell(e.Envelope.Sender), cell(e.Envelope.Recipient),
				e.AttemptCount, cell(e.LastError))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Dead Letters\n\n")
	if len(deadLetters) == 0 {
		b.WriteString("None.\n")
	} else {
		b.WriteString("| ID | Recorded | Reason | Payload |\n")
		b.WriteString("| --- | --- | --- | --- |\n")
		for _, dl := range deadLetters {
			fmt.Fprintf(&b, "| `%s` | %s | %s | `%s` |\n",
				dl.ID, dl.RecordedAt.UTC().Format(time.RFC3339),
				cell(dl.Reason), cell(preview(dl.RawPayload)))
		}
	}
	return b.String()
}

// RenderHTML converts the digest markdown into a standalone HTML page.
func RenderHTML(markdown string) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(markdown), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return "<!doctype html><html><head><meta charset='utf-8'><title>Agent Hub Digest</title>" +
		"<style>" +
		"body{font-family:sans-serif;max-width:960px;margin:2rem auto;padding:0 1rem;color:#1c1917;}" +
		"table{width:100%;border-collapse:collapse;font-size:0.85rem;}" +
		"th,td{border:1px solid #a8a29e;padding:0.35rem 0.45rem;text-align:left;vertical-align:top;}" +
		"thead th{background:#f1f5f9;}" +
		"code{background:#f5f5f4;padding:0.1rem 0.25rem;border-radius:3px;}" +
		"</style></head><body>" + content.String() + "</body></html>", nil
}

// cell escapes pipe characters so free-form text cannot break the table.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

func preview(raw []byte) string {
	s := string(raw)
	if len(s) > maxRawPreview {
		s = s[:maxRawPreview] + "..."
	}
	return s
}
