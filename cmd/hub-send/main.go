// hub-send submits an envelope to a running agent-hub and optionally waits
// for the reply to show up in the queue.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joelkehle/agent-hub/internal/hubclient"
	"github.com/joelkehle/agent-hub/internal/queue"
)

func main() {
	var (
		hubURL    = flag.String("hub-url", "http://localhost:8080", "Hub base URL")
		secret    = flag.String("secret", os.Getenv("HUB_SHARED_SECRET"), "Shared secret for signing (default: HUB_SHARED_SECRET env)")
		sender    = flag.String("from", "hub-send", "Sender endpoint")
		recipient = flag.String("to", "agent-worker", "Recipient endpoint")
		envType   = flag.String("type", "command", "Envelope type")
		payload   = flag.String("payload", "", "Payload JSON object (default: a ping command)")
		inReplyTo = flag.String("in-reply-to", "", "ID of the envelope this one replies to")
		stats     = flag.Bool("stats", false, "Print queue stats and exit")
		wait      = flag.Duration("wait", 0, "Poll until the envelope leaves the queue (0 = fire and forget)")
	)
	flag.Parse()

	ctx := context.Background()
	client := hubclient.NewClient(*hubURL, *secret)

	if *stats {
		s, err := client.Stats(ctx)
		if err != nil {
			log.Fatal(err)
		}
		out, _ := json.MarshalIndent(s, "", "  ")
		fmt.Println(string(out))
		return
	}

	var body map[string]any
	if *payload == "" {
		body = map[string]any{"intent": "ping"}
	} else if err := json.Unmarshal([]byte(*payload), &body); err != nil {
		log.Fatalf("--payload is not a JSON object: %v", err)
	}

	env := map[string]any{
		"id":            uuid.NewString(),
		"envelope_type": *envType,
		"sender":        *sender,
		"recipient":     *recipient,
		"payload":       body,
		"created_at":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if strings.TrimSpace(*inReplyTo) != "" {
		env["in_reply_to"] = *inReplyTo
	}
	raw, err := json.Marshal(env)
	if err != nil {
		log.Fatal(err)
	}

	res, err := client.Ingest(ctx, raw)
	if err != nil {
		log.Fatalf("ingest: %v", err)
	}
	fmt.Printf("%s %s\n", res.Disposition, res.EnvelopeID)

	if *wait <= 0 {
		return
	}
	deadline := time.Now().Add(*wait)
	for time.Now().Before(deadline) {
		entry, err := client.Entry(ctx, res.EnvelopeID)
		if err != nil {
			log.Fatalf("entry %s: %v", res.EnvelopeID, err)
		}
		if entry.State == queue.StateDone || entry.State == queue.StateDead {
			fmt.Println(entry.State)
			if entry.LastError != "" {
				fmt.Println(entry.LastError)
			}
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	log.Fatalf("timed out after %s waiting for %s", *wait, res.EnvelopeID)
}
