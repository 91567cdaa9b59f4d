package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/joelkehle/agent-hub/internal/envelope"
)

type SMTPConfig struct {
	// Addr is the MTA's SMTP listener, host:port.
	Addr string
	// FromAddr and ToAddr are the addr-spec transport addresses; agent ids
	// ride in the message headers, not the SMTP envelope.
	FromAddr string
	ToAddr   string
	Timeout  time.Duration
}

// SMTPTransport injects envelopes into a local MTA. The agent ids are carried
// in the From/To display names and the body is the envelope JSON, so the
// receiving side can reconstruct the envelope without parsing addresses.
type SMTPTransport struct {
	cfg SMTPConfig
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:25"
	}
	if cfg.FromAddr == "" {
		cfg.FromAddr = "agent@localhost"
	}
	if cfg.ToAddr == "" {
		cfg.ToAddr = "worker@localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) Submit(ctx context.Context, env envelope.Envelope) error {
	msg, err := t.buildMessage(env)
	if err != nil {
		return fmt.Errorf("build mime message: %w", err)
	}

	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn, err := net.DialTimeout("tcp", t.cfg.Addr, time.Until(deadline))
	if err != nil {
		return fmt.Errorf("dial mta %s: %w", t.cfg.Addr, err)
	}
	_ = conn.SetDeadline(deadline)

	host := t.cfg.Addr
	if h, _, splitErr := net.SplitHostPort(t.cfg.Addr); splitErr == nil {
		host = h
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if err := client.Mail(t.cfg.FromAddr); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(t.cfg.ToAddr); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp finish: %w", err)
	}
	return client.Quit()
}

func (t *SMTPTransport) buildMessage(env envelope.Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	createdAt := env.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var sb strings.Builder
	// Agent ids ride in the display names; the addr-spec is for transport.
	fmt.Fprintf(&sb, "From: %s <%s>\r\n", env.Sender, t.cfg.FromAddr)
	fmt.Fprintf(&sb, "To: %s <%s>\r\n", env.Recipient, t.cfg.ToAddr)
	fmt.Fprintf(&sb, "Subject: Agent-Hub: %s\r\n", env.Type)
	fmt.Fprintf(&sb, "Date: %s\r\n", createdAt.Format(time.RFC1123Z))
	fmt.Fprintf(&sb, "Message-ID: <%s@agent-hub>\r\n", env.ID)
	if env.InReplyTo != "" {
		fmt.Fprintf(&sb, "In-Reply-To: <%s@agent-hub>\r\n", env.InReplyTo)
	}
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: application/json; charset=utf-8\r\n")
	sb.WriteString("\r\n")
	sb.Write(body)
	sb.WriteString("\r\n")
	return []byte(sb.String()), nil
}
