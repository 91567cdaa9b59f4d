package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid envelope: " + e.Reason
	}
	return fmt.Sprintf("invalid envelope: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type Config struct {
	// AllowUnknownTypes accepts envelope types outside the built-in set.
	AllowUnknownTypes bool
	// MaxPayloadBytes bounds the marshaled payload size.
	MaxPayloadBytes int
	Clock           func() time.Time
}

// Validator turns a raw transport payload into a canonical Envelope.
// Validate is pure apart from the injected clock: it never touches
// storage or the network.
type Validator struct {
	cfg Config
}

func NewValidator(cfg Config) *Validator {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 256 * 1024
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Validator{cfg: cfg}
}

// Legacy v0.1 wire names are accepted as aliases and never emitted.
var fieldAliases = map[string]string{
	"type":      "envelope_type",
	"from":      "sender",
	"to":        "recipient",
	"time":      "created_at",
	"inReplyTo": "in_reply_to",
}

var knownFields = map[string]struct{}{
	"id": {}, "envelope_type": {}, "sender": {}, "recipient": {},
	"payload": {}, "context": {}, "in_reply_to": {}, "created_at": {},
	"version": {},
}

func (v *Validator) Validate(raw []byte) (Envelope, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Envelope{}, invalid("", "not a json object: "+err.Error())
	}
	if doc == nil {
		return Envelope{}, invalid("", "document is null")
	}

	for alias, canonical := range fieldAliases {
		if val, ok := doc[alias]; ok {
			if _, exists := doc[canonical]; !exists {
				doc[canonical] = val
			}
			delete(doc, alias)
		}
	}

	env := Envelope{
		ID:        stringField(doc, "id"),
		Type:      Type(stringField(doc, "envelope_type")),
		Sender:    stringField(doc, "sender"),
		Recipient: stringField(doc, "recipient"),
		InReplyTo: stringField(doc, "in_reply_to"),
		Version:   stringField(doc, "version"),
	}

	if env.Sender == "" {
		return Envelope{}, invalid("sender", "required")
	}
	if env.Recipient == "" {
		return Envelope{}, invalid("recipient", "required")
	}
	if env.Type == "" {
		return Envelope{}, invalid("envelope_type", "required")
	}
	if !knownType(env.Type) && !v.cfg.AllowUnknownTypes {
		return Envelope{}, invalid("envelope_type", "unknown type "+string(env.Type))
	}

	payload, err := payloadField(doc["payload"])
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = payload
	if env.Payload != nil {
		blob, merr := json.Marshal(env.Payload)
		if merr != nil {
			return Envelope{}, invalid("payload", "not serializable: "+merr.Error())
		}
		if len(blob) > v.cfg.MaxPayloadBytes {
			return Envelope{}, invalid("payload", fmt.Sprintf("exceeds %d bytes", v.cfg.MaxPayloadBytes))
		}
	}

	ctx, err := contextField(doc["context"])
	if err != nil {
		return Envelope{}, err
	}
	env.Context = ctx

	// Unknown top-level fields are preserved under context, never a
	// validation failure (forward compatibility).
	for key, val := range doc {
		if _, ok := knownFields[key]; ok {
			continue
		}
		if env.Context == nil {
			env.Context = map[string]any{}
		}
		if _, taken := env.Context[key]; !taken {
			env.Context[key] = val
		}
	}

	env.CreatedAt = v.createdAtField(doc["created_at"])

	if env.ID == "" {
		// Deterministic id so transport re-delivery of an id-less payload
		// still dedupes at the queue.
		sum := sha256.Sum256(raw)
		env.ID = hex.EncodeToString(sum[:])
	}
	if env.InReplyTo != "" && env.InReplyTo == env.ID {
		return Envelope{}, invalid("in_reply_to", "envelope cannot reply to itself")
	}
	if env.Version == "" {
		env.Version = Version
	}
	return env, nil
}

func stringField(doc map[string]any, key string) string {
	if val, ok := doc[key].(string); ok {
		return strings.TrimSpace(val)
	}
	return ""
}

func payloadField(val any) (map[string]any, error) {
	switch p := val.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return p, nil
	case string:
		// v0.1 allowed plain-text payloads.
		return map[string]any{"text": p}, nil
	default:
		return nil, invalid("payload", "must be an object or string")
	}
}

func contextField(val any) (map[string]any, error) {
	switch c := val.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return c, nil
	case string:
		// v0.1 context was a bare thread identifier.
		if strings.TrimSpace(c) == "" {
			return nil, nil
		}
		return map[string]any{"thread": c}, nil
	default:
		return nil, invalid("context", "must be an object or string")
	}
}

func (v *Validator) createdAtField(val any) time.Time {
	raw, ok := val.(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return v.cfg.Clock().UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return v.cfg.Clock().UTC()
}
