// Package intake is the boundary between the transport and the queue: raw
// payloads go in, exactly one of three things happens. Valid envelopes are
// enqueued, invalid payloads become dead letters, and duplicates are
// acknowledged without a second enqueue. The transport can always report
// success for anything intake accepted, so redelivery is harmless.
package intake

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/codes"

	"github.com/joelkehle/agent-hub/internal/envelope"
	hubotel "github.com/joelkehle/agent-hub/internal/otel"
	"github.com/joelkehle/agent-hub/internal/queue"
)

// Disposition says what intake did with a payload.
type Disposition string

const (
	DispositionEnqueued   Disposition = "enqueued"
	DispositionDuplicate  Disposition = "duplicate"
	DispositionDeadLetter Disposition = "dead_letter"
)

type Result struct {
	Disposition Disposition
	// EnvelopeID is set for enqueued and duplicate payloads.
	EnvelopeID string
	// DeadLetterID is set when the payload failed validation.
	DeadLetterID string
	// Reason explains a dead-letter disposition.
	Reason string
}

type Intake struct {
	validator *envelope.Validator
	store     queue.API
}

func New(validator *envelope.Validator, store queue.API) *Intake {
	return &Intake{validator: validator, store: store}
}

// Ingest validates and enqueues one raw payload. It returns an error only
// for store-side failures; malformed payloads and duplicates are normal
// dispositions, not errors.
func (in *Intake) Ingest(ctx context.Context, raw []byte) (Result, error) {
	ctx, span := hubotel.Tracer().Start(ctx, "intake.Ingest")
	defer span.End()

	env, err := in.validator.Validate(raw)
	if err != nil {
		var verr *envelope.ValidationError
		if !errors.As(err, &verr) {
			span.SetStatus(codes.Error, err.Error())
			return Result{}, err
		}
		dl := in.store.RecordDeadLetter(raw, verr.Error())
		span.AddEvent("dead_letter")
		return Result{
			Disposition:  DispositionDeadLetter,
			DeadLetterID: dl.ID,
			Reason:       verr.Error(),
		}, nil
	}
	span.SetAttributes(
		hubotel.AttrEnvelopeID.String(env.ID),
		hubotel.AttrEnvelopeType.String(string(env.Type)),
		hubotel.AttrRecipient.String(env.Recipient),
	)

	if _, err := in.store.Enqueue(env); err != nil {
		if queue.IsDuplicate(err) {
			// Transport redelivery: the first copy already won.
			return Result{Disposition: DispositionDuplicate, EnvelopeID: env.ID}, nil
		}
		var qerr *queue.Error
		if errors.As(err, &qerr) && qerr.Code == queue.CodeValidation {
			// The queue enforces structural invariants the validator cannot
			// see, such as reply edges pointing forward in time.
			dl := in.store.RecordDeadLetter(raw, qerr.Message)
			span.AddEvent("dead_letter")
			return Result{
				Disposition:  DispositionDeadLetter,
				DeadLetterID: dl.ID,
				Reason:       qerr.Message,
			}, nil
		}
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	return Result{Disposition: DispositionEnqueued, EnvelopeID: env.ID}, nil
}
