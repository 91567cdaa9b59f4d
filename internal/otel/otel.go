package otel

import (
	"context"
	"time"

	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/joelkehle/agent-hub"

// InitTracerProvider initializes the global TracerProvider with an OTLP/HTTP
// exporter and returns a shutdown func. Call once at daemon startup. If
// endpoint is empty the OTLP default (localhost:4318) applies.
func InitTracerProvider(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	if serviceName == "" {
		serviceName = "agent-hub"
	}
	opts := []otlptracehttp.Option{}
	if endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otelglobal.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the global tracer for agent-hub (after InitTracerProvider;
// before it, spans are no-ops).
func Tracer() trace.Tracer {
	return otelglobal.Tracer(tracerName)
}

// Common attribute keys for spans.
var (
	AttrEnvelopeID   = attribute.Key("envelope.id")
	AttrEnvelopeType = attribute.Key("envelope.type")
	AttrRecipient    = attribute.Key("envelope.recipient")
	AttrWorker       = attribute.Key("worker.id")
	AttrIntent       = attribute.Key("envelope.intent")
)
