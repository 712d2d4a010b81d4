// Package telemetry provides OpenTelemetry tracing for the broker.
// Spans carry hashed incident identifiers and never secret material.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by broker components.
const TracerName = "github.com/witlox/breakglass"

// Config holds telemetry configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	SampleRate     float64
	Insecure       bool
	Enabled        bool
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Init initializes the telemetry provider. A disabled config yields the
// global no-op tracer.
func Init(ctx context.Context, cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{
			tracer: otel.Tracer(TracerName),
		}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(TracerName),
	}, nil
}

// Shutdown flushes and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		if err := tp.provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown tracer provider: %w", err)
		}
	}
	return nil
}

// Tracer returns the tracer for creating spans.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan starts a new span.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, name, opts...)
}

// StartStage starts a span for one broker stage on the global provider.
func StartStage(ctx context.Context, stage, incidentID string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "breakglass."+stage,
		trace.WithAttributes(NewSafeAttributes().Stage(stage).Incident(incidentID).Build()...),
	)
}

// End records err on span and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SafeAttributes returns attributes that are safe to include in traces.
type SafeAttributes struct {
	attrs []attribute.KeyValue
}

// NewSafeAttributes creates a new safe attributes builder.
func NewSafeAttributes() *SafeAttributes {
	return &SafeAttributes{
		attrs: make([]attribute.KeyValue, 0),
	}
}

// HTTPMethod adds the HTTP method.
func (sa *SafeAttributes) HTTPMethod(method string) *SafeAttributes {
	sa.attrs = append(sa.attrs, semconv.HTTPRequestMethodKey.String(method))
	return sa
}

// HTTPRoute adds the HTTP route template (not the actual path with IDs).
func (sa *SafeAttributes) HTTPRoute(route string) *SafeAttributes {
	sa.attrs = append(sa.attrs, semconv.HTTPRoute(route))
	return sa
}

// HTTPStatusCode adds the HTTP status code.
func (sa *SafeAttributes) HTTPStatusCode(code int) *SafeAttributes {
	sa.attrs = append(sa.attrs, semconv.HTTPResponseStatusCode(code))
	return sa
}

// Stage adds the broker stage name.
func (sa *SafeAttributes) Stage(stage string) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.String("breakglass.stage", stage))
	return sa
}

// Incident adds a hash of the incident ID.
func (sa *SafeAttributes) Incident(id string) *SafeAttributes {
	if id == "" {
		return sa
	}
	h := sha256.Sum256([]byte(id))
	sa.attrs = append(sa.attrs, attribute.String("breakglass.incident_hash", hex.EncodeToString(h[:8])))
	return sa
}

// Result adds an operation result (success/failure).
func (sa *SafeAttributes) Result(result string) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.String("result", result))
	return sa
}

// Duration adds a duration in milliseconds.
func (sa *SafeAttributes) Duration(d time.Duration) *SafeAttributes {
	sa.attrs = append(sa.attrs, attribute.Int64("duration_ms", d.Milliseconds()))
	return sa
}

// Build returns the safe attributes.
func (sa *SafeAttributes) Build() []attribute.KeyValue {
	return sa.attrs
}
