// Package telemetry traces chat turns with OpenTelemetry. A turn is one
// "chat.turn" span with a "chat.round" child per upstream stream and a
// "chat.tool" child per tool call. Without an OTLP endpoint spans go to the
// global no-op provider.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/chatcore/internal/domain"
)

const ServiceName = "chatcore"

type Config struct {
	Endpoint string
	Version  string
	// SampleRatio applies to root spans; children follow their parent.
	// Values outside (0, 1) sample everything.
	SampleRatio float64
}

// Init installs the global tracer provider and returns its shutdown.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		slog.Info("tracing disabled, no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	slog.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Start opens a span on the global provider, so spans started before Init
// or without an endpoint are no-ops.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(ServiceName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func Turn(conversationID, model string, generation uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("conversation.id", conversationID),
		attribute.String("model", model),
		attribute.Int64("turn.generation", int64(generation)),
	}
}

func Round(n, toolCalls int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("round", n),
		attribute.Int("tool_calls", toolCalls),
	}
}

func Tool(name, callID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("tool.name", name),
		attribute.String("tool.call_id", callID),
	}
}

// EndTurn records the outcome of a turn on its span. err marks the span as
// failed; cancellations should pass nil.
func EndTurn(span trace.Span, state string, premiumUnits float64, usage *domain.Usage, err error) {
	span.SetAttributes(
		attribute.String("turn.state", state),
		attribute.Float64("premium.units", premiumUnits),
	)
	if usage != nil {
		span.SetAttributes(
			attribute.Int("tokens.input", usage.PromptTokens),
			attribute.Int("tokens.output", usage.CompletionTokens),
			attribute.Int("tokens.total", usage.TotalTokens),
		)
	}
	Fail(span, err)
}

// Fail marks span as errored. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the hex trace id of the span in ctx, or "" when the span
// is not sampled.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsSampled() || !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
