// Package tracing wires OpenTelemetry spans around runs and steps.
package tracing

import (
	"context"

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

// InstrumentationName is the tracer name used by leadflow packages.
const InstrumentationName = "github.com/rendis/leadflow"

// Attribute keys.
const (
	RunIDKey        = "leadflow.run.id"
	WorkflowNameKey = "leadflow.workflow.name"
	RunStatusKey    = "leadflow.run.status"
	StepIDKey       = "leadflow.step.id"
	HandlerKey      = "leadflow.step.handler"
	StepStatusKey   = "leadflow.step.status"
	ErrorCodeKey    = "leadflow.error.code"
)

// Tracer returns the leadflow tracer from the global provider. Without Setup
// it is a no-op tracer.
//
//nolint:ireturn
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Setup installs a global tracer provider that exports over OTLP/HTTP. The
// exporter reads the standard OTEL_EXPORTER_OTLP_* variables. Call the
// returned function to flush and stop the exporter.
//
//nolint:ireturn
func Setup(ctx context.Context, serviceName string) (trace.Tracer, func(context.Context) error, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return tp.Tracer(InstrumentationName), tp.Shutdown, nil
}

//nolint:ireturn,spancheck
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// SetError marks span failed with err.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
}
