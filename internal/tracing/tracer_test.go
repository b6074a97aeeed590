package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpanAndSetError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer(InstrumentationName)

	_, span := StartSpan(context.Background(), tracer, "leadflow.step", attribute.String(StepIDKey, "score"))
	SetError(span, errors.New("boom"), attribute.String(ErrorCodeKey, "HANDLER_EXECUTION_ERROR"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "leadflow.step", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "boom", ended[0].Status().Description)
	assert.Contains(t, ended[0].Attributes(), attribute.String(StepIDKey, "score"))
	assert.Contains(t, ended[0].Attributes(), attribute.String(ErrorCodeKey, "HANDLER_EXECUTION_ERROR"))
	assert.Len(t, ended[0].Events(), 1, "RecordError adds an exception event")
}

func TestTracerIsUsableWithoutSetup(t *testing.T) {
	_, span := Tracer().Start(context.Background(), "noop")
	span.End()
	assert.NotNil(t, span)
}
