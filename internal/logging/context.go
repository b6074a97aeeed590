package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stepIDKey
	handlerKey
)

// correlation lists the context keys copied onto every record, in order.
var correlation = []struct {
	key  ctxKey
	attr string
}{
	{runIDKey, "run_id"},
	{stepIDKey, "step_id"},
	{handlerKey, "handler"},
}

// WithRunID returns a context carrying the run ID.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStep returns a context carrying the step ID and its handler name.
func WithStep(ctx context.Context, stepID, handler string) context.Context {
	ctx = context.WithValue(ctx, stepIDKey, stepID)
	return context.WithValue(ctx, handlerKey, handler)
}

func RunID(ctx context.Context) string   { return value(ctx, runIDKey) }
func StepID(ctx context.Context) string  { return value(ctx, stepIDKey) }
func Handler(ctx context.Context) string { return value(ctx, handlerKey) }

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, c := range correlation {
		if v := value(ctx, c.key); v != "" {
			attrs = append(attrs, slog.String(c.attr, v))
		}
	}
	return attrs
}

// LogWith returns logger enriched with the correlation IDs in ctx.
// Empty IDs are omitted. Loggers built on a CorrelationHandler already
// read them from the context and are returned unchanged.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if _, ok := logger.Handler().(*CorrelationHandler); ok {
		return logger
	}
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler injects the correlation IDs from the record's context,
// so logger.InfoContext(ctx, ...) is enough at call sites.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug/info/warn/error to a slog level. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger: JSON to w, filtered at level, with correlation.
func New(w io.Writer, level string) *slog.Logger {
	inner := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewCorrelationHandler(inner))
}

// Discard returns a logger that drops everything. Components use it when
// constructed with a nil logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns l, or Discard() when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
