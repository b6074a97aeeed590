package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/leadflow/internal/agent"
	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/handlers"
	"github.com/rendis/leadflow/internal/logging"
	"github.com/rendis/leadflow/internal/store"
	"github.com/rendis/leadflow/internal/streaming"
	"github.com/rendis/leadflow/internal/tracing"
	"github.com/rendis/leadflow/pkg/schema"
)

// app is the wired process: handlers, loader, store and tracing.
type app struct {
	cfg      Config
	logger   *slog.Logger
	env      expressions.Environment
	registry *handlers.Registry
	loader   *engine.Loader
	reasoner agent.Reasoner
	store    *store.LibSQLStore // nil when persistence is off
	events   *store.EventLog
	hub      *streaming.MemoryHub
	tracer   trace.Tracer
	shutdown []func(context.Context) error
}

// newApp wires everything a command needs. withStore opens and migrates
// the database.
func newApp(ctx context.Context, cfg Config, withStore bool) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logging.New(os.Stderr, cfg.LogLevel),
		env:    expressions.OSEnvironment{},
		hub:    streaming.NewMemoryHub(),
	}

	hcfg := handlers.ConfigFromEnv(a.env)
	hcfg.Logger = a.logger
	a.registry = handlers.NewRegistry()
	if err := handlers.RegisterBuiltins(a.registry, hcfg); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	a.reasoner = agent.TemplateReasoner{}
	if llm := handlers.NewChatLLM(handlers.NewClient(handlers.WithClientLogger(a.logger)),
		orDefault(hcfg.LLMURL, handlers.DefaultLLMURL), hcfg.LLMAPIKey,
		orDefault(hcfg.LLMModel, handlers.DefaultLLMModel)); llm != nil {
		a.reasoner = agent.NewLLMReasoner(llm)
	}

	loader, err := engine.NewLoader(a.registry)
	if err != nil {
		return nil, fmt.Errorf("build loader: %w", err)
	}
	a.loader = loader

	if cfg.OTel {
		tracer, stop, err := tracing.Setup(ctx, "leadflow")
		if err != nil {
			return nil, fmt.Errorf("setup tracing: %w", err)
		}
		a.tracer = tracer
		a.shutdown = append(a.shutdown, stop)
	}

	if withStore && cfg.DBPath != "" {
		if err := a.openStore(ctx); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if !hasScheme(a.cfg.DBPath) {
		if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o700); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(a.cfg.storeDSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return fmt.Errorf("migrate store: %w", err)
	}
	a.store = st
	a.events = store.NewEventLog(st)
	a.shutdown = append(a.shutdown, func(context.Context) error { return st.Close() })
	return nil
}

// executorConfig is the configuration every executor of this process shares.
func (a *app) executorConfig() (engine.ExecutorConfig, error) {
	timeout, err := a.cfg.stepTimeout()
	if err != nil {
		return engine.ExecutorConfig{}, err
	}
	cfg := engine.ExecutorConfig{
		Environment:  a.env,
		Reasoner:     a.reasoner,
		Schemas:      a.loader.Schemas(),
		StepTimeout:  timeout,
		HistoryLimit: a.cfg.HistoryLimit,
		Logger:       a.logger,
		Tracer:       a.tracer,
	}
	// A nil *EventLog must not reach the appender as a non-nil interface.
	var durable streaming.EventAppender
	if a.events != nil {
		durable = a.events
	}
	cfg.Events = streaming.NewAppender(a.hub, durable)
	return cfg, nil
}

// executor loads the graph at path and binds it to the handlers.
func (a *app) executor(path string) (*engine.Executor, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeGraphValidation, "no graph path configured")
	}
	g, err := a.loader.Load(path)
	if err != nil {
		return nil, err
	}
	cfg, err := a.executorConfig()
	if err != nil {
		return nil, err
	}
	return engine.NewExecutor(g, a.registry, cfg)
}

// record persists a finished run when a store is open. Failures are logged;
// the run itself already happened.
func (a *app) record(ctx context.Context, exec *engine.Executor, report *schema.ExecutionReport) {
	if a.store == nil || report == nil {
		return
	}
	if err := engine.RecordRun(context.WithoutCancel(ctx), a.store, exec, report); err != nil {
		a.logger.Error("failed to record run", slog.String("run_id", report.RunID), slog.String("error", err.Error()))
	}
}

// Close flushes tracing and closes the store, in reverse setup order.
func (a *app) Close(ctx context.Context) error {
	var first error
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		if err := a.shutdown[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	a.shutdown = nil
	return first
}

func orDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}
