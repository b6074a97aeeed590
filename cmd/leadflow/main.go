// Command leadflow runs B2B outreach pipelines declared as step graphs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/panel"
	"github.com/rendis/leadflow/internal/scheduler"
	"github.com/rendis/leadflow/pkg/mcp"
	"github.com/rendis/leadflow/pkg/schema"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1 // run finished with failed steps, or graph invalid
	exitUsage   = 2
	exitAborted = 3
)

const usage = `usage: leadflow <command> [flags]

commands:
  run        execute the graph once and print a summary
  validate   check a graph document and list every problem
  serve      serve MCP tools over stdio (runs the schedule and HTTP panel too, if set)
  schedule   run the graph on the configured cron schedule
  version    print the version
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:])
	case "validate":
		return runValidate(args[1:])
	case "serve":
		return runServe(ctx, args[1:])
	case "schedule":
		return runSchedule(ctx, args[1:])
	case "version":
		printVersion()
		return exitOK
	case "-h", "--help", "help":
		fmt.Print(usage)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitUsage
	}
}

func runRun(ctx context.Context, args []string) int {
	cfg := loadConfig()
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	graphPath := fs.String("graph", cfg.GraphPath, "graph document (JSON or YAML)")
	inputsJSON := fs.String("inputs", "", "JSON object overriding the graph's inputs")
	out := fs.String("out", cfg.ResultsPath, "write the report and reasoning history as JSON to this file")
	noStore := fs.Bool("no-store", false, "do not persist the run")
	format := fs.String("diagram", "", "draw the graph with step outcomes after the run: ascii, mermaid or png")
	diagramOut := fs.String("diagram-out", "", "write the diagram to this file instead of stdout")
	progress := fs.Bool("progress", false, "print each step's outcome to stderr as it finishes")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	var inputs map[string]any
	if *inputsJSON != "" {
		if err := json.Unmarshal([]byte(*inputsJSON), &inputs); err != nil {
			fmt.Fprintf(os.Stderr, "Error: -inputs must be a JSON object: %v\n", err)
			return exitUsage
		}
	}

	a, err := newApp(ctx, cfg, !*noStore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer closeApp(a)

	exec, err := a.executor(*graphPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailed
	}

	stopProgress := func() {}
	if *progress {
		stopProgress = followProgress(ctx, a.hub, os.Stderr)
	}
	report, runErr := exec.RunWithInputs(ctx, inputs)
	stopProgress()
	if report == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		return exitAborted
	}

	history := exec.ReasoningHistory()
	a.record(ctx, exec, report)
	if *out != "" {
		if err := writeResults(*out, report, history); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		} else {
			fmt.Printf("Results written to %s\n\n", *out)
		}
	}

	printSummary(os.Stdout, report, exec.Graph().Order())
	if *format != "" {
		fmt.Println()
		if err := emitDiagram(ctx, exec.Graph(), report, *format, *diagramOut); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	switch {
	case errors.Is(runErr, engine.ErrRunAborted):
		fmt.Fprintf(os.Stderr, "\nRun aborted: %v\n", runErr)
		return exitAborted
	case runErr != nil:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", runErr)
		return exitFailed
	case !report.Success:
		return exitFailed
	default:
		return exitOK
	}
}

func runValidate(args []string) int {
	cfg := loadConfig()
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	graphPath := fs.String("graph", cfg.GraphPath, "graph document (JSON or YAML)")
	format := fs.String("diagram", "", "also draw the graph: ascii, mermaid or png")
	diagramOut := fs.String("diagram-out", "", "write the diagram to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	a, err := newApp(context.Background(), Config{LogLevel: cfg.LogLevel}, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer closeApp(a)

	g, err := a.loader.Load(*graphPath)
	if err != nil {
		var gve *schema.GraphValidationError
		if errors.As(err, &gve) {
			fmt.Printf("%s: %d problem(s)\n", *graphPath, len(gve.Issues))
			for _, issue := range gve.Issues {
				fmt.Printf("  - %s [%s]: %s\n", issue.Path, issue.Code, issue.Message)
			}
			return exitFailed
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailed
	}

	fmt.Printf("%s: valid (%s, %d steps)\n", *graphPath, g.Name(), g.Len())
	for _, id := range g.Order() {
		step, _ := g.Step(id)
		fmt.Printf("  %-24s %-24s deps=%v\n", id, step.HandlerName(), g.Dependencies(id))
	}
	if *format != "" {
		if err := emitDiagram(context.Background(), g, nil, *format, *diagramOut); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitUsage
		}
	}
	return exitOK
}

func runServe(ctx context.Context, args []string) int {
	cfg := loadConfig()
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	graphPath := fs.String("graph", cfg.GraphPath, "default graph for leadflow.run and the schedule")
	schedule := fs.String("schedule", cfg.Schedule, "cron expression; empty disables scheduled runs")
	httpAddr := fs.String("http", cfg.HTTPAddr, "serve the HTTP panel on this address, e.g. :8080")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer closeApp(a)

	execCfg, err := a.executorConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}

	deps := mcp.ServerDeps{
		Loader:    a.loader,
		Handlers:  a.registry,
		Executor:  execCfg,
		GraphPath: *graphPath,
		Logger:    a.logger,
	}
	if a.store != nil {
		deps.Store = a.store
		deps.Replayer = a.events
	}
	deps.Hub = a.hub
	srv := mcp.NewServer(deps)

	var sched *scheduler.Scheduler
	if *schedule != "" {
		sched, err = a.startScheduler(ctx, *graphPath, *schedule, func(ctx context.Context, report *schema.ExecutionReport) {
			srv.NotifyRunFinished(ctx, "", report)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitUsage
		}
		defer func() { _ = sched.Stop() }()
	}

	if *httpAddr != "" {
		p, err := a.newPanel(*graphPath, sched)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return exitUsage
		}
		go func() {
			a.logger.Info("serving panel", slog.String("addr", *httpAddr))
			if err := p.ListenAndServe(ctx, *httpAddr); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("panel stopped", slog.String("error", err.Error()))
			}
		}()
	}

	a.logger.Info("serving MCP over stdio", slog.String("graph", *graphPath))
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFailed
	}
	return exitOK
}

func runSchedule(ctx context.Context, args []string) int {
	cfg := loadConfig()
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	graphPath := fs.String("graph", cfg.GraphPath, "graph document (JSON or YAML)")
	cronExpr := fs.String("cron", cfg.Schedule, "cron expression, e.g. \"0 9 * * 1-5\"")
	now := fs.Bool("now", false, "also run once immediately")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *cronExpr == "" {
		fmt.Fprintln(os.Stderr, "Error: no schedule; pass -cron or set LEADFLOW_SCHEDULE")
		return exitUsage
	}

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer closeApp(a)

	sched, err := a.startScheduler(ctx, *graphPath, *cronExpr, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUsage
	}
	if *now {
		job := sched.Jobs()[0]
		if _, err := sched.RunNow(ctx, job.ID); err != nil {
			a.logger.Error("immediate run aborted", slog.String("error", err.Error()))
		}
	}

	<-ctx.Done()
	_ = sched.Stop()
	return exitOK
}

// startScheduler runs the graph at path on cronExpr. Every finished run is
// recorded, then handed to notify if set.
func (a *app) startScheduler(ctx context.Context, path, cronExpr string, notify func(context.Context, *schema.ExecutionReport)) (*scheduler.Scheduler, error) {
	exec, err := a.executor(path)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(exec, scheduler.Config{
		Logger: a.logger,
		Sink: func(ctx context.Context, _ scheduler.Job, report *schema.ExecutionReport, _ error) {
			a.record(ctx, exec, report)
			if notify != nil {
				notify(ctx, report)
			}
		},
	})
	if _, err := sched.AddJob(scheduler.Job{Name: exec.Graph().Name(), CronExpression: cronExpr}); err != nil {
		return nil, err
	}
	if err := sched.Start(ctx); err != nil {
		return nil, err
	}
	return sched, nil
}

// newPanel builds the HTTP panel over this process's store, hub and schedule.
// sched may be nil.
func (a *app) newPanel(graphPath string, sched *scheduler.Scheduler) (*panel.PanelServer, error) {
	deps := panel.PanelDeps{Hub: a.hub, Logger: a.logger}
	if a.store != nil {
		deps.Store = a.store
		deps.Replayer = a.events
	}
	if sched != nil {
		deps.Scheduler = sched
	}
	if graphPath != "" {
		g, err := a.loader.Load(graphPath)
		if err != nil {
			return nil, err
		}
		deps.Graph = g
	}
	return panel.NewPanelServer(deps), nil
}

func closeApp(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Close(ctx)
}
