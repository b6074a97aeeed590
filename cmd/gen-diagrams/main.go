// gen-diagrams renders the outreach example pipeline for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/leadflow/internal/diagram"
	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/handlers"
	"github.com/rendis/leadflow/pkg/schema"
)

func main() {
	reg := handlers.NewRegistry()
	if err := handlers.RegisterBuiltins(reg, handlers.ConfigFromEnv(expressions.MapEnvironment{})); err != nil {
		fmt.Fprintf(os.Stderr, "register handlers: %v\n", err)
		os.Exit(1)
	}

	g, err := engine.LoadGraph(filepath.Join("examples", "outreach", "pipeline.yaml"), reg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load graph: %v\n", err)
		os.Exit(1)
	}

	// A partial failure: sending timed out, so tracking and feedback never ran.
	report := &schema.ExecutionReport{
		WorkflowName: g.Name(),
		Status:       schema.RunStatusCompleted,
		Data: map[string]*schema.StepReport{
			"prospect": {Status: schema.StepStatusSuccess},
			"enrich":   {Status: schema.StepStatusSuccess},
			"score":    {Status: schema.StepStatusSuccess},
			"content":  {Status: schema.StepStatusSuccess},
			"send":     {Status: schema.StepStatusFailed, Cause: schema.ErrCodeTimeout},
			"track":    {Status: schema.StepStatusFailed, Cause: "upstream dependency failed"},
			"feedback": {Status: schema.StepStatusFailed, Cause: "upstream dependency failed"},
		},
	}

	model, err := diagram.Build(g, report)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build error: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir: %v\n", err)
		os.Exit(1)
	}

	ascii := diagram.RenderASCII(model)
	writeAsset(filepath.Join(outDir, "pipeline-ascii.txt"), []byte(ascii))
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(model)
	writeAsset(filepath.Join(outDir, "pipeline-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"))
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	png, imgErr := diagram.RenderImage(context.Background(), model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
		return
	}
	pngPath := filepath.Join(outDir, "pipeline.png")
	writeAsset(pngPath, png)
	fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
}

func writeAsset(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
	}
}
