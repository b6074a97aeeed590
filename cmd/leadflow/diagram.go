package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rendis/leadflow/internal/diagram"
	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/pkg/schema"
)

// renderDiagram draws g in the requested format. report may be nil.
func renderDiagram(ctx context.Context, g *engine.Graph, report *schema.ExecutionReport, format string) ([]byte, error) {
	model, err := diagram.Build(g, report)
	if err != nil {
		return nil, err
	}
	switch format {
	case "ascii":
		return []byte(diagram.RenderASCII(model)), nil
	case "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	case "png":
		return diagram.RenderImage(ctx, model)
	default:
		return nil, fmt.Errorf("unknown diagram format %q (want ascii, mermaid or png)", format)
	}
}

// emitDiagram writes the diagram to path, or to stdout when path is empty.
// PNG output requires a path.
func emitDiagram(ctx context.Context, g *engine.Graph, report *schema.ExecutionReport, format, path string) error {
	if format == "png" && path == "" {
		return fmt.Errorf("png diagrams need -diagram-out")
	}
	data, err := renderDiagram(ctx, g, report, format)
	if err != nil {
		return err
	}
	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
