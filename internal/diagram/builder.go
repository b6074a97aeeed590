package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/pkg/schema"
)

// Build constructs a DiagramModel from a loaded graph. When report is non-nil
// each step node carries the step's final status from that run.
//
// Steps with no dependencies hang off the virtual start node; steps nothing
// depends on lead to the virtual end node. Levels group steps by the length
// of their longest dependency chain.
func Build(g *engine.Graph, report *schema.ExecutionReport) (*DiagramModel, error) {
	if g == nil {
		return nil, fmt.Errorf("diagram: nil graph")
	}

	order := g.Order()
	nodes := make([]*Node, 0, len(order)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})

	for _, id := range order {
		step, _ := g.Step(id)
		node := stepToNode(step)
		overlayStatus(node, report)
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  g.Name(),
		Nodes:  nodes,
		Edges:  buildEdges(g, order),
		Levels: buildLevels(g, order),
	}, nil
}

func stepToNode(step schema.StepDefinition) *Node {
	handler := step.HandlerName()
	tools := make([]string, 0, len(step.Tools))
	for _, t := range step.Tools {
		tools = append(tools, t.Name)
	}

	kind := NodeKindStep
	if len(tools) > 0 {
		kind = NodeKindTool
	}
	return &Node{
		ID:      step.ID,
		Label:   nodeLabel(step.ID, handler, tools),
		Handler: handler,
		Tools:   tools,
		Kind:    kind,
	}
}

// nodeLabel puts the step ID on the first line and the handler (plus tools)
// on the second. Renderers with no room for detail use the first line only.
func nodeLabel(id, handler string, tools []string) string {
	if handler == "" {
		return id
	}
	if len(tools) == 0 {
		return fmt.Sprintf("%s\n(%s)", id, handler)
	}
	return fmt.Sprintf("%s\n(%s: %s)", id, handler, strings.Join(tools, ", "))
}

func overlayStatus(node *Node, report *schema.ExecutionReport) {
	sr := report.Step(node.ID)
	if sr == nil {
		return
	}
	node.Status = &StatusOverlay{Status: string(sr.Status), Cause: sr.Cause}
}

func buildEdges(g *engine.Graph, order []string) []Edge {
	if len(order) == 0 {
		return []Edge{{From: StartID, To: EndID}}
	}

	var edges []Edge
	for _, id := range order {
		deps := g.Dependencies(id)
		if len(deps) == 0 {
			edges = append(edges, Edge{From: StartID, To: id})
			continue
		}
		for _, dep := range deps {
			edges = append(edges, Edge{From: dep, To: id})
		}
	}
	for _, id := range order {
		if len(g.Dependents(id)) == 0 {
			edges = append(edges, Edge{From: id, To: EndID})
		}
	}
	return edges
}

func buildLevels(g *engine.Graph, order []string) [][]string {
	depth := make(map[string]int, len(order))
	maxDepth := 0
	// Order is a valid topological order, so every dependency already has a depth.
	for _, id := range order {
		d := 1
		for _, dep := range g.Dependencies(id) {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+2)
	levels[0] = []string{StartID}
	for _, id := range order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	levels[maxDepth+1] = []string{EndID}
	return levels
}
