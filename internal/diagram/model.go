package diagram

// NodeKind classifies a diagram node. Steps whose handler declares tools are
// drawn apart from plain steps.
type NodeKind string

const (
	NodeKindStep  NodeKind = "step"
	NodeKindTool  NodeKind = "tool"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// Virtual node IDs framing every diagram.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID      string
	Label   string
	Handler string
	Tools   []string
	Kind    NodeKind
	Status  *StatusOverlay
}

// StatusOverlay carries the outcome of one step from an execution report.
type StatusOverlay struct {
	Status string // from schema.StepStatus
	Cause  string
}

// Edge is a data dependency: To reads From's output.
type Edge struct {
	From  string
	To    string
	Label string
}

// Node returns the node with the given ID, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
