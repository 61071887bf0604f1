package loom

import (
	"sort"
	"strings"
)

// Graph resolves a workflow's topology: validation, topological batching
// with AND-join readiness, and predecessor lookup. It is a pure value over
// a snapshot of nodes and edges; build one per run.
type Graph struct {
	nodes []Node
	edges []Edge

	nodeIDs    map[string]bool
	successors map[string][]string // from -> to
	preds      map[string][]string // to -> from
}

// NewGraph builds a Graph over a snapshot of nodes and edges.
func NewGraph(nodes []Node, edges []Edge) *Graph {
	g := &Graph{
		nodes:      nodes,
		edges:      edges,
		nodeIDs:    make(map[string]bool, len(nodes)),
		successors: make(map[string][]string),
		preds:      make(map[string][]string),
	}
	for _, n := range nodes {
		g.nodeIDs[n.ID] = true
	}
	for _, e := range edges {
		g.successors[e.FromNodeID] = append(g.successors[e.FromNodeID], e.ToNodeID)
		g.preds[e.ToNodeID] = append(g.preds[e.ToNodeID], e.FromNodeID)
	}
	return g
}

// Validate checks that every edge references nodes present in the snapshot,
// that no two edges share identical endpoints and ports, and that the edge
// set is acyclic. Cycle errors include a witness path.
func (g *Graph) Validate() error {
	seen := make(map[string]bool, len(g.edges))
	for _, e := range g.edges {
		if !g.nodeIDs[e.FromNodeID] {
			return Validationf("edge references invalid from_node_id: %s", e.FromNodeID)
		}
		if !g.nodeIDs[e.ToNodeID] {
			return Validationf("edge references invalid to_node_id: %s", e.ToNodeID)
		}
		key := e.FromNodeID + "\x00" + e.ToNodeID + "\x00" + e.FromPort + "\x00" + e.ToPort
		if seen[key] {
			return Validationf("duplicate edge %s -> %s (ports %s -> %s)", e.FromNodeID, e.ToNodeID, e.FromPort, e.ToPort)
		}
		seen[key] = true
	}

	if witness := g.findCycle(); len(witness) > 0 {
		return Validationf("cycle detected: %s", strings.Join(witness, " -> "))
	}
	return nil
}

// Batches peels the graph into topological layers (Kahn's algorithm).
// Every node in batch k has all of its predecessors in strictly earlier
// batches; within a batch, node ids are sorted alphabetically so input
// aggregation and sink concatenation stay deterministic.
func (g *Graph) Batches() ([][]string, error) {
	inDegree := make(map[string]int, len(g.nodeIDs))
	for id := range g.nodeIDs {
		inDegree[id] = len(g.preds[id])
	}

	var batch []string
	for id, deg := range inDegree {
		if deg == 0 {
			batch = append(batch, id)
		}
	}

	var batches [][]string
	released := 0
	for len(batch) > 0 {
		sort.Strings(batch)
		batches = append(batches, batch)
		released += len(batch)

		var next []string
		for _, id := range batch {
			for _, succ := range g.successors[id] {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		batch = next
	}

	if released != len(g.nodeIDs) {
		witness := g.findCycle()
		return nil, Validationf("cycle detected: %s", strings.Join(witness, " -> "))
	}
	return batches, nil
}

// Predecessors returns the direct upstream node ids of nodeID, sorted
// alphabetically. The order defines AND-join input aggregation.
func (g *Graph) Predecessors(nodeID string) []string {
	preds := append([]string(nil), g.preds[nodeID]...)
	sort.Strings(preds)
	return preds
}

// Sinks returns the ids of nodes with no successors, sorted alphabetically.
// Their outputs form the job's final output.
func (g *Graph) Sinks() []string {
	var sinks []string
	for id := range g.nodeIDs {
		if len(g.successors[id]) == 0 {
			sinks = append(sinks, id)
		}
	}
	sort.Strings(sinks)
	return sinks
}

// Schedule is an ordered execution plan. When Linear is set the workflow had
// no edges: batches are single nodes in order_index order and each node's
// input is the previous node's output (the pre-edge pipeline behavior).
type Schedule struct {
	Batches [][]string
	Linear  bool
}

// Schedule validates the graph and produces the execution plan. Workflows
// with zero edges fall back to a linear schedule sorted by order_index then
// creation time.
func (g *Graph) Schedule() (Schedule, error) {
	if len(g.edges) == 0 {
		ordered := append([]Node(nil), g.nodes...)
		sort.Slice(ordered, func(i, j int) bool {
			if ordered[i].OrderIndex != ordered[j].OrderIndex {
				return ordered[i].OrderIndex < ordered[j].OrderIndex
			}
			if ordered[i].CreatedAt != ordered[j].CreatedAt {
				return ordered[i].CreatedAt < ordered[j].CreatedAt
			}
			return ordered[i].ID < ordered[j].ID
		})
		batches := make([][]string, 0, len(ordered))
		for _, n := range ordered {
			batches = append(batches, []string{n.ID})
		}
		return Schedule{Batches: batches, Linear: true}, nil
	}

	if err := g.Validate(); err != nil {
		return Schedule{}, err
	}
	batches, err := g.Batches()
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{Batches: batches}, nil
}

// findCycle returns one cycle as a node-id path ("a -> b -> a"), or nil if
// the graph is acyclic. Recursive DFS with a gray/black coloring.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodeIDs))

	// Deterministic start order so the witness is stable.
	starts := make([]string, 0, len(g.nodeIDs))
	for id := range g.nodeIDs {
		starts = append(starts, id)
	}
	sort.Strings(starts)

	var stack []string
	var walk func(id string) []string
	walk = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		succs := append([]string(nil), g.successors[id]...)
		sort.Strings(succs)
		for _, succ := range succs {
			switch color[succ] {
			case gray:
				// Found: slice the stack from the first occurrence of succ.
				for i, s := range stack {
					if s == succ {
						witness := append([]string(nil), stack[i:]...)
						return append(witness, succ)
					}
				}
			case white:
				if w := walk(succ); w != nil {
					return w
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range starts {
		if color[id] == white {
			if w := walk(id); w != nil {
				return w
			}
		}
	}
	return nil
}

// JoinInputs aggregates upstream outputs for an AND-join: the outputs of
// preds (already alphabetical) joined with a blank line.
func JoinInputs(preds []string, outputs map[string]string) string {
	if len(preds) == 0 {
		return ""
	}
	parts := make([]string, 0, len(preds))
	for _, p := range preds {
		parts = append(parts, outputs[p])
	}
	return strings.Join(parts, "\n\n")
}
