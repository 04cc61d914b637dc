package domain

import (
	"fmt"
)

// WorkflowGraph is the static definition of a workflow: a set of typed
// nodes connected by directed edges. A graph must be acyclic and every
// edge must reference declared node ids.
type WorkflowGraph struct {
	ID    string     `json:"id" yaml:"id"`
	Name  string     `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []NodeSpec `json:"nodes" yaml:"nodes"`
	Edges []Edge     `json:"edges" yaml:"edges"`
}

// NodeSpec declares one unit of work. Parameter values may contain
// `{{ ... }}` expressions resolved by the sandbox at execution time.
type NodeSpec struct {
	ID         string                 `json:"id" yaml:"id"`
	Type       string                 `json:"type" yaml:"type"`
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Disabled   bool                   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`

	// Condition is an optional sandbox expression; the edge is followed
	// only when it evaluates truthy against the source node's output.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// OnError marks an error-path edge: it is followed when the source
	// node fails instead of when it succeeds.
	OnError bool `json:"on_error,omitempty" yaml:"on_error,omitempty"`
}

func (g *WorkflowGraph) Node(id string) (*NodeSpec, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Predecessors returns a map of node id to the edges feeding into it.
func (g *WorkflowGraph) Predecessors() map[string][]Edge {
	in := make(map[string][]Edge, len(g.Nodes))
	for _, e := range g.Edges {
		in[e.Target] = append(in[e.Target], e)
	}
	return in
}

// Successors returns a map of node id to the edges leaving it.
func (g *WorkflowGraph) Successors() map[string][]Edge {
	out := make(map[string][]Edge, len(g.Nodes))
	for _, e := range g.Edges {
		out[e.Source] = append(out[e.Source], e)
	}
	return out
}

// Validate checks the structural invariants: unique node ids, edges that
// reference declared nodes, and acyclicity. It returns a GraphError
// naming the first violation found.
func (g *WorkflowGraph) Validate() error {
	if len(g.Nodes) == 0 {
		return NewGraphError(g.ID, "graph has no nodes")
	}

	ids := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return NewGraphError(g.ID, "node with empty id")
		}
		if n.Type == "" {
			return NewGraphError(g.ID, fmt.Sprintf("node %q has empty type", n.ID))
		}
		if _, dup := ids[n.ID]; dup {
			return NewGraphError(g.ID, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = struct{}{}
	}

	indegree := make(map[string]int, len(g.Nodes))
	for id := range ids {
		indegree[id] = 0
	}
	out := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		if _, ok := ids[e.Source]; !ok {
			return NewGraphError(g.ID, fmt.Sprintf("edge references unknown source %q", e.Source))
		}
		if _, ok := ids[e.Target]; !ok {
			return NewGraphError(g.ID, fmt.Sprintf("edge references unknown target %q", e.Target))
		}
		if e.Source == e.Target {
			return NewGraphError(g.ID, fmt.Sprintf("self edge on node %q", e.Source))
		}
		out[e.Source] = append(out[e.Source], e.Target)
		indegree[e.Target]++
	}

	// Kahn's algorithm: if the topological order does not cover every
	// node, the remainder forms a cycle.
	queue := make([]string, 0, len(ids))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range out[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(ids) {
		return NewGraphError(g.ID, "graph contains a cycle")
	}

	return nil
}

// Entrypoints returns the nodes with no incoming edges, in declaration order.
func (g *WorkflowGraph) Entrypoints() []string {
	in := g.Predecessors()
	var roots []string
	for _, n := range g.Nodes {
		if len(in[n.ID]) == 0 {
			roots = append(roots, n.ID)
		}
	}
	return roots
}
