// Package graph implements the graph composition primitive of spec
// §4.3: a DAG of named nodes with conditional edges, validated against
// cycles and unreachable nodes before it is ever run.
//
// Edge conditions are jq expressions evaluated against a producer
// node's output, using github.com/itchyny/gojq the way jordigilh-kubernaut
// pulls it in for predicate evaluation over structured data.
package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fluxworkflow/flux/internal"
	"github.com/itchyny/gojq"
)

// NodeFunc is one graph node's body.
type NodeFunc func(ctx context.Context, in json.RawMessage) (json.RawMessage, error)

// Node is a named, runnable vertex of the graph.
type Node struct {
	Name string
	Run  NodeFunc
}

// Edge connects From to To. When Condition is non-empty it is a jq
// expression evaluated against From's output; To only runs once every
// incoming edge whose condition is set evaluates truthy (non-false,
// non-null). An empty Condition is an unconditional edge.
type Edge struct {
	From      string
	To        string
	Condition string
}

// Graph is a validated, immutable DAG definition. Build with New, which
// performs the cycle/unreachable-node validation spec §4.3 requires
// before a Graph can be Run.
type Graph struct {
	nodes    map[string]Node
	order    []string
	incoming map[string][]Edge
	outgoing map[string][]Edge
	entry    []string
}

// New validates nodes and edges and returns a runnable Graph. It
// rejects: duplicate node names, edges referencing unknown nodes,
// cycles (via topological sort), and nodes unreachable from any entry
// node (via forward traversal from the nodes with no incoming edge,
// spec §4.3 "validation rejects cycles and unreachable end nodes").
func New(nodes []Node, edges []Edge) (*Graph, error) {
	g := &Graph{
		nodes:    make(map[string]Node, len(nodes)),
		incoming: make(map[string][]Edge),
		outgoing: make(map[string][]Edge),
	}
	for _, n := range nodes {
		if _, dup := g.nodes[n.Name]; dup {
			return nil, internal.NewValidationError(fmt.Sprintf("duplicate graph node %q", n.Name), nil)
		}
		g.nodes[n.Name] = n
	}
	for _, e := range edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, internal.NewValidationError(fmt.Sprintf("edge references unknown node %q", e.From), nil)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, internal.NewValidationError(fmt.Sprintf("edge references unknown node %q", e.To), nil)
		}
		g.outgoing[e.From] = append(g.outgoing[e.From], e)
		g.incoming[e.To] = append(g.incoming[e.To], e)
	}

	order, err := topoSort(g.nodes, g.outgoing)
	if err != nil {
		return nil, err
	}
	g.order = order

	for name := range g.nodes {
		if len(g.incoming[name]) == 0 {
			g.entry = append(g.entry, name)
		}
	}
	if len(g.entry) == 0 {
		return nil, internal.NewValidationError("graph has no entry node (every node has an incoming edge)", nil)
	}
	if err := checkReachable(g.nodes, g.outgoing, g.entry); err != nil {
		return nil, err
	}
	return g, nil
}

// topoSort Kahn's-algorithm sorts nodes, returning a ValidationError
// wrapping the cycle if the graph is not a DAG.
func topoSort(nodes map[string]Node, outgoing map[string][]Edge) ([]string, error) {
	indegree := make(map[string]int, len(nodes))
	for name := range nodes {
		indegree[name] = 0
	}
	for _, edges := range outgoing {
		for _, e := range edges {
			indegree[e.To]++
		}
	}

	var queue []string
	for name, d := range indegree {
		if d == 0 {
			queue = append(queue, name)
		}
	}

	var order []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, e := range outgoing[n] {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				queue = append(queue, e.To)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, internal.NewValidationError("graph contains a cycle", nil)
	}
	return order, nil
}

// checkReachable verifies every node is reachable by forward traversal
// from the entry set.
func checkReachable(nodes map[string]Node, outgoing map[string][]Edge, entry []string) error {
	visited := make(map[string]bool, len(nodes))
	stack := append([]string{}, entry...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		for _, e := range outgoing[n] {
			stack = append(stack, e.To)
		}
	}
	for name := range nodes {
		if !visited[name] {
			return internal.NewValidationError(fmt.Sprintf("node %q is unreachable from any entry node", name), nil)
		}
	}
	return nil
}

// Run executes the graph to completion: a node runs once all of its
// incoming edges' conditions evaluate true against their producer's
// output (an edge with no condition is always satisfied); a node with
// any unsatisfied incoming edge is skipped, and every node with an edge
// from a skipped node is skipped in turn.
func Run(ctx context.Context, g *Graph, input json.RawMessage) (map[string]json.RawMessage, error) {
	outputs := make(map[string]json.RawMessage, len(g.nodes))
	ran := make(map[string]bool, len(g.nodes))

	for _, name := range g.order {
		node := g.nodes[name]
		in := input
		if len(g.incoming[name]) > 0 {
			satisfied, producerOut, err := edgesSatisfied(g.incoming[name], outputs, ran)
			if err != nil {
				return nil, err
			}
			if !satisfied {
				continue
			}
			if producerOut != nil {
				in = producerOut
			}
		}
		out, err := node.Run(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("graph node %q: %w", name, err)
		}
		outputs[name] = out
		ran[name] = true
	}
	return outputs, nil
}

// edgesSatisfied reports whether node's incoming edges permit it to
// run (every producer ran and every condition holds), and the single
// upstream output to feed it when it has exactly one incoming edge
// (multiple producers leave `in` as the original graph input, matching
// a join node receiving a fan-in signal rather than a specific
// producer's payload).
func edgesSatisfied(incoming []Edge, outputs map[string]json.RawMessage, ran map[string]bool) (bool, json.RawMessage, error) {
	anySatisfied := false
	var lastOut json.RawMessage
	satisfiedCount := 0
	for _, e := range incoming {
		if !ran[e.From] {
			return false, nil, nil
		}
		out := outputs[e.From]
		ok, err := evalCondition(e.Condition, out)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			return false, nil, nil
		}
		anySatisfied = true
		satisfiedCount++
		lastOut = out
	}
	if satisfiedCount == 1 {
		return anySatisfied, lastOut, nil
	}
	return anySatisfied, nil, nil
}

// evalCondition evaluates a jq expression against a node's JSON output.
// An empty condition is always true.
func evalCondition(condition string, producerOutput json.RawMessage) (bool, error) {
	if condition == "" {
		return true, nil
	}
	query, err := gojq.Parse(condition)
	if err != nil {
		return false, internal.NewValidationError(fmt.Sprintf("invalid edge condition %q", condition), err)
	}

	var input interface{}
	if len(producerOutput) > 0 {
		if err := json.Unmarshal(producerOutput, &input); err != nil {
			return false, internal.NewInternalError("decode producer output for edge condition", err)
		}
	}

	iter := query.Run(input)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, ok := v.(error); ok {
		return false, internal.NewValidationError("edge condition evaluation failed", err)
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case nil:
		return false, nil
	default:
		return true, nil
	}
}
