package pipeline

import (
	"fmt"
	"sort"

	"github.com/authcore-labs/authcore/pkg/platform"
)

// MaxChainDepth bounds the number of layers a compiled plan may have.
const MaxChainDepth = 10

// CompilePlan compiles the execution plan for one trigger node: the
// subgraph of script nodes reachable from the trigger, layered so that
// every script runs after all of its in-graph dependencies. Scripts
// within a layer are sorted by ID so recompiling an unchanged graph
// yields an identical plan.
func CompilePlan(g *Graph, trigger Node) (*Plan, error) {
	if trigger.Type != NodeTrigger {
		return nil, platform.E(platform.KindInvalidRequest, "plan root must be a trigger node")
	}

	nodes := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes[n.ID] = n
	}
	out := make(map[string][]string)
	for _, e := range g.Edges {
		out[e.From] = append(out[e.From], e.To)
	}

	// Reachable script nodes, breadth-first from the trigger.
	reachable := make(map[string]bool)
	queue := []string{trigger.ID}
	visited := map[string]bool{trigger.ID: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range out[id] {
			n, ok := nodes[next]
			if !ok || n.Type != NodeScript {
				continue
			}
			if !visited[next] {
				visited[next] = true
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	// In-degree counts only edges between reachable scripts; trigger
	// edges seed layer zero and carry no ordering weight.
	indeg := make(map[string]int, len(reachable))
	for id := range reachable {
		indeg[id] = 0
	}
	for _, e := range g.Edges {
		if e.From == trigger.ID {
			continue
		}
		if reachable[e.From] && reachable[e.To] {
			indeg[e.To]++
		}
	}

	var layers [][]string
	frontier := make([]string, 0, len(reachable))
	for id, d := range indeg {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	placed := 0
	for len(frontier) > 0 {
		if len(layers) == MaxChainDepth {
			return nil, platform.E(platform.KindInvalidRequest,
				fmt.Sprintf("pipeline for %s exceeds max chain depth %d", trigger.Hook, MaxChainDepth))
		}
		sort.Strings(frontier)
		layer := make([]string, 0, len(frontier))
		for _, id := range frontier {
			layer = append(layer, nodes[id].ScriptID)
		}
		layers = append(layers, layer)
		placed += len(frontier)

		var next []string
		for _, id := range frontier {
			for _, to := range out[id] {
				if !reachable[to] {
					continue
				}
				indeg[to]--
				if indeg[to] == 0 {
					next = append(next, to)
				}
			}
		}
		frontier = next
	}

	// Nodes never placed sit on a cycle. The compiler refuses rather
	// than silently dropping them.
	if placed != len(reachable) {
		return nil, platform.E(platform.KindInvalidRequest,
			fmt.Sprintf("pipeline for %s contains a cycle", trigger.Hook))
	}

	mode, ok := HookRegistry[trigger.Hook]
	if !ok {
		return nil, platform.E(platform.KindInvalidRequest,
			fmt.Sprintf("unknown hook %q on trigger %s", trigger.Hook, trigger.ID))
	}
	return &Plan{Hook: trigger.Hook, Trigger: trigger.ID, Mode: mode, Layers: layers}, nil
}

// CompilePlans compiles one plan per trigger node in the graph. All
// plans compile or none are returned; callers persist the set
// atomically so a bad edit never leaves a partially updated pipeline.
func CompilePlans(g *Graph) (map[Hook]*Plan, error) {
	plans := make(map[Hook]*Plan)
	for _, n := range g.Nodes {
		if n.Type != NodeTrigger {
			continue
		}
		if _, dup := plans[n.Hook]; dup {
			return nil, platform.E(platform.KindInvalidRequest,
				fmt.Sprintf("duplicate trigger for hook %q", n.Hook))
		}
		p, err := CompilePlan(g, n)
		if err != nil {
			return nil, err
		}
		plans[n.Hook] = p
	}
	return plans, nil
}
