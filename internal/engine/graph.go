package engine

import (
	"fmt"
	"sort"
)

// Graph is a directed acyclic graph of pipeline stages.
type Graph struct {
	nodes  map[string]*graphNode
	order  []string   // topological order
	levels [][]string // stages whose dependencies are all in earlier levels
}

type graphNode struct {
	stage    Stage
	pos      int      // registration order, used to break ties
	edges    []string // stages this node depends on
	revEdges []string // stages that depend on this node
}

// BuildGraph constructs the stage graph. Every dependency must name a
// registered stage.
func BuildGraph(stages []Stage) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*graphNode, len(stages))}

	for i, s := range stages {
		name := s.Name()
		if _, dup := g.nodes[name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", name)
		}
		g.nodes[name] = &graphNode{stage: s, pos: i}
	}

	for name, node := range g.nodes {
		for _, dep := range node.stage.DependsOn() {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", name, dep)
			}
			node.edges = append(node.edges, dep)
			g.nodes[dep].revEdges = append(g.nodes[dep].revEdges, name)
		}
	}

	if err := g.topoSort(); err != nil {
		return nil, err
	}
	return g, nil
}

// Order returns stage names in dependency-respecting order.
func (g *Graph) Order() []string { return g.order }

// Levels groups stages into waves that may run concurrently.
func (g *Graph) Levels() [][]string { return g.levels }

// Stage returns the registered stage by name.
func (g *Graph) Stage(name string) Stage {
	if n, ok := g.nodes[name]; ok {
		return n.stage
	}
	return nil
}

// Dependencies returns the direct dependencies of a stage.
func (g *Graph) Dependencies(name string) []string {
	if n, ok := g.nodes[name]; ok {
		return n.edges
	}
	return nil
}

// topoSort runs Kahn's algorithm one frontier at a time so that each
// frontier becomes a level.
func (g *Graph) topoSort() error {
	inDegree := make(map[string]int, len(g.nodes))
	var frontier []string
	for name, n := range g.nodes {
		inDegree[name] = len(n.edges)
		if len(n.edges) == 0 {
			frontier = append(frontier, name)
		}
	}

	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			return g.nodes[frontier[i]].pos < g.nodes[frontier[j]].pos
		})
		g.levels = append(g.levels, frontier)
		g.order = append(g.order, frontier...)

		var next []string
		for _, name := range frontier {
			for _, dependent := range g.nodes[name].revEdges {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		frontier = next
	}

	if len(g.order) != len(g.nodes) {
		return fmt.Errorf("dependency cycle detected in stage graph")
	}
	return nil
}
