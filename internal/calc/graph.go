package calc

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the read-edge graph between virtual tags. Edges point from a
// virtual tag to the sources it reads; sources that are not nodes themselves
// (raw sensor tags) are leaves and are ignored.
type Graph struct {
	edges map[string][]string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{edges: make(map[string][]string)}
}

// SetEdges replaces the outgoing edges of id.
func (g *Graph) SetEdges(id string, sources []string) {
	cp := make([]string, len(sources))
	copy(cp, sources)
	sort.Strings(cp)
	g.edges[id] = cp
}

// Remove drops id and its outgoing edges.
func (g *Graph) Remove(id string) {
	delete(g.edges, id)
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.edges[id]
	return ok
}

// FindCycle returns the first cycle found as a path whose first and last
// elements are equal, or nil when the graph is acyclic.
func (g *Graph) FindCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.edges))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range g.edges[id] {
			if !g.Has(next) {
				continue
			}
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, next)
					}
				}
			case white:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.nodes() {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// CheckAcyclic wraps FindCycle as an ErrCyclicDependency error.
func (g *Graph) CheckAcyclic() error {
	if cycle := g.FindCycle(); cycle != nil {
		return fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cycle, " -> "))
	}
	return nil
}

// Levels groups ids so that every id only depends on ids in earlier groups.
// Dependencies outside ids are treated as already satisfied. The graph must be
// acyclic; ids caught in a cycle are placed in a final group.
func (g *Graph) Levels(ids []string) [][]string {
	pending := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}

	var levels [][]string
	for len(pending) > 0 {
		var level []string
		for id := range pending {
			ready := true
			for _, dep := range g.edges[id] {
				if _, waiting := pending[dep]; waiting && dep != id {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			for id := range pending {
				level = append(level, id)
			}
		}
		sort.Strings(level)
		for _, id := range level {
			delete(pending, id)
		}
		levels = append(levels, level)
	}
	return levels
}

func (g *Graph) nodes() []string {
	ids := make([]string, 0, len(g.edges))
	for id := range g.edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
