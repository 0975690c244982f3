package stage

import (
	"container/heap"
	"fmt"
	"sort"
)

// Graph is an immutable, validated stage DAG. Safe for concurrent reads.
//
// Nodes are indexed in name order; edges point from a dependency to its
// dependents.
type Graph struct {
	defs     []Definition
	index    map[string]int
	outgoing [][]int
	incoming [][]int
	order    []int
}

// NewGraph validates definitions and builds the graph. It rejects empty
// or duplicate names, unknown or repeated dependencies, self-dependencies
// and cycles.
func NewGraph(defs []Definition) (*Graph, error) {
	if len(defs) == 0 {
		return nil, invalidf("no stages")
	}

	sorted := make([]Definition, len(defs))
	copy(sorted, defs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	g := &Graph{
		defs:     sorted,
		index:    make(map[string]int, len(sorted)),
		outgoing: make([][]int, len(sorted)),
		incoming: make([][]int, len(sorted)),
	}
	var problems []string
	for i, d := range sorted {
		if d.Name == "" {
			problems = append(problems, "stage name is required")
			continue
		}
		if _, dup := g.index[d.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate stage name: %q", d.Name))
			continue
		}
		g.index[d.Name] = i
	}

	var selfCycle []string
	for i, d := range sorted {
		seen := make(map[string]bool, len(d.DependsOn))
		for _, dep := range d.DependsOn {
			if seen[dep] {
				problems = append(problems, fmt.Sprintf("stage %q lists dependency %q twice", d.Name, dep))
				continue
			}
			seen[dep] = true
			if dep == d.Name {
				if selfCycle == nil {
					selfCycle = []string{d.Name, d.Name}
				}
				continue
			}
			j, ok := g.index[dep]
			if !ok {
				problems = append(problems, fmt.Sprintf("stage %q depends on unknown stage %q", d.Name, dep))
				continue
			}
			g.outgoing[j] = append(g.outgoing[j], i)
			g.incoming[i] = append(g.incoming[i], j)
		}
	}
	if len(problems) > 0 {
		return nil, &GraphError{Problems: problems}
	}
	if selfCycle != nil {
		return nil, &GraphError{Cycle: selfCycle}
	}
	for i := range g.outgoing {
		sort.Ints(g.outgoing[i])
		sort.Ints(g.incoming[i])
	}

	g.order = g.topoOrder()
	if len(g.order) != len(g.defs) {
		return nil, &GraphError{Cycle: g.findCycle()}
	}
	return g, nil
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder runs Kahn's algorithm with a min-heap ready queue so ties
// break by name.
func (g *Graph) topoOrder() []int {
	indeg := make([]int, len(g.defs))
	for i := range g.incoming {
		indeg[i] = len(g.incoming[i])
	}

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// findCycle returns one cycle as a closed path in dependency order,
// e.g. [a b a] when b depends on a and a depends on b.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.defs))
	parent := make([]int, len(g.defs))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// Back edge u -> v; walk parents from u back to v.
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}
	for i := range g.defs {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]string, len(cycle))
	for i := range cycle {
		out[i] = g.defs[cycle[len(cycle)-1-i]].Name
	}
	return out
}

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.defs) }

// Definition returns the named stage definition.
func (g *Graph) Definition(name string) (Definition, bool) {
	i, ok := g.index[name]
	if !ok {
		return Definition{}, false
	}
	return g.defs[i], true
}

// Has reports whether the stage exists.
func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Order returns stage names in deterministic topological order.
func (g *Graph) Order() []string {
	return g.names(g.order)
}

// Dependencies returns the direct dependencies of a stage.
func (g *Graph) Dependencies(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.names(g.incoming[i])
}

// Dependents returns the stages that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.names(g.outgoing[i])
}

// Downstream returns every transitive dependent of name in topological order.
func (g *Graph) Downstream(name string) []string {
	start, ok := g.index[name]
	if !ok {
		return nil
	}
	reach := make([]bool, len(g.defs))
	stack := append([]int(nil), g.outgoing[start]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reach[n] {
			continue
		}
		reach[n] = true
		stack = append(stack, g.outgoing[n]...)
	}

	var out []string
	for _, i := range g.order {
		if reach[i] {
			out = append(out, g.defs[i].Name)
		}
	}
	return out
}

// GateStages returns stages required by the gate, in topological order.
func (g *Graph) GateStages() []string {
	var out []string
	for _, i := range g.order {
		if g.defs[i].RequiredForGate {
			out = append(out, g.defs[i].Name)
		}
	}
	return out
}

func (g *Graph) names(idx []int) []string {
	out := make([]string, len(idx))
	for i, n := range idx {
		out[i] = g.defs[n].Name
	}
	return out
}
