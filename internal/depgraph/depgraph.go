// Package depgraph projects an analysis' internal class dependencies
// onto a directed graph for cycle detection and DOT export.
package depgraph

import (
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/gonum/graph/simple"

	"kiln/internal/analysis"
)

// Graph is a class-level dependency graph built from one analysis.
// An edge A -> B means class A depends on class B.
type Graph struct {
	g      *simple.DirectedGraph
	ids    map[string]int64
	names  map[int64]string
	nextID int64
}

// Build projects the analysis onto a graph. With no contexts given,
// every dependency context contributes edges; passing a subset builds
// e.g. an inheritance-only graph.
func Build(a *analysis.Analysis, contexts ...analysis.DependencyContext) *Graph {
	if len(contexts) == 0 {
		contexts = analysis.Contexts
	}
	g := &Graph{
		g:     simple.NewDirectedGraph(),
		ids:   make(map[string]int64),
		names: make(map[int64]string),
	}
	for _, class := range a.Relations.AllClasses() {
		g.addNode(class)
	}
	for _, ctx := range contexts {
		for _, edge := range a.Relations.InternalEdges(ctx) {
			g.addEdge(edge[0], edge[1])
		}
	}
	return g
}

func (g *Graph) addNode(class string) int64 {
	if id, ok := g.ids[class]; ok {
		return id
	}
	id := g.nextID
	g.nextID++
	g.ids[class] = id
	g.names[id] = class
	g.g.AddNode(simple.Node(id))
	return id
}

func (g *Graph) addEdge(from, to string) {
	if from == to {
		return
	}
	fromID := g.addNode(from)
	toID := g.addNode(to)
	if !g.g.HasEdgeFromTo(fromID, toID) {
		g.g.SetEdge(g.g.NewEdge(simple.Node(fromID), simple.Node(toID)))
	}
}

// Classes returns every class in the graph, sorted.
func (g *Graph) Classes() []string {
	out := make([]string, 0, len(g.ids))
	for class := range g.ids {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}

// Edges returns every edge as (from, to) pairs, sorted.
func (g *Graph) Edges() [][2]string {
	var out [][2]string
	for _, from := range g.Classes() {
		for _, to := range g.DependenciesOf(from) {
			out = append(out, [2]string{from, to})
		}
	}
	return out
}

// DependenciesOf returns the classes one class depends on, sorted.
func (g *Graph) DependenciesOf(class string) []string {
	id, ok := g.ids[class]
	if !ok {
		return nil
	}
	var out []string
	iter := g.g.From(id)
	for iter.Next() {
		out = append(out, g.names[iter.Node().ID()])
	}
	sort.Strings(out)
	return out
}

// DependentsOf returns the classes depending on one class, sorted.
func (g *Graph) DependentsOf(class string) []string {
	id, ok := g.ids[class]
	if !ok {
		return nil
	}
	var out []string
	iter := g.g.To(id)
	for iter.Next() {
		out = append(out, g.names[iter.Node().ID()])
	}
	sort.Strings(out)
	return out
}

// Cycles returns every dependency cycle as a sorted class list, using
// Tarjan's strongly connected components and keeping only components
// with more than one class. Components are ordered by their first
// class.
func (g *Graph) Cycles() [][]string {
	t := &tarjan{
		g:       g.g,
		onStack: make(map[int64]bool),
		indices: make(map[int64]int),
		lowLink: make(map[int64]int),
	}
	// Visit in name order so component discovery is deterministic.
	for _, class := range g.Classes() {
		id := g.ids[class]
		if _, visited := t.indices[id]; !visited {
			t.strongConnect(id)
		}
	}

	out := make([][]string, 0, len(t.sccs))
	for _, scc := range t.sccs {
		classes := make([]string, 0, len(scc))
		for _, id := range scc {
			classes = append(classes, g.names[id])
		}
		sort.Strings(classes)
		out = append(out, classes)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// tarjan is the classic strongly-connected-components pass over the
// underlying directed graph.
type tarjan struct {
	g       *simple.DirectedGraph
	index   int
	stack   []int64
	onStack map[int64]bool
	indices map[int64]int
	lowLink map[int64]int
	sccs    [][]int64
}

func (t *tarjan) strongConnect(nodeID int64) {
	t.indices[nodeID] = t.index
	t.lowLink[nodeID] = t.index
	t.index++

	t.stack = append(t.stack, nodeID)
	t.onStack[nodeID] = true

	successors := t.g.From(nodeID)
	for successors.Next() {
		succID := successors.Node().ID()
		if _, visited := t.indices[succID]; !visited {
			t.strongConnect(succID)
			if t.lowLink[succID] < t.lowLink[nodeID] {
				t.lowLink[nodeID] = t.lowLink[succID]
			}
		} else if t.onStack[succID] {
			if t.indices[succID] < t.lowLink[nodeID] {
				t.lowLink[nodeID] = t.indices[succID]
			}
		}
	}

	if t.lowLink[nodeID] == t.indices[nodeID] {
		var scc []int64
		for {
			w := t.stack[len(t.stack)-1]
			t.stack = t.stack[:len(t.stack)-1]
			t.onStack[w] = false
			scc = append(scc, w)
			if w == nodeID {
				break
			}
		}
		if len(scc) > 1 {
			t.sccs = append(t.sccs, scc)
		}
	}
}

// WriteDOT renders the graph in Graphviz DOT form.
func (g *Graph) WriteDOT(w io.Writer, name string) error {
	if _, err := fmt.Fprintf(w, "digraph %q {\n  rankdir=LR;\n", name); err != nil {
		return err
	}
	for _, class := range g.Classes() {
		if _, err := fmt.Fprintf(w, "  %q;\n", class); err != nil {
			return err
		}
	}
	for _, edge := range g.Edges() {
		if _, err := fmt.Fprintf(w, "  %q -> %q;\n", edge[0], edge[1]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}
