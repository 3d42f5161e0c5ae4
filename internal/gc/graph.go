// Package gc implements the two reclamation strategies the simulator
// offers over heap allocations: tracing mark-and-sweep and reference
// counting. Both operate on the same object graph; they differ in when
// and how unreachable objects are found, and deliberately in whether
// cycles are reclaimed.
package gc

import (
	"sort"

	"github.com/memsim-project/memsim/internal/heap"
)

// Graph records references between heap objects plus the root set of
// objects reachable directly from the active scope.
type Graph struct {
	refs  map[heap.AllocID]map[heap.AllocID]struct{}
	roots map[heap.AllocID]struct{}
}

// NewGraph creates an empty object graph.
func NewGraph() *Graph {
	return &Graph{
		refs:  make(map[heap.AllocID]map[heap.AllocID]struct{}),
		roots: make(map[heap.AllocID]struct{}),
	}
}

// Link records a reference from one object to another.
func (g *Graph) Link(from, to heap.AllocID) {
	set, ok := g.refs[from]
	if !ok {
		set = make(map[heap.AllocID]struct{})
		g.refs[from] = set
	}

	set[to] = struct{}{}
}

// Unlink removes the reference from one object to another, if present.
func (g *Graph) Unlink(from, to heap.AllocID) bool {
	set, ok := g.refs[from]
	if !ok {
		return false
	}

	if _, ok := set[to]; !ok {
		return false
	}

	delete(set, to)

	return true
}

// AddRoot marks an object as directly reachable from the active scope.
func (g *Graph) AddRoot(id heap.AllocID) {
	g.roots[id] = struct{}{}
}

// RemoveRoot drops an object from the root set.
func (g *Graph) RemoveRoot(id heap.AllocID) {
	delete(g.roots, id)
}

// Roots returns the root set in id order.
func (g *Graph) Roots() []heap.AllocID {
	ids := make([]heap.AllocID, 0, len(g.roots))
	for id := range g.roots {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Refs returns the objects referenced by id, in id order.
func (g *Graph) Refs(id heap.AllocID) []heap.AllocID {
	set, ok := g.refs[id]
	if !ok {
		return nil
	}

	ids := make([]heap.AllocID, 0, len(set))
	for to := range set {
		ids = append(ids, to)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Remove erases an object and its outbound edges from the graph. Inbound
// edges from surviving objects are left to their owners to unlink; the
// collectors remove objects only once nothing references them.
func (g *Graph) Remove(id heap.AllocID) {
	delete(g.refs, id)
	delete(g.roots, id)
}

// Stats summarizes collector activity.
type Stats struct {
	Cycles       uint64
	ObjectsFreed uint64
	BytesFreed   uint64
}
