package gc

import (
	"github.com/memsim-project/memsim/internal/heap"
	"github.com/memsim-project/memsim/internal/memerr"
)

// RefCount is a reference-counting collector. Every tracked allocation
// carries a count of inbound references; when the count reaches zero the
// allocation is freed immediately and its outbound references are
// released in turn. Mutually-referencing garbage keeps its counts above
// zero forever, so cycles are never reclaimed. That limitation is the
// point of this strategy, not a bug to fix.
type RefCount struct {
	heap   *heap.Allocator
	graph  *Graph
	counts map[heap.AllocID]int
	stats  Stats
}

// NewRefCount creates a reference-counting collector over the heap and
// graph.
func NewRefCount(h *heap.Allocator, g *Graph) *RefCount {
	return &RefCount{
		heap:   h,
		graph:  g,
		counts: make(map[heap.AllocID]int),
	}
}

// Track registers a freshly allocated object with a count of one,
// standing for the reference the allocating scope holds.
func (rc *RefCount) Track(id heap.AllocID) {
	rc.counts[id] = 1
}

// Count returns the current reference count for id.
func (rc *RefCount) Count(id heap.AllocID) int {
	return rc.counts[id]
}

// AddRef increments the inbound reference count.
func (rc *RefCount) AddRef(id heap.AllocID) error {
	if _, ok := rc.counts[id]; !ok {
		return memerr.Newf(memerr.CodeUseAfterFree, "allocation %d is not tracked", id)
	}

	rc.counts[id]++

	return nil
}

// Link records an object-to-object reference and counts it as inbound on
// the target.
func (rc *RefCount) Link(from, to heap.AllocID) error {
	if err := rc.AddRef(to); err != nil {
		return err
	}

	rc.graph.Link(from, to)

	return nil
}

// Unlink removes an object-to-object reference, releasing the target.
func (rc *RefCount) Unlink(from, to heap.AllocID) error {
	if !rc.graph.Unlink(from, to) {
		return memerr.Newf(memerr.CodeUseAfterFree, "no reference from %d to %d", from, to)
	}

	return rc.RemoveRef(to)
}

// RemoveRef decrements the inbound reference count. When a count reaches
// zero the allocation is freed at once and each object it referenced is
// released as well; the cascade runs iteratively over a worklist.
func (rc *RefCount) RemoveRef(id heap.AllocID) error {
	if _, ok := rc.counts[id]; !ok {
		return memerr.Newf(memerr.CodeUseAfterFree, "allocation %d is not tracked", id)
	}

	worklist := []heap.AllocID{id}

	for len(worklist) > 0 {
		current := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		count, ok := rc.counts[current]
		if !ok {
			continue
		}

		count--
		rc.counts[current] = count

		if count > 0 {
			continue
		}

		alloc, err := rc.heap.Lookup(current)
		if err != nil {
			return err
		}

		size := alloc.Size

		if err := rc.heap.Free(current); err != nil {
			return err
		}

		// Everything the dead object referenced loses one inbound
		// reference.
		worklist = append(worklist, rc.graph.Refs(current)...)

		rc.graph.Remove(current)
		delete(rc.counts, current)

		rc.stats.ObjectsFreed++
		rc.stats.BytesFreed += size
	}

	return nil
}

// Stats returns collector statistics.
func (rc *RefCount) Stats() Stats {
	return rc.stats
}
