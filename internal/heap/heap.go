// Package heap implements a free-list heap allocator over a sub-range of a
// region, simulating manual heap management. Allocation uses a first-fit
// scan over an offset-ordered free list, splitting blocks on leftover
// space; free reinserts the block in offset order and coalesces with both
// neighbors. Fragmentation is tracked and exposed.
package heap

import (
	"sort"

	"github.com/memsim-project/memsim/internal/memerr"
	"github.com/memsim-project/memsim/internal/region"
)

// AllocID identifies a heap allocation. IDs are never reused.
type AllocID uint64

// FreeGuard vetoes frees on behalf of an ownership ledger. A nil guard
// allows every free.
type FreeGuard interface {
	CanFree(id AllocID) error
}

// Allocation describes one live or freed heap allocation.
type Allocation struct {
	ID     AllocID
	Offset uint64
	Size   uint64
	Live   bool
}

// freeBlock is a node in the offset-ordered free list.
type freeBlock struct {
	offset uint64
	size   uint64
	next   *freeBlock
	prev   *freeBlock
}

// Stats provides heap usage statistics.
type Stats struct {
	Capacity         uint64
	BytesLive        uint64
	BytesFree        uint64
	PeakLive         uint64
	LargestFreeBlock uint64
	FreeBlockCount   int
	LiveAllocations  int
	AllocCount       uint64
	FreeCount        uint64
	FailedAllocs     uint64
}

// Allocator is a first-fit free-list heap over region bytes
// [base, base+capacity).
type Allocator struct {
	region   *region.Region
	base     uint64
	capacity uint64
	freeList *freeBlock
	allocs   map[AllocID]*Allocation
	nextID   AllocID
	guard    FreeGuard
	stats    Stats
}

// New creates a heap allocator over region bytes [base, base+capacity).
// The whole range starts as a single free block.
func New(r *region.Region, base, capacity uint64) (*Allocator, error) {
	if capacity == 0 {
		return nil, memerr.New(memerr.CodeInvalidSize, "heap capacity must be greater than 0")
	}

	if base > r.Capacity() || capacity > r.Capacity()-base {
		err := memerr.New(memerr.CodeOutOfBounds, "heap range exits region")
		err.Offset = base
		err.Size = capacity

		return nil, err
	}

	return &Allocator{
		region:   r,
		base:     base,
		capacity: capacity,
		freeList: &freeBlock{offset: base, size: capacity},
		allocs:   make(map[AllocID]*Allocation),
		nextID:   1,
	}, nil
}

// SetGuard installs a free guard consulted before every Free.
func (a *Allocator) SetGuard(guard FreeGuard) {
	a.guard = guard
}

// Alloc finds the first free block of at least size bytes, splits off the
// remainder, and returns the id of the new allocation.
func (a *Allocator) Alloc(size uint64) (AllocID, error) {
	if size == 0 {
		return 0, memerr.New(memerr.CodeInvalidSize, "zero size allocation")
	}

	block := a.findFirstFit(size)
	if block == nil {
		a.stats.FailedAllocs++

		err := memerr.Newf(memerr.CodeOutOfMemory, "no free block of %d bytes", size)
		err.Size = size

		return 0, err
	}

	offset := block.offset

	remaining := block.size - size
	if remaining > 0 {
		// Split: the leftover stays in place at the tail of the block.
		block.offset += size
		block.size = remaining
	} else {
		a.unlinkFree(block)
	}

	id := a.nextID
	a.nextID++

	a.allocs[id] = &Allocation{
		ID:     id,
		Offset: offset,
		Size:   size,
		Live:   true,
	}

	a.stats.AllocCount++
	a.stats.BytesLive += size
	if a.stats.BytesLive > a.stats.PeakLive {
		a.stats.PeakLive = a.stats.BytesLive
	}

	return id, nil
}

// Free returns an allocation's block to the free list and coalesces it
// with adjacent free neighbors.
func (a *Allocator) Free(id AllocID) error {
	alloc, ok := a.allocs[id]
	if !ok {
		return memerr.Newf(memerr.CodeDoubleFree, "no such allocation %d", id)
	}

	// The guard is consulted before the liveness check so that a free
	// through a moved-out handle reports UseAfterMove, not DoubleFree.
	if a.guard != nil {
		if err := a.guard.CanFree(id); err != nil {
			return err
		}
	}

	if !alloc.Live {
		return memerr.Newf(memerr.CodeDoubleFree, "allocation %d already freed", id)
	}

	alloc.Live = false

	// Freed memory is zeroed so a later allocation at the same offset
	// starts clean.
	if err := a.region.Zero(alloc.Offset, alloc.Size); err != nil {
		return err
	}

	block := &freeBlock{offset: alloc.Offset, size: alloc.Size}
	a.insertFree(block)
	a.coalesce(block)

	a.stats.FreeCount++
	a.stats.BytesLive -= alloc.Size

	return nil
}

// findFirstFit scans the offset-ordered free list for the first block that
// can hold size bytes.
func (a *Allocator) findFirstFit(size uint64) *freeBlock {
	for current := a.freeList; current != nil; current = current.next {
		if current.size >= size {
			return current
		}
	}

	return nil
}

// insertFree inserts a block into the free list, keeping offset order.
func (a *Allocator) insertFree(block *freeBlock) {
	if a.freeList == nil {
		a.freeList = block

		return
	}

	var prev *freeBlock

	current := a.freeList
	for current != nil && current.offset < block.offset {
		prev = current
		current = current.next
	}

	block.next = current
	block.prev = prev

	if prev != nil {
		prev.next = block
	} else {
		a.freeList = block
	}

	if current != nil {
		current.prev = block
	}
}

// unlinkFree removes a block from the free list.
func (a *Allocator) unlinkFree(block *freeBlock) {
	if block.prev != nil {
		block.prev.next = block.next
	} else {
		a.freeList = block.next
	}

	if block.next != nil {
		block.next.prev = block.prev
	}

	block.next = nil
	block.prev = nil
}

// coalesce merges block with its right and left neighbors when contiguous.
func (a *Allocator) coalesce(block *freeBlock) {
	if block.next != nil && block.offset+block.size == block.next.offset {
		next := block.next
		block.size += next.size
		block.next = next.next

		if next.next != nil {
			next.next.prev = block
		}
	}

	if block.prev != nil && block.prev.offset+block.prev.size == block.offset {
		prev := block.prev
		prev.size += block.size
		prev.next = block.next

		if block.next != nil {
			block.next.prev = prev
		}
	}
}

// Adopt rebinds a live allocation's block to a fresh id, retiring the old
// one without returning the block to the free list. The ownership ledger
// uses this to give a moved allocation its successor handle.
func (a *Allocator) Adopt(id AllocID) (AllocID, error) {
	alloc, ok := a.allocs[id]
	if !ok {
		return 0, memerr.Newf(memerr.CodeDoubleFree, "no such allocation %d", id)
	}

	if !alloc.Live {
		return 0, memerr.Newf(memerr.CodeUseAfterFree, "allocation %d has been freed", id)
	}

	alloc.Live = false

	successor := a.nextID
	a.nextID++

	a.allocs[successor] = &Allocation{
		ID:     successor,
		Offset: alloc.Offset,
		Size:   alloc.Size,
		Live:   true,
	}

	return successor, nil
}

// FragmentationRatio returns 1 - largest_free_block/total_free. Zero free
// space counts as unfragmented.
func (a *Allocator) FragmentationRatio() float64 {
	var totalFree, largest uint64

	for current := a.freeList; current != nil; current = current.next {
		totalFree += current.size
		if current.size > largest {
			largest = current.size
		}
	}

	if totalFree == 0 {
		return 0.0
	}

	return 1.0 - float64(largest)/float64(totalFree)
}

// Lookup returns the allocation for id, failing for unknown or freed ids.
func (a *Allocator) Lookup(id AllocID) (*Allocation, error) {
	alloc, ok := a.allocs[id]
	if !ok {
		return nil, memerr.Newf(memerr.CodeDoubleFree, "no such allocation %d", id)
	}

	if !alloc.Live {
		return nil, memerr.Newf(memerr.CodeUseAfterFree, "allocation %d has been freed", id)
	}

	return alloc, nil
}

// LiveIDs returns the ids of all live allocations in ascending order.
func (a *Allocator) LiveIDs() []AllocID {
	ids := make([]AllocID, 0, len(a.allocs))

	for id, alloc := range a.allocs {
		if alloc.Live {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Stats returns heap usage statistics.
func (a *Allocator) Stats() Stats {
	s := a.stats
	s.Capacity = a.capacity

	for current := a.freeList; current != nil; current = current.next {
		s.BytesFree += current.size
		s.FreeBlockCount++

		if current.size > s.LargestFreeBlock {
			s.LargestFreeBlock = current.size
		}
	}

	for _, alloc := range a.allocs {
		if alloc.Live {
			s.LiveAllocations++
		}
	}

	return s
}

// CheckInvariants verifies conservation (free + live == capacity), free
// list ordering, and that no two live allocations overlap. It is meant for
// tests and end-of-run audits; a failure means the allocator itself is
// corrupt, not that the caller misused it.
func (a *Allocator) CheckInvariants() error {
	var freeTotal uint64

	prevEnd := uint64(0)
	first := true

	for current := a.freeList; current != nil; current = current.next {
		if !first && current.offset < prevEnd {
			return memerr.Newf(memerr.CodeOutOfBounds, "free list out of order at offset %d", current.offset)
		}

		freeTotal += current.size
		prevEnd = current.offset + current.size
		first = false
	}

	var live []*Allocation

	var liveTotal uint64

	for _, alloc := range a.allocs {
		if alloc.Live {
			live = append(live, alloc)
			liveTotal += alloc.Size
		}
	}

	if freeTotal+liveTotal != a.capacity {
		return memerr.Newf(memerr.CodeOutOfBounds,
			"conservation violated: free %d + live %d != capacity %d", freeTotal, liveTotal, a.capacity)
	}

	sort.Slice(live, func(i, j int) bool { return live[i].Offset < live[j].Offset })

	for i := 1; i < len(live); i++ {
		if live[i-1].Offset+live[i-1].Size > live[i].Offset {
			return memerr.Newf(memerr.CodeOutOfBounds,
				"allocations %d and %d overlap", live[i-1].ID, live[i].ID)
		}
	}

	return nil
}
