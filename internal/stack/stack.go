// Package stack implements a LIFO bump allocator over a sub-range of a
// region, simulating call-frame allocation. Allocations only ever grow and
// shrink at the top; a pop whose size does not match the most recent push
// is rejected to keep the discipline strict.
package stack

import (
	"github.com/memsim-project/memsim/internal/memerr"
	"github.com/memsim-project/memsim/internal/region"
)

// Allocator is a bump allocator with strict LIFO pop discipline.
type Allocator struct {
	region   *region.Region
	base     uint64
	capacity uint64
	mark     uint64
	pushes   []uint64 // sizes of live pushes, innermost last
	frames   []frame
	stats    Stats
}

// frame records a scope entered with PushFrame.
type frame struct {
	mark      uint64
	pushDepth int
}

// Stats provides stack usage statistics.
type Stats struct {
	Capacity  uint64
	Mark      uint64
	PeakMark  uint64
	PushCount uint64
	PopCount  uint64
	LiveCount int
}

// New creates a stack allocator over region bytes [base, base+capacity).
func New(r *region.Region, base, capacity uint64) (*Allocator, error) {
	if capacity == 0 {
		return nil, memerr.New(memerr.CodeInvalidSize, "stack capacity must be greater than 0")
	}

	if base > r.Capacity() || capacity > r.Capacity()-base {
		err := memerr.New(memerr.CodeOutOfBounds, "stack range exits region")
		err.Offset = base
		err.Size = capacity

		return nil, err
	}

	return &Allocator{
		region:   r,
		base:     base,
		capacity: capacity,
	}, nil
}

// Push bumps the high-water mark by size and returns the region offset of
// the new allocation.
func (a *Allocator) Push(size uint64) (uint64, error) {
	if size == 0 {
		return 0, memerr.New(memerr.CodeInvalidSize, "zero size push")
	}

	if size > a.capacity-a.mark {
		err := memerr.Newf(memerr.CodeStackOverflow, "push would exceed frame capacity %d", a.capacity)
		err.Offset = a.mark
		err.Size = size

		return 0, err
	}

	offset := a.base + a.mark
	a.mark += size
	a.pushes = append(a.pushes, size)

	a.stats.PushCount++
	if a.mark > a.stats.PeakMark {
		a.stats.PeakMark = a.mark
	}

	return offset, nil
}

// Pop decrements the high-water mark by exactly the size of the most
// recent push. Any other size is an InvalidPop.
func (a *Allocator) Pop(size uint64) error {
	if len(a.pushes) == 0 {
		return memerr.New(memerr.CodeInvalidPop, "pop on empty stack")
	}

	top := a.pushes[len(a.pushes)-1]
	if size != top {
		return memerr.Newf(memerr.CodeInvalidPop, "pop size %d does not match top allocation of %d", size, top)
	}

	a.pushes = a.pushes[:len(a.pushes)-1]
	a.mark -= size
	a.stats.PopCount++

	// Popped space is dead; zero it so stale bytes cannot leak into a
	// later push at the same offset.
	return a.region.Zero(a.base+a.mark, size)
}

// PushFrame records the current mark as a scope boundary.
func (a *Allocator) PushFrame() {
	a.frames = append(a.frames, frame{mark: a.mark, pushDepth: len(a.pushes)})
}

// PopFrame leaves the most recent scope. Every allocation pushed inside
// the frame must already have been popped.
func (a *Allocator) PopFrame() error {
	if len(a.frames) == 0 {
		return memerr.New(memerr.CodeInvalidPop, "pop frame without matching push frame")
	}

	f := a.frames[len(a.frames)-1]
	if a.mark != f.mark || len(a.pushes) != f.pushDepth {
		return memerr.Newf(memerr.CodeInvalidPop, "%d bytes still live in frame", a.mark-f.mark)
	}

	a.frames = a.frames[:len(a.frames)-1]

	return nil
}

// Mark returns the current high-water mark relative to the stack base.
func (a *Allocator) Mark() uint64 {
	return a.mark
}

// Available returns the remaining capacity.
func (a *Allocator) Available() uint64 {
	return a.capacity - a.mark
}

// Stats returns usage statistics.
func (a *Allocator) Stats() Stats {
	s := a.stats
	s.Capacity = a.capacity
	s.Mark = a.mark
	s.LiveCount = len(a.pushes)

	return s
}
