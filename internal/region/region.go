// Package region provides the simulated physical memory backing every
// allocator: a fixed-capacity, zero-initialized byte arena addressed by
// offset. The region holds no ownership or allocation bookkeeping of its
// own; allocators carve it up and the region only enforces bounds.
package region

import (
	"github.com/memsim-project/memsim/internal/memerr"
)

// Region is a contiguous byte space of fixed capacity.
type Region struct {
	data     []byte
	capacity uint64
}

// Reserve creates a zeroed region of the given capacity.
func Reserve(capacity uint64) (*Region, error) {
	if capacity == 0 {
		return nil, memerr.New(memerr.CodeInvalidSize, "region capacity must be greater than 0")
	}

	return &Region{
		data:     make([]byte, capacity),
		capacity: capacity,
	}, nil
}

// Capacity returns the total addressable size of the region.
func (r *Region) Capacity() uint64 {
	return r.capacity
}

// checkRange validates that [offset, offset+length) lies inside the region.
func (r *Region) checkRange(offset, length uint64) error {
	if offset > r.capacity || length > r.capacity-offset {
		err := memerr.Newf(memerr.CodeOutOfBounds, "range exits region of capacity %d", r.capacity)
		err.Offset = offset
		err.Size = length

		return err
	}

	return nil
}

// Read copies length bytes starting at offset into a fresh slice.
func (r *Region) Read(offset, length uint64) ([]byte, error) {
	if err := r.checkRange(offset, length); err != nil {
		return nil, err
	}

	out := make([]byte, length)
	copy(out, r.data[offset:offset+length])

	return out, nil
}

// Write copies data into the region starting at offset.
func (r *Region) Write(offset uint64, data []byte) error {
	if err := r.checkRange(offset, uint64(len(data))); err != nil {
		return err
	}

	copy(r.data[offset:], data)

	return nil
}

// Zero clears length bytes starting at offset.
func (r *Region) Zero(offset, length uint64) error {
	if err := r.checkRange(offset, length); err != nil {
		return err
	}

	for i := offset; i < offset+length; i++ {
		r.data[i] = 0
	}

	return nil
}

// Copy moves length bytes from src to dst inside the region. Ranges may
// overlap; copy semantics follow the built-in copy.
func (r *Region) Copy(dst, src, length uint64) error {
	if err := r.checkRange(src, length); err != nil {
		return err
	}

	if err := r.checkRange(dst, length); err != nil {
		return err
	}

	copy(r.data[dst:dst+length], r.data[src:src+length])

	return nil
}
