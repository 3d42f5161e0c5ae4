// Package ownership implements a per-allocation ownership ledger enforcing
// single-owner and move semantics over heap allocations. Every allocation
// is Owned by exactly one owner until it is moved or dropped; both of
// those states are terminal for the handle. Dereference operations must
// present the claimed owner, which is checked against the ledger, so a
// use-after-move or double-free is always detected rather than silently
// corrupting the simulation.
package ownership

import (
	"sort"

	"github.com/memsim-project/memsim/internal/heap"
	"github.com/memsim-project/memsim/internal/memerr"
	"github.com/memsim-project/memsim/internal/region"
)

// OwnerID names an owner (a variable, scope, or task in the simulated
// program).
type OwnerID string

// State is the ownership state of an allocation handle.
type State int

const (
	StateOwned   State = iota // Sole owner may access and release
	StateMoved                // Contents transferred to a successor handle
	StateDropped              // Released; the block has been freed
)

// String returns the string representation of a state.
func (s State) String() string {
	switch s {
	case StateOwned:
		return "Owned"
	case StateMoved:
		return "Moved"
	case StateDropped:
		return "Dropped"
	default:
		return "Unknown"
	}
}

// Entry is one ledger record.
type Entry struct {
	ID      heap.AllocID
	Owner   OwnerID
	State   State
	MovedTo heap.AllocID // successor handle when State is Moved
}

// Tracker is the ownership ledger. It wraps the heap allocator so that
// every allocate, move, drop, and clone keeps ledger and heap in step.
type Tracker struct {
	region  *region.Region
	heap    *heap.Allocator
	entries map[heap.AllocID]*Entry
}

// NewTracker creates a ledger over the given heap and installs itself as
// the heap's free guard so direct frees also respect ownership state.
func NewTracker(r *region.Region, h *heap.Allocator) *Tracker {
	t := &Tracker{
		region:  r,
		heap:    h,
		entries: make(map[heap.AllocID]*Entry),
	}
	h.SetGuard(t)

	return t
}

// CanFree implements heap.FreeGuard: a moved-out handle can never be freed
// through its old id.
func (t *Tracker) CanFree(id heap.AllocID) error {
	entry, ok := t.entries[id]
	if !ok {
		return nil // untracked allocation, nothing to enforce
	}

	if entry.State == StateMoved {
		return memerr.Newf(memerr.CodeUseAfterMove, "allocation %d was moved to %d", id, entry.MovedTo)
	}

	return nil
}

// Alloc allocates size bytes on the heap and records owner as the sole
// owner of the new allocation.
func (t *Tracker) Alloc(size uint64, owner OwnerID) (heap.AllocID, error) {
	id, err := t.heap.Alloc(size)
	if err != nil {
		return 0, err
	}

	t.entries[id] = &Entry{ID: id, Owner: owner, State: StateOwned}

	return id, nil
}

// lookupOwned returns the entry for id if it is still Owned, mapping
// terminal states to the matching error.
func (t *Tracker) lookupOwned(id heap.AllocID) (*Entry, error) {
	entry, ok := t.entries[id]
	if !ok {
		return nil, memerr.Newf(memerr.CodeDoubleFree, "allocation %d is not tracked", id)
	}

	switch entry.State {
	case StateMoved:
		return nil, memerr.Newf(memerr.CodeUseAfterMove, "allocation %d was moved to %d", id, entry.MovedTo)
	case StateDropped:
		return nil, memerr.Newf(memerr.CodeUseAfterFree, "allocation %d was dropped", id)
	}

	return entry, nil
}

// checkOwner verifies that claimed is the sole current owner.
func (t *Tracker) checkOwner(entry *Entry, claimed OwnerID) error {
	if entry.Owner != claimed {
		return memerr.Newf(memerr.CodeUseAfterMove,
			"owner %q no longer holds allocation %d (held by %q)", claimed, entry.ID, entry.Owner)
	}

	return nil
}

// MoveTo transfers the allocation to newOwner. The old handle becomes
// Moved, which is terminal: every later access, free, or second move
// through it fails with UseAfterMove. The block itself stays live under a
// fresh handle returned to the caller.
func (t *Tracker) MoveTo(id heap.AllocID, newOwner OwnerID) (heap.AllocID, error) {
	entry, err := t.lookupOwned(id)
	if err != nil {
		return 0, err
	}

	successor, err := t.heap.Adopt(id)
	if err != nil {
		return 0, err
	}

	entry.State = StateMoved
	entry.MovedTo = successor

	t.entries[successor] = &Entry{ID: successor, Owner: newOwner, State: StateOwned}

	return successor, nil
}

// Drop releases the allocation, freeing its block. A second drop of the
// same handle fails with DoubleFree; dropping a moved-out handle fails
// with UseAfterMove.
func (t *Tracker) Drop(id heap.AllocID) error {
	entry, ok := t.entries[id]
	if !ok {
		return memerr.Newf(memerr.CodeDoubleFree, "allocation %d is not tracked", id)
	}

	switch entry.State {
	case StateMoved:
		return memerr.Newf(memerr.CodeUseAfterMove, "allocation %d was moved to %d", id, entry.MovedTo)
	case StateDropped:
		return memerr.Newf(memerr.CodeDoubleFree, "allocation %d already dropped", id)
	}

	entry.State = StateDropped

	return t.heap.Free(id)
}

// Clone deep-copies the allocation into a fresh block of equal size owned
// by newOwner. The clone never shares bytes with the original.
func (t *Tracker) Clone(id heap.AllocID, newOwner OwnerID) (heap.AllocID, error) {
	entry, err := t.lookupOwned(id)
	if err != nil {
		return 0, err
	}

	src, err := t.heap.Lookup(entry.ID)
	if err != nil {
		return 0, err
	}

	cloneID, err := t.heap.Alloc(src.Size)
	if err != nil {
		return 0, err
	}

	dst, err := t.heap.Lookup(cloneID)
	if err != nil {
		return 0, err
	}

	if err := t.region.Copy(dst.Offset, src.Offset, src.Size); err != nil {
		return 0, err
	}

	t.entries[cloneID] = &Entry{ID: cloneID, Owner: newOwner, State: StateOwned}

	return cloneID, nil
}

// Read dereferences the allocation on behalf of the claimed owner.
func (t *Tracker) Read(id heap.AllocID, claimed OwnerID, offset, length uint64) ([]byte, error) {
	alloc, err := t.resolve(id, claimed)
	if err != nil {
		return nil, err
	}

	if offset > alloc.Size || length > alloc.Size-offset {
		e := memerr.Newf(memerr.CodeOutOfBounds, "read exits allocation %d of size %d", id, alloc.Size)
		e.Offset = offset
		e.Size = length

		return nil, e
	}

	return t.region.Read(alloc.Offset+offset, length)
}

// Write stores bytes into the allocation on behalf of the claimed owner.
func (t *Tracker) Write(id heap.AllocID, claimed OwnerID, offset uint64, data []byte) error {
	alloc, err := t.resolve(id, claimed)
	if err != nil {
		return err
	}

	if offset > alloc.Size || uint64(len(data)) > alloc.Size-offset {
		e := memerr.Newf(memerr.CodeOutOfBounds, "write exits allocation %d of size %d", id, alloc.Size)
		e.Offset = offset
		e.Size = uint64(len(data))

		return e
	}

	return t.region.Write(alloc.Offset+offset, data)
}

// resolve checks state and ownership, then returns the heap allocation.
func (t *Tracker) resolve(id heap.AllocID, claimed OwnerID) (*heap.Allocation, error) {
	entry, err := t.lookupOwned(id)
	if err != nil {
		return nil, err
	}

	if err := t.checkOwner(entry, claimed); err != nil {
		return nil, err
	}

	return t.heap.Lookup(entry.ID)
}

// Entry returns a copy of the ledger record for id.
func (t *Tracker) Entry(id heap.AllocID) (Entry, bool) {
	entry, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}

	return *entry, true
}

// Live returns the ledger entries still in the Owned state, in id order.
// Anything left here at the end of a run is a leak.
func (t *Tracker) Live() []Entry {
	var live []Entry

	for _, entry := range t.entries {
		if entry.State == StateOwned {
			live = append(live, *entry)
		}
	}

	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	return live
}
