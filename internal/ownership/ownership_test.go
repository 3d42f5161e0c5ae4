package ownership

import (
	"bytes"
	"testing"

	"github.com/memsim-project/memsim/internal/heap"
	"github.com/memsim-project/memsim/internal/memerr"
	"github.com/memsim-project/memsim/internal/region"
)

func newTracker(t *testing.T, capacity uint64) (*Tracker, *heap.Allocator) {
	t.Helper()

	r, err := region.Reserve(capacity)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	h, err := heap.New(r, 0, capacity)
	if err != nil {
		t.Fatalf("heap.New failed: %v", err)
	}

	return NewTracker(r, h), h
}

func TestMoveSemantics(t *testing.T) {
	t.Run("OldOwnerLosesAccess", func(t *testing.T) {
		tracker, _ := newTracker(t, 1024)

		id, err := tracker.Alloc(64, "alice")
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}

		if err := tracker.Write(id, "alice", 0, []byte("hello")); err != nil {
			t.Fatalf("owner write failed: %v", err)
		}

		successor, err := tracker.MoveTo(id, "bob")
		if err != nil {
			t.Fatalf("MoveTo failed: %v", err)
		}

		// Every access through the old handle fails, whoever claims it.
		if _, err := tracker.Read(id, "alice", 0, 5); !memerr.HasCode(err, memerr.CodeUseAfterMove) {
			t.Errorf("old-owner read: expected UseAfterMove, got %v", err)
		}

		if err := tracker.Write(id, "alice", 0, []byte("x")); !memerr.HasCode(err, memerr.CodeUseAfterMove) {
			t.Errorf("old-owner write: expected UseAfterMove, got %v", err)
		}

		if _, err := tracker.MoveTo(id, "carol"); !memerr.HasCode(err, memerr.CodeUseAfterMove) {
			t.Errorf("double move: expected UseAfterMove, got %v", err)
		}

		if err := tracker.Drop(id); !memerr.HasCode(err, memerr.CodeUseAfterMove) {
			t.Errorf("drop of moved handle: expected UseAfterMove, got %v", err)
		}

		// The new owner sees the same bytes through the successor.
		got, err := tracker.Read(successor, "bob", 0, 5)
		if err != nil {
			t.Fatalf("new-owner read failed: %v", err)
		}

		if !bytes.Equal(got, []byte("hello")) {
			t.Errorf("moved bytes = %q, want %q", got, "hello")
		}
	})

	t.Run("FreeThroughMovedHandle", func(t *testing.T) {
		tracker, h := newTracker(t, 1024)

		id, err := tracker.Alloc(64, "alice")
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}

		if _, err := tracker.MoveTo(id, "bob"); err != nil {
			t.Fatalf("MoveTo failed: %v", err)
		}

		// A direct heap free of the old handle is vetoed by the ledger.
		if err := h.Free(id); !memerr.HasCode(err, memerr.CodeUseAfterMove) {
			t.Fatalf("expected UseAfterMove, got %v", err)
		}
	})

	t.Run("WrongOwner", func(t *testing.T) {
		tracker, _ := newTracker(t, 1024)

		id, err := tracker.Alloc(32, "alice")
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}

		if _, err := tracker.Read(id, "mallory", 0, 1); !memerr.HasCode(err, memerr.CodeUseAfterMove) {
			t.Fatalf("expected UseAfterMove for wrong owner, got %v", err)
		}
	})
}

func TestDrop(t *testing.T) {
	t.Run("DoubleDrop", func(t *testing.T) {
		tracker, _ := newTracker(t, 1024)

		id, err := tracker.Alloc(64, "alice")
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}

		if err := tracker.Drop(id); err != nil {
			t.Fatalf("Drop failed: %v", err)
		}

		if err := tracker.Drop(id); !memerr.HasCode(err, memerr.CodeDoubleFree) {
			t.Fatalf("expected DoubleFree, got %v", err)
		}
	})

	t.Run("DropReleasesBlock", func(t *testing.T) {
		tracker, h := newTracker(t, 128)

		id, err := tracker.Alloc(128, "alice")
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}

		// Heap is full; a second allocation must fail.
		if _, err := tracker.Alloc(1, "bob"); !memerr.HasCode(err, memerr.CodeOutOfMemory) {
			t.Fatalf("expected OutOfMemory, got %v", err)
		}

		if err := tracker.Drop(id); err != nil {
			t.Fatalf("Drop failed: %v", err)
		}

		// Dropping freed the block for reuse.
		if _, err := tracker.Alloc(128, "bob"); err != nil {
			t.Fatalf("Alloc after drop failed: %v", err)
		}

		if err := h.CheckInvariants(); err != nil {
			t.Fatalf("invariant violated: %v", err)
		}
	})

	t.Run("DereferenceAfterDrop", func(t *testing.T) {
		tracker, _ := newTracker(t, 1024)

		id, err := tracker.Alloc(16, "alice")
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}

		if err := tracker.Drop(id); err != nil {
			t.Fatalf("Drop failed: %v", err)
		}

		if _, err := tracker.Read(id, "alice", 0, 1); !memerr.HasCode(err, memerr.CodeUseAfterFree) {
			t.Fatalf("expected UseAfterFree, got %v", err)
		}
	})
}

func TestClone(t *testing.T) {
	t.Run("DeepCopy", func(t *testing.T) {
		tracker, _ := newTracker(t, 1024)

		id, err := tracker.Alloc(8, "alice")
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}

		if err := tracker.Write(id, "alice", 0, []byte("original")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}

		cloneID, err := tracker.Clone(id, "bob")
		if err != nil {
			t.Fatalf("Clone failed: %v", err)
		}

		if cloneID == id {
			t.Fatal("clone shares the original's id")
		}

		got, err := tracker.Read(cloneID, "bob", 0, 8)
		if err != nil {
			t.Fatalf("clone read failed: %v", err)
		}

		if !bytes.Equal(got, []byte("original")) {
			t.Errorf("clone bytes = %q", got)
		}

		// Mutating the original must not show through the clone.
		if err := tracker.Write(id, "alice", 0, []byte("mutated!")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}

		got, err = tracker.Read(cloneID, "bob", 0, 8)
		if err != nil {
			t.Fatalf("clone read failed: %v", err)
		}

		if !bytes.Equal(got, []byte("original")) {
			t.Errorf("clone shares storage with original: %q", got)
		}
	})

	t.Run("IndependentLifetime", func(t *testing.T) {
		tracker, _ := newTracker(t, 1024)

		id, err := tracker.Alloc(16, "alice")
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}

		cloneID, err := tracker.Clone(id, "bob")
		if err != nil {
			t.Fatalf("Clone failed: %v", err)
		}

		if err := tracker.Drop(id); err != nil {
			t.Fatalf("Drop(original) failed: %v", err)
		}

		// The clone outlives its source.
		if _, err := tracker.Read(cloneID, "bob", 0, 1); err != nil {
			t.Fatalf("clone dead after source drop: %v", err)
		}
	})

	t.Run("CloneOfMoved", func(t *testing.T) {
		tracker, _ := newTracker(t, 1024)

		id, err := tracker.Alloc(16, "alice")
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}

		if _, err := tracker.MoveTo(id, "bob"); err != nil {
			t.Fatalf("MoveTo failed: %v", err)
		}

		if _, err := tracker.Clone(id, "carol"); !memerr.HasCode(err, memerr.CodeUseAfterMove) {
			t.Fatalf("expected UseAfterMove, got %v", err)
		}
	})
}

func TestDereferenceBounds(t *testing.T) {
	tracker, _ := newTracker(t, 1024)

	id, err := tracker.Alloc(16, "alice")
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	if _, err := tracker.Read(id, "alice", 8, 16); !memerr.HasCode(err, memerr.CodeOutOfBounds) {
		t.Fatalf("expected OutOfBounds, got %v", err)
	}

	if err := tracker.Write(id, "alice", 16, []byte{1}); !memerr.HasCode(err, memerr.CodeOutOfBounds) {
		t.Fatalf("expected OutOfBounds, got %v", err)
	}
}

func TestLive(t *testing.T) {
	tracker, _ := newTracker(t, 1024)

	idA, _ := tracker.Alloc(16, "alice")
	idB, _ := tracker.Alloc(16, "bob")
	idC, _ := tracker.Alloc(16, "carol")

	if err := tracker.Drop(idB); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}

	successor, err := tracker.MoveTo(idC, "dave")
	if err != nil {
		t.Fatalf("MoveTo failed: %v", err)
	}

	live := tracker.Live()
	if len(live) != 2 {
		t.Fatalf("live entries = %d, want 2", len(live))
	}

	if live[0].ID != idA || live[0].Owner != "alice" {
		t.Errorf("live[0] = %+v", live[0])
	}

	if live[1].ID != successor || live[1].Owner != "dave" {
		t.Errorf("live[1] = %+v", live[1])
	}
}
