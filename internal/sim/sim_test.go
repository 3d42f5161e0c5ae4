package sim

import (
	"testing"

	"github.com/memsim-project/memsim/internal/heap"
	"github.com/memsim-project/memsim/internal/memerr"
	"github.com/memsim-project/memsim/internal/ownership"
)

// recorder captures events for assertions.
type recorder struct {
	NopObserver

	allocs   int
	frees    int
	moves    int
	clones   int
	collects int
	pushes   int
	pops     int
}

func (r *recorder) OnAlloc(id heap.AllocID, size uint64, owner ownership.OwnerID) { r.allocs++ }
func (r *recorder) OnFree(id heap.AllocID)                                        { r.frees++ }
func (r *recorder) OnMove(id, successor heap.AllocID, owner ownership.OwnerID)    { r.moves++ }
func (r *recorder) OnClone(id, cloneID heap.AllocID, owner ownership.OwnerID)     { r.clones++ }
func (r *recorder) OnCollect(freed int)                                           { r.collects++ }
func (r *recorder) OnStackPush(offset, size, mark uint64)                         { r.pushes++ }
func (r *recorder) OnStackPop(size, mark uint64)                                  { r.pops++ }

func TestManualMode(t *testing.T) {
	rec := &recorder{}

	s, err := New(
		WithRegionCapacity(2048),
		WithStackCapacity(512),
		WithStrategy(Manual),
		WithObserver(rec),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := s.Push(64); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	id, err := s.Alloc(100, "main")
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	if err := s.Write(id, "main", 0, []byte("data")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	successor, err := s.MoveTo(id, "worker")
	if err != nil {
		t.Fatalf("MoveTo failed: %v", err)
	}

	if _, err := s.Read(id, "main", 0, 4); !memerr.HasCode(err, memerr.CodeUseAfterMove) {
		t.Fatalf("old handle readable after move: %v", err)
	}

	cloneID, err := s.Clone(successor, "copy")
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	if err := s.Free(successor); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	if err := s.Free(cloneID); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	if err := s.Pop(64); err != nil {
		t.Fatalf("Pop failed: %v", err)
	}

	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}

	if len(s.Leaks()) != 0 {
		t.Errorf("leaks = %v", s.Leaks())
	}

	// alloc + clone; free x2; one move; one push/pop.
	if rec.allocs != 2 || rec.frees != 2 || rec.moves != 1 || rec.clones != 1 {
		t.Errorf("events = %+v", rec)
	}

	if rec.pushes != 1 || rec.pops != 1 {
		t.Errorf("stack events = %+v", rec)
	}

	// GC operations are rejected in manual mode.
	if _, err := s.Collect(); err == nil {
		t.Error("Collect allowed in manual mode")
	}

	if err := s.Link(1, 2); err == nil {
		t.Error("Link allowed in manual mode")
	}
}

func TestMarkSweepMode(t *testing.T) {
	rec := &recorder{}

	s, err := New(
		WithRegionCapacity(2048),
		WithStackCapacity(256),
		WithStrategy(MarkSweep),
		WithObserver(rec),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	a, err := s.Alloc(100, "")
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	b, err := s.Alloc(100, "")
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	if err := s.Link(a, b); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	if err := s.Link(b, a); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	freed, err := s.Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if freed != 2 {
		t.Errorf("freed = %d, want 2 (unrooted cycle)", freed)
	}

	if rec.collects != 1 {
		t.Errorf("collect events = %d", rec.collects)
	}

	// Ownership operations are rejected outside manual mode.
	if _, err := s.MoveTo(a, "x"); err == nil {
		t.Error("MoveTo allowed in marksweep mode")
	}

	if _, err := s.Clone(a, "x"); err == nil {
		t.Error("Clone allowed in marksweep mode")
	}

	if err := s.AddRef(a); err == nil {
		t.Error("AddRef allowed in marksweep mode")
	}

	stats := s.GCStats()
	if stats.Cycles != 1 || stats.ObjectsFreed != 2 {
		t.Errorf("gc stats = %+v", stats)
	}
}

func TestRefCountMode(t *testing.T) {
	s, err := New(
		WithRegionCapacity(2048),
		WithStackCapacity(256),
		WithStrategy(RefCount),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	a, err := s.Alloc(100, "")
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	b, err := s.Alloc(100, "")
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	if err := s.Link(a, b); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	if err := s.Link(b, a); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	// Release the scope references: the cycle keeps both alive.
	if err := s.Free(a); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	if err := s.Free(b); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	stats := s.Heap().Stats()
	if stats.LiveAllocations != 2 {
		t.Errorf("live = %d, want 2 (leaked cycle)", stats.LiveAllocations)
	}

	if _, err := s.Collect(); err == nil {
		t.Error("Collect allowed in refcount mode")
	}

	if err := s.AddRoot(a); err == nil {
		t.Error("AddRoot allowed in refcount mode")
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("StackSwallowsRegion", func(t *testing.T) {
		if _, err := New(WithRegionCapacity(1024), WithStackCapacity(1024)); err == nil {
			t.Fatal("expected config error")
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		s, err := New()
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		if s.Strategy() != Manual {
			t.Errorf("default strategy = %v", s.Strategy())
		}

		if s.Region().Capacity() != 64*1024 {
			t.Errorf("default region = %d", s.Region().Capacity())
		}
	})
}

func TestParseStrategy(t *testing.T) {
	cases := []struct {
		in   string
		want Strategy
		ok   bool
	}{
		{"manual", Manual, true},
		{"", Manual, true},
		{"marksweep", MarkSweep, true},
		{"mark-sweep", MarkSweep, true},
		{"refcount", RefCount, true},
		{"ref-count", RefCount, true},
		{"generational", 0, false},
	}

	for _, tc := range cases {
		got, err := ParseStrategy(tc.in)

		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("ParseStrategy(%q) = %v, %v", tc.in, got, err)
		}

		if !tc.ok && err == nil {
			t.Errorf("ParseStrategy(%q) should fail", tc.in)
		}
	}
}
