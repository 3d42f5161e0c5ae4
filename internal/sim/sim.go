// Package sim wires the region, the stack and heap allocators, the
// ownership ledger, and the collectors into one simulator instance
// according to the configured reclamation strategy. All state is owned by
// the instance; nothing is process-global, and all operations are
// synchronous.
package sim

import (
	"github.com/go-kit/log"

	"github.com/memsim-project/memsim/internal/gc"
	"github.com/memsim-project/memsim/internal/heap"
	"github.com/memsim-project/memsim/internal/memerr"
	"github.com/memsim-project/memsim/internal/ownership"
	"github.com/memsim-project/memsim/internal/region"
	"github.com/memsim-project/memsim/internal/stack"
)

// Strategy selects how heap allocations are reclaimed.
type Strategy int

const (
	Manual    Strategy = iota // Ownership ledger: move/drop/clone semantics
	MarkSweep                 // Tracing collection from a root set
	RefCount                  // Immediate reclamation at zero references
)

// String returns the string representation of a strategy.
func (s Strategy) String() string {
	switch s {
	case Manual:
		return "manual"
	case MarkSweep:
		return "marksweep"
	case RefCount:
		return "refcount"
	default:
		return "unknown"
	}
}

// ParseStrategy parses a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "manual", "":
		return Manual, nil
	case "marksweep", "mark-sweep":
		return MarkSweep, nil
	case "refcount", "ref-count":
		return RefCount, nil
	default:
		return 0, memerr.Newf(memerr.CodeInvalidSize, "unknown strategy %q", name)
	}
}

// Config holds simulator construction parameters.
type Config struct {
	RegionCapacity uint64
	StackCapacity  uint64
	Strategy       Strategy
	Logger         log.Logger
	Observers      []Observer
}

// Option mutates the configuration.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		RegionCapacity: 64 * 1024,
		StackCapacity:  8 * 1024,
		Strategy:       Manual,
		Logger:         log.NewNopLogger(),
	}
}

// WithRegionCapacity sets the total simulated memory size.
func WithRegionCapacity(capacity uint64) Option {
	return func(c *Config) { c.RegionCapacity = capacity }
}

// WithStackCapacity sets the portion of the region given to the stack.
func WithStackCapacity(capacity uint64) Option {
	return func(c *Config) { c.StackCapacity = capacity }
}

// WithStrategy sets the reclamation strategy.
func WithStrategy(strategy Strategy) Option {
	return func(c *Config) { c.Strategy = strategy }
}

// WithLogger installs a logger; every memory event is logged through it.
func WithLogger(logger log.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithObserver registers an additional event observer.
func WithObserver(observer Observer) Option {
	return func(c *Config) { c.Observers = append(c.Observers, observer) }
}

// Simulator owns one simulated memory space and the allocators over it.
// The stack occupies the low end of the region and the heap the rest.
type Simulator struct {
	config  *Config
	region  *region.Region
	stack   *stack.Allocator
	heap    *heap.Allocator
	owner   *ownership.Tracker
	graph   *gc.Graph
	tracer  *gc.MarkSweep
	counter *gc.RefCount
	events  *eventHub
}

// New creates a simulator from the given options.
func New(options ...Option) (*Simulator, error) {
	config := defaultConfig()
	for _, opt := range options {
		opt(config)
	}

	if config.StackCapacity >= config.RegionCapacity {
		return nil, memerr.Newf(memerr.CodeInvalidSize,
			"stack capacity %d must leave room for the heap in region of %d",
			config.StackCapacity, config.RegionCapacity)
	}

	r, err := region.Reserve(config.RegionCapacity)
	if err != nil {
		return nil, err
	}

	st, err := stack.New(r, 0, config.StackCapacity)
	if err != nil {
		return nil, err
	}

	h, err := heap.New(r, config.StackCapacity, config.RegionCapacity-config.StackCapacity)
	if err != nil {
		return nil, err
	}

	s := &Simulator{
		config: config,
		region: r,
		stack:  st,
		heap:   h,
		events: newEventHub(config.Logger, config.Observers),
	}

	switch config.Strategy {
	case Manual:
		s.owner = ownership.NewTracker(r, h)
	case MarkSweep:
		s.graph = gc.NewGraph()
		s.tracer = gc.NewMarkSweep(h, s.graph)
	case RefCount:
		s.graph = gc.NewGraph()
		s.counter = gc.NewRefCount(h, s.graph)
	default:
		return nil, memerr.Newf(memerr.CodeInvalidSize, "unknown strategy %d", config.Strategy)
	}

	return s, nil
}

// Strategy returns the configured reclamation strategy.
func (s *Simulator) Strategy() Strategy {
	return s.config.Strategy
}

// Region returns the backing region.
func (s *Simulator) Region() *region.Region {
	return s.region
}

// Stack returns the stack allocator.
func (s *Simulator) Stack() *stack.Allocator {
	return s.stack
}

// Heap returns the heap allocator.
func (s *Simulator) Heap() *heap.Allocator {
	return s.heap
}

// Push allocates size bytes on the stack.
func (s *Simulator) Push(size uint64) (uint64, error) {
	offset, err := s.stack.Push(size)
	if err != nil {
		return 0, err
	}

	s.events.stackPush(offset, size, s.stack.Mark())

	return offset, nil
}

// Pop releases the most recent stack allocation of exactly size bytes.
func (s *Simulator) Pop(size uint64) error {
	if err := s.stack.Pop(size); err != nil {
		return err
	}

	s.events.stackPop(size, s.stack.Mark())

	return nil
}

// Alloc allocates size bytes on the heap under the configured strategy.
// In manual mode owner names the allocation's sole owner; the collectors
// ignore it. Under ref-counting the new allocation starts with one
// reference held by the allocating scope.
func (s *Simulator) Alloc(size uint64, owner ownership.OwnerID) (heap.AllocID, error) {
	var (
		id  heap.AllocID
		err error
	)

	switch s.config.Strategy {
	case Manual:
		id, err = s.owner.Alloc(size, owner)
	default:
		id, err = s.heap.Alloc(size)
	}

	if err != nil {
		return 0, err
	}

	if s.counter != nil {
		s.counter.Track(id)
	}

	s.events.alloc(id, size, owner)

	return id, nil
}

// Free releases a heap allocation. In manual mode this is a drop and goes
// through the ownership ledger; in ref-count mode it releases the
// allocating scope's reference; in mark-sweep mode explicit frees bypass
// tracing and release the block directly.
func (s *Simulator) Free(id heap.AllocID) error {
	var err error

	switch s.config.Strategy {
	case Manual:
		err = s.owner.Drop(id)
	case RefCount:
		err = s.counter.RemoveRef(id)
	default:
		err = s.heap.Free(id)
		if err == nil && s.graph != nil {
			s.graph.Remove(id)
		}
	}

	if err != nil {
		return err
	}

	s.events.free(id)

	return nil
}

// MoveTo transfers ownership of an allocation, returning the successor
// handle. Only valid in manual mode.
func (s *Simulator) MoveTo(id heap.AllocID, newOwner ownership.OwnerID) (heap.AllocID, error) {
	if s.owner == nil {
		return 0, memerr.Newf(memerr.CodeInvalidSize, "move requires the manual strategy, not %s", s.config.Strategy)
	}

	successor, err := s.owner.MoveTo(id, newOwner)
	if err != nil {
		return 0, err
	}

	s.events.move(id, successor, newOwner)

	return successor, nil
}

// Clone deep-copies an allocation for newOwner. Only valid in manual mode.
func (s *Simulator) Clone(id heap.AllocID, newOwner ownership.OwnerID) (heap.AllocID, error) {
	if s.owner == nil {
		return 0, memerr.Newf(memerr.CodeInvalidSize, "clone requires the manual strategy, not %s", s.config.Strategy)
	}

	cloneID, err := s.owner.Clone(id, newOwner)
	if err != nil {
		return 0, err
	}

	s.events.clone(id, cloneID, newOwner)

	return cloneID, nil
}

// Read dereferences an allocation as the claimed owner (manual mode).
func (s *Simulator) Read(id heap.AllocID, owner ownership.OwnerID, offset, length uint64) ([]byte, error) {
	if s.owner == nil {
		return nil, memerr.Newf(memerr.CodeInvalidSize, "owned read requires the manual strategy, not %s", s.config.Strategy)
	}

	return s.owner.Read(id, owner, offset, length)
}

// Write stores bytes into an allocation as the claimed owner (manual mode).
func (s *Simulator) Write(id heap.AllocID, owner ownership.OwnerID, offset uint64, data []byte) error {
	if s.owner == nil {
		return memerr.Newf(memerr.CodeInvalidSize, "owned write requires the manual strategy, not %s", s.config.Strategy)
	}

	return s.owner.Write(id, owner, offset, data)
}

// Link records a reference between two heap objects (GC modes).
func (s *Simulator) Link(from, to heap.AllocID) error {
	switch s.config.Strategy {
	case MarkSweep:
		s.graph.Link(from, to)
		return nil
	case RefCount:
		return s.counter.Link(from, to)
	default:
		return memerr.New(memerr.CodeInvalidSize, "link requires a collected strategy")
	}
}

// Unlink removes a reference between two heap objects (GC modes).
func (s *Simulator) Unlink(from, to heap.AllocID) error {
	switch s.config.Strategy {
	case MarkSweep:
		if !s.graph.Unlink(from, to) {
			return memerr.Newf(memerr.CodeUseAfterFree, "no reference from %d to %d", from, to)
		}

		return nil
	case RefCount:
		return s.counter.Unlink(from, to)
	default:
		return memerr.New(memerr.CodeInvalidSize, "unlink requires a collected strategy")
	}
}

// AddRoot marks an object as reachable from the active scope (mark-sweep).
func (s *Simulator) AddRoot(id heap.AllocID) error {
	if s.config.Strategy != MarkSweep {
		return memerr.New(memerr.CodeInvalidSize, "roots apply to the marksweep strategy only")
	}

	s.graph.AddRoot(id)

	return nil
}

// RemoveRoot drops an object from the root set (mark-sweep).
func (s *Simulator) RemoveRoot(id heap.AllocID) error {
	if s.config.Strategy != MarkSweep {
		return memerr.New(memerr.CodeInvalidSize, "roots apply to the marksweep strategy only")
	}

	s.graph.RemoveRoot(id)

	return nil
}

// AddRef takes an extra reference on an object (ref-count mode).
func (s *Simulator) AddRef(id heap.AllocID) error {
	if s.counter == nil {
		return memerr.New(memerr.CodeInvalidSize, "add_ref applies to the refcount strategy only")
	}

	return s.counter.AddRef(id)
}

// RemoveRef releases a reference on an object (ref-count mode).
func (s *Simulator) RemoveRef(id heap.AllocID) error {
	if s.counter == nil {
		return memerr.New(memerr.CodeInvalidSize, "remove_ref applies to the refcount strategy only")
	}

	return s.counter.RemoveRef(id)
}

// Collect runs one mark-and-sweep pass and returns the number of objects
// freed. Collection is on demand only; Alloc never triggers it.
func (s *Simulator) Collect() (int, error) {
	if s.tracer == nil {
		return 0, memerr.New(memerr.CodeInvalidSize, "collect applies to the marksweep strategy only")
	}

	freed, err := s.tracer.Collect()
	if err != nil {
		return freed, err
	}

	s.events.collect(freed)

	return freed, nil
}

// Leaks returns the ledger entries still owned at the time of the call
// (manual mode); for collected strategies it returns nil.
func (s *Simulator) Leaks() []ownership.Entry {
	if s.owner == nil {
		return nil
	}

	return s.owner.Live()
}

// CheckInvariants audits the heap's conservation and overlap invariants.
func (s *Simulator) CheckInvariants() error {
	return s.heap.CheckInvariants()
}

// GCStats returns collector statistics, zero-valued in manual mode.
func (s *Simulator) GCStats() gc.Stats {
	switch {
	case s.tracer != nil:
		return s.tracer.Stats()
	case s.counter != nil:
		return s.counter.Stats()
	default:
		return gc.Stats{}
	}
}
