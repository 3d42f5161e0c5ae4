package script

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/memsim-project/memsim/internal/heap"
	"github.com/memsim-project/memsim/internal/memerr"
	"github.com/memsim-project/memsim/internal/ownership"
	"github.com/memsim-project/memsim/internal/sim"
)

// Result summarizes a scenario run.
type Result struct {
	Name          string
	Executed      int
	Collected     int
	Fragmentation float64
	HeapStats     heap.Stats
	Leaks         []ownership.Entry
}

// Runner executes scenarios against fresh simulator instances.
type Runner struct {
	logger log.Logger
}

// NewRunner creates a runner; a nil logger disables event logging.
func NewRunner(logger log.Logger) *Runner {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Runner{logger: logger}
}

// Run builds a simulator from the scenario header and executes every
// operation in order. An operation failing without a matching expect, or
// succeeding despite one, aborts the run.
func (r *Runner) Run(sc *Scenario) (*Result, error) {
	s, err := r.build(sc)
	if err != nil {
		return nil, err
	}

	return r.exec(s, sc)
}

// RunInstrumented runs the scenario with the simulator's metrics
// collector registered, so the registry can be scraped afterwards.
func (r *Runner) RunInstrumented(sc *Scenario, registry prometheus.Registerer) (*Result, error) {
	s, err := r.build(sc)
	if err != nil {
		return nil, err
	}

	if err := registry.Register(sim.NewCollector(s)); err != nil {
		return nil, fmt.Errorf("register collector: %w", err)
	}

	return r.exec(s, sc)
}

// build creates a simulator from the scenario header.
func (r *Runner) build(sc *Scenario) (*sim.Simulator, error) {
	strategy, err := sim.ParseStrategy(sc.Strategy)
	if err != nil {
		return nil, err
	}

	stackCapacity := sc.Stack
	if stackCapacity == 0 {
		stackCapacity = sc.Region / 4
	}

	return sim.New(
		sim.WithRegionCapacity(sc.Region),
		sim.WithStackCapacity(stackCapacity),
		sim.WithStrategy(strategy),
		sim.WithLogger(r.logger),
	)
}

// exec runs every scripted operation against the simulator.
func (r *Runner) exec(s *sim.Simulator, sc *Scenario) (*Result, error) {
	result := &Result{Name: sc.Name}
	refs := make(map[string]heap.AllocID)

	for i, op := range sc.Ops {
		err := r.step(s, op, refs, result)

		if op.Expect != "" {
			want, _ := parseCode(op.Expect)

			if err == nil {
				return nil, fmt.Errorf("op %d (%s): expected %s, but the operation succeeded", i, op.Op, op.Expect)
			}

			if !memerr.HasCode(err, want) {
				return nil, fmt.Errorf("op %d (%s): expected %s, got: %w", i, op.Op, op.Expect, err)
			}
		} else if err != nil {
			return nil, fmt.Errorf("op %d (%s): %w", i, op.Op, err)
		}

		result.Executed++
	}

	if err := s.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("post-run audit: %w", err)
	}

	result.Fragmentation = s.Heap().FragmentationRatio()
	result.HeapStats = s.Heap().Stats()
	result.Leaks = s.Leaks()

	return result, nil
}

// step dispatches one operation.
func (r *Runner) step(s *sim.Simulator, op Op, refs map[string]heap.AllocID, result *Result) error {
	switch op.Op {
	case "push":
		_, err := s.Push(op.Size)
		return err

	case "pop":
		return s.Pop(op.Size)

	case "alloc":
		id, err := s.Alloc(op.Size, ownership.OwnerID(op.Owner))
		if err != nil {
			return err
		}

		r.bind(refs, op.As, id)
		return nil

	case "free", "drop":
		id, err := r.resolve(refs, op.Ref)
		if err != nil {
			return err
		}

		return s.Free(id)

	case "move":
		id, err := r.resolve(refs, op.Ref)
		if err != nil {
			return err
		}

		successor, err := s.MoveTo(id, ownership.OwnerID(op.Owner))
		if err != nil {
			return err
		}

		r.bind(refs, op.As, successor)
		return nil

	case "clone":
		id, err := r.resolve(refs, op.Ref)
		if err != nil {
			return err
		}

		cloneID, err := s.Clone(id, ownership.OwnerID(op.Owner))
		if err != nil {
			return err
		}

		r.bind(refs, op.As, cloneID)
		return nil

	case "write":
		id, err := r.resolve(refs, op.Ref)
		if err != nil {
			return err
		}

		data := make([]byte, op.Size)
		for i := range data {
			data[i] = byte(i)
		}

		return s.Write(id, ownership.OwnerID(op.Owner), 0, data)

	case "read":
		id, err := r.resolve(refs, op.Ref)
		if err != nil {
			return err
		}

		_, err = s.Read(id, ownership.OwnerID(op.Owner), 0, op.Size)
		return err

	case "link":
		return r.pair(refs, op, s.Link)

	case "unlink":
		return r.pair(refs, op, s.Unlink)

	case "root":
		id, err := r.resolve(refs, op.Ref)
		if err != nil {
			return err
		}

		return s.AddRoot(id)

	case "unroot":
		id, err := r.resolve(refs, op.Ref)
		if err != nil {
			return err
		}

		return s.RemoveRoot(id)

	case "add_ref":
		id, err := r.resolve(refs, op.Ref)
		if err != nil {
			return err
		}

		return s.AddRef(id)

	case "remove_ref":
		id, err := r.resolve(refs, op.Ref)
		if err != nil {
			return err
		}

		return s.RemoveRef(id)

	case "collect":
		freed, err := s.Collect()
		if err != nil {
			return err
		}

		result.Collected += freed
		return nil

	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}

// pair resolves Ref and To and applies fn.
func (r *Runner) pair(refs map[string]heap.AllocID, op Op, fn func(from, to heap.AllocID) error) error {
	from, err := r.resolve(refs, op.Ref)
	if err != nil {
		return err
	}

	to, err := r.resolve(refs, op.To)
	if err != nil {
		return err
	}

	return fn(from, to)
}

func (r *Runner) bind(refs map[string]heap.AllocID, name string, id heap.AllocID) {
	if name != "" {
		refs[name] = id
	}
}

func (r *Runner) resolve(refs map[string]heap.AllocID, name string) (heap.AllocID, error) {
	id, ok := refs[name]
	if !ok {
		return 0, fmt.Errorf("unknown allocation reference %q", name)
	}

	return id, nil
}
