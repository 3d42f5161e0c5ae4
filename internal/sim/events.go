package sim

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/memsim-project/memsim/internal/heap"
	"github.com/memsim-project/memsim/internal/ownership"
)

// Observer receives memory events as they happen. Implementations must
// not call back into the simulator.
type Observer interface {
	OnStackPush(offset, size, mark uint64)
	OnStackPop(size, mark uint64)
	OnAlloc(id heap.AllocID, size uint64, owner ownership.OwnerID)
	OnFree(id heap.AllocID)
	OnMove(id, successor heap.AllocID, newOwner ownership.OwnerID)
	OnClone(id, cloneID heap.AllocID, newOwner ownership.OwnerID)
	OnCollect(freed int)
}

// eventHub fans events out to the logger and every registered observer.
type eventHub struct {
	logger    log.Logger
	observers []Observer
}

func newEventHub(logger log.Logger, observers []Observer) *eventHub {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &eventHub{logger: logger, observers: observers}
}

func (h *eventHub) stackPush(offset, size, mark uint64) {
	level.Debug(h.logger).Log("event", "stack_push", "offset", offset, "size", size, "mark", mark)

	for _, o := range h.observers {
		o.OnStackPush(offset, size, mark)
	}
}

func (h *eventHub) stackPop(size, mark uint64) {
	level.Debug(h.logger).Log("event", "stack_pop", "size", size, "mark", mark)

	for _, o := range h.observers {
		o.OnStackPop(size, mark)
	}
}

func (h *eventHub) alloc(id heap.AllocID, size uint64, owner ownership.OwnerID) {
	level.Debug(h.logger).Log("event", "alloc", "id", uint64(id), "size", size, "owner", string(owner))

	for _, o := range h.observers {
		o.OnAlloc(id, size, owner)
	}
}

func (h *eventHub) free(id heap.AllocID) {
	level.Debug(h.logger).Log("event", "free", "id", uint64(id))

	for _, o := range h.observers {
		o.OnFree(id)
	}
}

func (h *eventHub) move(id, successor heap.AllocID, newOwner ownership.OwnerID) {
	level.Debug(h.logger).Log("event", "move", "id", uint64(id), "successor", uint64(successor), "owner", string(newOwner))

	for _, o := range h.observers {
		o.OnMove(id, successor, newOwner)
	}
}

func (h *eventHub) clone(id, cloneID heap.AllocID, newOwner ownership.OwnerID) {
	level.Debug(h.logger).Log("event", "clone", "id", uint64(id), "clone", uint64(cloneID), "owner", string(newOwner))

	for _, o := range h.observers {
		o.OnClone(id, cloneID, newOwner)
	}
}

func (h *eventHub) collect(freed int) {
	level.Info(h.logger).Log("event", "collect", "freed", freed)

	for _, o := range h.observers {
		o.OnCollect(freed)
	}
}

// NopObserver implements Observer with no-ops, for embedding when only a
// few events matter.
type NopObserver struct{}

func (NopObserver) OnStackPush(offset, size, mark uint64)                         {}
func (NopObserver) OnStackPop(size, mark uint64)                                  {}
func (NopObserver) OnAlloc(id heap.AllocID, size uint64, owner ownership.OwnerID) {}
func (NopObserver) OnFree(id heap.AllocID)                                        {}
func (NopObserver) OnMove(id, successor heap.AllocID, owner ownership.OwnerID)    {}
func (NopObserver) OnClone(id, cloneID heap.AllocID, owner ownership.OwnerID)     {}
func (NopObserver) OnCollect(freed int)                                           {}
