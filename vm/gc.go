package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Heap: incremental tri-color mark-sweep
// ---------------------------------------------------------------------------

type gcColor uint8

const (
	gcWhite gcColor = iota
	gcGray
	gcBlack
)

// gcHeader is the per-value collector bookkeeping.
type gcHeader struct {
	id      uint64
	color   gcColor
	tracked bool
	pins    int32
}

// GCPhase is the collector's position within a cycle.
type GCPhase int

const (
	GCIdle GCPhase = iota
	GCMark
	GCSweep
)

func (p GCPhase) String() string {
	switch p {
	case GCIdle:
		return "idle"
	case GCMark:
		return "mark"
	case GCSweep:
		return "sweep"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// GCStats is a snapshot of collector counters.
type GCStats struct {
	Phase      GCPhase
	Cycles     uint64
	Swept      int    // nodes reclaimed by the last completed cycle
	TotalSwept uint64 // nodes reclaimed since the VM was created
	Live       int    // tracked heap nodes
	Pinned     int    // outstanding external references
}

// DefaultGCMaxIterations bounds one collector increment.
const DefaultGCMaxIterations = 256

// whitenPerUnit is the number of nodes whitened per unit of collector work.
const whitenPerUnit = 64

// heap owns every tracked node of a VM.
//
// Lock discipline: mutator stores and allocations hold mu for writing,
// mark increments hold it for reading, sweep increments hold it for
// writing. collectMu admits one collector at a time, so the gray list is
// only touched by the collector under the read lock or by a mutator under
// the write lock.
type heap struct {
	vm        *VM
	mu        sync.RWMutex
	collectMu sync.Mutex

	nodes    map[*Value]struct{}
	pinned   map[*Value]struct{}
	pinCount int
	nextID   uint64

	phase     GCPhase
	gray      []*Value
	sweepList []*Value
	sweepPos  int
	swept     int

	cycles     uint64
	lastSwept  int
	totalSwept uint64
}

func (h *heap) init(vm *VM) {
	h.vm = vm
	h.nodes = make(map[*Value]struct{})
	h.pinned = make(map[*Value]struct{})
}

// track registers a freshly built heap value. During marking new nodes
// are allocated black and their initial children are shaded.
func (h *heap) track(v *Value) {
	h.nextID++
	v.gc.id = h.nextID
	v.gc.tracked = true
	h.nodes[v] = struct{}{}
	if h.phase == GCMark {
		v.gc.color = gcBlack
		h.shadeChildren(v)
		return
	}
	v.gc.color = gcWhite
}

// pin records one external reference to v.
func (h *heap) pin(v *Value) {
	if v == nil || v.kind == ValueNull {
		return
	}
	v.gc.pins++
	h.pinCount++
	if v.gc.pins == 1 && v.gc.tracked {
		h.pinned[v] = struct{}{}
	}
	if h.phase == GCMark {
		h.shade(v)
	}
}

func (h *heap) unpin(v *Value) bool {
	if v.gc.pins <= 0 {
		return false
	}
	v.gc.pins--
	h.pinCount--
	if v.gc.pins == 0 {
		delete(h.pinned, v)
	}
	return true
}

// store writes v into a slot with the insertion barrier.
func (h *heap) store(slot **Value, v *Value) {
	if v == nil {
		v = Null
	}
	*slot = v
	if h.phase == GCMark {
		h.shade(v)
	}
}

func (h *heap) shade(v *Value) {
	if v == nil || !v.gc.tracked || v.gc.color != gcWhite {
		return
	}
	v.gc.color = gcGray
	h.gray = append(h.gray, v)
}

func (h *heap) shadeChildren(v *Value) {
	switch v.kind {
	case ValueObject:
		for _, m := range v.obj.members {
			h.shade(m)
		}
	case ValueArray:
		for _, e := range v.arr.items {
			h.shade(e)
		}
	}
}

// startCycle whitens every node, enters the mark phase and shades every
// root. Caller holds collectMu.
func (h *heap) startCycle() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for v := range h.nodes {
		v.gc.color = gcWhite
	}
	h.phase = GCMark
	h.gray = h.gray[:0]
	work := len(h.nodes) / whitenPerUnit
	for v := range h.pinned {
		h.shade(v)
		work++
	}
	h.vm.forEachRootLocked(func(v *Value) {
		h.shade(v)
		work++
	})
	return work
}

// markStep blackens up to budget gray nodes and reports whether the gray
// list drained.
func (h *heap) markStep(budget int) (int, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	work := 0
	for work < budget && len(h.gray) > 0 {
		v := h.gray[len(h.gray)-1]
		h.gray = h.gray[:len(h.gray)-1]
		v.gc.color = gcBlack
		h.shadeChildren(v)
		work++
	}
	return work, len(h.gray) == 0
}

// finishMark drains whatever the barrier shaded since the last step,
// then detaches every white node for sweeping and whitens the survivors.
func (h *heap) finishMark() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.gray) > 0 {
		v := h.gray[len(h.gray)-1]
		h.gray = h.gray[:len(h.gray)-1]
		v.gc.color = gcBlack
		h.shadeChildren(v)
	}
	h.sweepList = h.sweepList[:0]
	for v := range h.nodes {
		if v.gc.color == gcWhite {
			h.sweepList = append(h.sweepList, v)
			delete(h.nodes, v)
			continue
		}
		v.gc.color = gcWhite
	}
	h.sweepPos = 0
	h.swept = 0
	h.phase = GCSweep
}

// sweepStep releases up to budget detached nodes. Native destructors are
// returned so they run after the lock is released.
func (h *heap) sweepStep(budget int) (work int, natives []*Value, done bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for work < budget && h.sweepPos < len(h.sweepList) {
		v := h.sweepList[h.sweepPos]
		h.sweepList[h.sweepPos] = nil
		h.sweepPos++
		work++
		h.release(v)
		if v.kind == ValueNative && releaseNative(v) {
			natives = append(natives, v)
		}
	}
	h.swept += work
	if h.sweepPos < len(h.sweepList) {
		return work, natives, false
	}
	h.sweepList = h.sweepList[:0]
	h.sweepPos = 0
	h.phase = GCIdle
	h.cycles++
	h.lastSwept = h.swept
	h.totalSwept += uint64(h.swept)
	return work, natives, true
}

func (h *heap) release(v *Value) {
	v.gc.tracked = false
	switch v.kind {
	case ValueString:
		h.vm.releaseStringLocked(v.str)
	case ValueObject:
		v.obj.members = nil
	case ValueArray:
		v.arr.items = nil
	}
}

// step advances the collector by about budget units of work. Caller holds
// collectMu.
func (h *heap) step(budget int) bool {
	for budget > 0 {
		switch h.phase {
		case GCIdle:
			budget -= max(1, h.startCycle())
		case GCMark:
			work, drained := h.markStep(budget)
			budget -= max(1, work)
			if drained {
				h.finishMark()
			}
		case GCSweep:
			work, natives, done := h.sweepStep(budget)
			budget -= max(1, work)
			for _, v := range natives {
				h.vm.destroyNative(v)
			}
			if done {
				return true
			}
		}
	}
	return h.phase == GCIdle
}

// runToIdle finishes the current cycle, if any.
func (h *heap) runToIdle() {
	for h.phase != GCIdle {
		h.step(DefaultGCMaxIterations)
	}
}

func (h *heap) stats() GCStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return GCStats{
		Phase:      h.phase,
		Cycles:     h.cycles,
		Swept:      h.lastSwept,
		TotalSwept: h.totalSwept,
		Live:       len(h.nodes),
		Pinned:     h.pinCount,
	}
}

// ---------------------------------------------------------------------------
// Collector API
// ---------------------------------------------------------------------------

// CollectStep performs one bounded collector increment of at most budget
// units (GCMaxIterations when budget <= 0). It reports whether a cycle
// completed during the increment.
func (vm *VM) CollectStep(budget int) bool {
	if budget <= 0 {
		budget = vm.config.GCMaxIterations
	}
	vm.heap.collectMu.Lock()
	defer vm.heap.collectMu.Unlock()
	return vm.heap.step(budget)
}

// Collect completes any cycle in progress and then runs one full cycle, so
// every node unreachable at the time of the call is reclaimed.
//
// Collect must not be called from a native destructor.
func (vm *VM) Collect() GCStats {
	h := &vm.heap
	h.collectMu.Lock()
	h.runToIdle()
	h.startCycle()
	h.runToIdle()
	h.collectMu.Unlock()
	return h.stats()
}

// GCStats returns the current collector counters.
func (vm *VM) GCStats() GCStats {
	return vm.heap.stats()
}

// Pinned returns the number of outstanding external references.
func (vm *VM) Pinned() int {
	vm.heap.mu.RLock()
	defer vm.heap.mu.RUnlock()
	return vm.heap.pinCount
}

// GcExpose releases one external reference obtained from a factory, Copy
// or getter. Exposing a value that holds no reference fails with
// ErrNoWrite and reports a warning.
func (vm *VM) GcExpose(v *Value) error {
	if v == nil {
		return fmt.Errorf("expose: %w", ErrInvalidArg)
	}
	if v.kind == ValueNull {
		return nil
	}
	if v.vm != vm {
		return fmt.Errorf("expose: value belongs to another VM: %w", ErrMismatch)
	}
	vm.heap.mu.Lock()
	ok := vm.heap.unpin(v)
	vm.heap.mu.Unlock()
	if !ok {
		vm.report(MessageWarning, "value %s exposed more times than it was referenced", v.Type())
		return fmt.Errorf("expose %s: no outstanding reference: %w", v.Type(), ErrNoWrite)
	}
	return nil
}
