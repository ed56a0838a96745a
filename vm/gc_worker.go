package vm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultGCInterval is the default delay between background increments.
const DefaultGCInterval = 10 * time.Millisecond

// GCWorkerStats describes one increment run by the worker.
type GCWorkerStats struct {
	GCStats
	CycleCompleted bool
	StepDuration   time.Duration
}

// GCWorker runs CollectStep increments of a fixed budget on a goroutine,
// one per interval, so an embedder that never calls CollectStep still
// reclaims garbage.
type GCWorker struct {
	vm       *VM
	interval time.Duration
	budget   int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	steps atomic.Uint64
	last  atomic.Pointer[GCWorkerStats]
}

// NewGCWorker creates a stopped worker for vm. Non-positive arguments
// select DefaultGCInterval and the VM's GCMaxIterations.
func NewGCWorker(vm *VM, interval time.Duration, budget int) *GCWorker {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	if budget <= 0 {
		budget = vm.config.GCMaxIterations
	}
	return &GCWorker{vm: vm, interval: interval, budget: budget}
}

// Start launches the worker if it is not already running.
func (w *GCWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel, w.done = cancel, make(chan struct{})
	go w.run(ctx, w.done)
}

// Stop cancels the worker and waits for its current increment.
func (w *GCWorker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (w *GCWorker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *GCWorker) Interval() time.Duration { return w.interval }

// StepCount returns the number of increments performed.
func (w *GCWorker) StepCount() uint64 { return w.steps.Load() }

// LastStats returns the most recent increment's statistics, or nil.
func (w *GCWorker) LastStats() *GCWorkerStats { return w.last.Load() }

// SweepNow runs one increment on the calling goroutine.
func (w *GCWorker) SweepNow() *GCWorkerStats { return w.step() }

func (w *GCWorker) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	t := time.NewTimer(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		w.step()
		t.Reset(w.interval)
	}
}

func (w *GCWorker) step() *GCWorkerStats {
	start := time.Now()
	completed := w.vm.CollectStep(w.budget)
	s := &GCWorkerStats{
		GCStats:        w.vm.GCStats(),
		CycleCompleted: completed,
		StepDuration:   time.Since(start),
	}
	w.steps.Add(1)
	w.last.Store(s)
	return s
}
