package vm

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// GCWorker Tests
// ---------------------------------------------------------------------------

func TestGCWorkerCollectsInBackground(t *testing.T) {
	vm := newTestVM(t, WithGCBackground(time.Millisecond))
	w := vm.GCWorker()
	if w == nil || !w.Running() {
		t.Fatalf("background worker not running")
	}
	if w.Interval() != time.Millisecond {
		t.Errorf("Interval = %v", w.Interval())
	}

	for i := 0; i < 64; i++ {
		vm.GcExpose(vm.NewString("transient"))
	}

	deadline := time.Now().Add(5 * time.Second)
	for vm.GCStats().Live != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker did not reclaim garbage: %+v", vm.GCStats())
		}
		time.Sleep(time.Millisecond)
	}
	if w.StepCount() == 0 {
		t.Errorf("StepCount = 0")
	}
	if w.LastStats() == nil {
		t.Errorf("LastStats = nil")
	}
}

func TestGCWorkerSweepNow(t *testing.T) {
	vm := newTestVM(t)
	if vm.GCWorker() != nil {
		t.Fatalf("worker started without WithGCBackground")
	}
	w := NewGCWorker(vm, 0, 1000)
	if w.Interval() != DefaultGCInterval {
		t.Errorf("Interval = %v, want default", w.Interval())
	}
	if w.LastStats() != nil {
		t.Errorf("LastStats before any step = %+v", w.LastStats())
	}

	vm.GcExpose(vm.NewInt64(9))
	stats := w.SweepNow()
	if !stats.CycleCompleted {
		t.Errorf("increment with budget 1000 did not complete a cycle")
	}
	if stats.Live != 0 {
		t.Errorf("Live = %d, want 0", stats.Live)
	}
	if w.StepCount() != 1 {
		t.Errorf("StepCount = %d, want 1", w.StepCount())
	}
}

func TestGCWorkerStartStop(t *testing.T) {
	vm := newTestVM(t)
	w := NewGCWorker(vm, time.Millisecond, 0)
	if w.Running() {
		t.Fatalf("Running before Start")
	}
	w.Start()
	w.Start()
	if !w.Running() {
		t.Fatalf("not Running after Start")
	}
	w.Stop()
	w.Stop()
	if w.Running() {
		t.Errorf("Running after Stop")
	}
	n := w.StepCount()
	time.Sleep(5 * time.Millisecond)
	if w.StepCount() != n {
		t.Errorf("stopped worker kept stepping")
	}

	w.Start()
	defer w.Stop()
	if !w.Running() {
		t.Errorf("worker did not restart")
	}
}

func TestGCWorkerStopsOnDispose(t *testing.T) {
	vm := NewVM(WithReport(quietReport), WithGCBackground(time.Millisecond))
	w := vm.GCWorker()
	if err := vm.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if w.Running() {
		t.Errorf("worker still running after Dispose")
	}
}
