package vm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Execution: one thread of script execution
// ---------------------------------------------------------------------------

// RunMode selects how far Run advances an execution.
type RunMode int

const (
	// RunContinuous runs until the execution completes, yields, aborts or
	// raises an unhandled exception.
	RunContinuous RunMode = iota
	// RunStep executes a single instruction.
	RunStep
)

func (m RunMode) String() string {
	if m == RunStep {
		return "step"
	}
	return "continuous"
}

// ExecutionStatus is the set of status flags of an execution.
//
//	Running            started and not finished
//	Yielded, Running   suspended by YIELD; Run resumes it
//	Complete           returned from the entry function
//	Exception,Complete ended by an unhandled exception
//	Abort              stopped by ABORT or Abort()
type ExecutionStatus struct {
	Running   bool
	Yielded   bool
	Complete  bool
	Exception bool
	Abort     bool
}

// Finished reports whether no further Run can make progress.
func (s ExecutionStatus) Finished() bool { return s.Complete || s.Abort }

func (s ExecutionStatus) String() string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{s.Running, "running"},
		{s.Yielded, "yielded"},
		{s.Complete, "complete"},
		{s.Exception, "exception"},
		{s.Abort, "abort"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	if len(flags) == 0 {
		return "idle"
	}
	return strings.Join(flags, "|")
}

// Execution runs an entry function on a call stack of frames. An execution
// is driven by one goroutine at a time; Abort may be called from any.
type Execution struct {
	id    uuid.UUID
	vm    *VM
	entry *Function

	// frames, io and exception are collector roots; they are mutated with
	// heap.mu held for writing.
	frames    []*Frame
	io        [IORegisterCount]*Value
	exception *Value
	severity  Severity

	status  ExecutionStatus
	started bool
	// finished mirrors status.Finished() for readers outside runMu.
	finished atomic.Bool

	runMu          sync.Mutex
	abortRequested atomic.Bool
	yieldRequested bool
	disposed       bool
}

// NewExecution prepares an execution of entry. Arguments go into the IO
// registers before the first Run.
func (vm *VM) NewExecution(entry *Function) (*Execution, error) {
	if entry == nil {
		return nil, fmt.Errorf("new execution: %w", ErrInvalidArg)
	}
	if vm.Disposed() {
		return nil, fmt.Errorf("new execution: vm disposed: %w", ErrNoWrite)
	}
	if entry.unloaded() {
		return nil, fmt.Errorf("new execution: %s belongs to unloaded program %s: %w",
			entry.signature, entry.program.name, ErrScriptNoFunction)
	}
	e := &Execution{
		id:        uuid.New(),
		vm:        vm,
		entry:     entry,
		exception: Null,
	}
	for i := range e.io {
		e.io[i] = Null
	}
	vm.heap.mu.Lock()
	vm.executions[e] = struct{}{}
	vm.heap.mu.Unlock()
	vm.report(MessageVerbose, "execution %s created for %s", e.id, entry.signature)
	return e, nil
}

// ID identifies the execution in diagnostics.
func (e *Execution) ID() uuid.UUID { return e.id }

func (e *Execution) VM() *VM { return e.vm }

// Entry returns the function the execution started with.
func (e *Execution) Entry() *Function { return e.entry }

// Status returns the current status flags.
func (e *Execution) Status() ExecutionStatus { return e.status }

// CallStackDepth returns the number of live bytecode frames.
func (e *Execution) CallStackDepth() int { return len(e.frames) }

// ---------------------------------------------------------------------------
// IO registers
// ---------------------------------------------------------------------------

// GetIoRegister returns the value of an IO register, pinned.
func (e *Execution) GetIoRegister(index int) (*Value, error) {
	if index < 0 || index >= IORegisterCount {
		return nil, fmt.Errorf("io register %d: %w", index, ErrIndexOutOfRange)
	}
	h := &e.vm.heap
	h.mu.Lock()
	defer h.mu.Unlock()
	v := e.io[index]
	h.pin(v)
	return v, nil
}

// SetIoRegister stores v into an IO register. The caller keeps its own
// reference to v.
func (e *Execution) SetIoRegister(index int, v *Value) error {
	if index < 0 || index >= IORegisterCount {
		return fmt.Errorf("io register %d: %w", index, ErrIndexOutOfRange)
	}
	if err := e.vm.checkOwner(v); err != nil {
		return fmt.Errorf("io register %d: %w", index, err)
	}
	h := &e.vm.heap
	h.mu.Lock()
	h.store(&e.io[index], v)
	h.mu.Unlock()
	return nil
}

// Arg returns an IO register without pinning it. Native functions use it
// to read their arguments; the value stays valid while it remains in a
// register or another reachable slot.
func (e *Execution) Arg(index int) *Value {
	if index < 0 || index >= IORegisterCount {
		return Null
	}
	h := &e.vm.heap
	h.mu.RLock()
	defer h.mu.RUnlock()
	return e.io[index]
}

// ---------------------------------------------------------------------------
// Control
// ---------------------------------------------------------------------------

// Yield asks a running execution to suspend after the current instruction.
// It is meant to be called by native functions.
func (e *Execution) Yield() {
	e.yieldRequested = true
}

// Abort stops the execution without running any handler. During Run the
// request is observed before the next instruction; otherwise it takes
// effect immediately.
func (e *Execution) Abort() {
	e.abortRequested.Store(true)
	if e.runMu.TryLock() {
		if !e.status.Complete && !e.status.Abort {
			e.abort()
		}
		e.runMu.Unlock()
	}
}

func (e *Execution) abort() {
	h := &e.vm.heap
	h.mu.Lock()
	for _, f := range e.frames {
		f.clear()
	}
	e.frames = nil
	e.exception = Null
	h.mu.Unlock()
	e.status = ExecutionStatus{Abort: true}
	e.finished.Store(true)
	e.vm.report(MessageVerbose, "execution %s aborted", e.id)
}

// Run advances the execution. Errors describe misuse of the execution;
// script failures are reported through Status and Exception.
func (e *Execution) Run(mode RunMode) error {
	if !e.runMu.TryLock() {
		return fmt.Errorf("run %s: already running: %w", e.id, ErrNoWrite)
	}
	defer e.runMu.Unlock()
	defer func() { e.finished.Store(e.status.Finished()) }()

	switch {
	case e.disposed:
		return fmt.Errorf("run %s: execution disposed: %w", e.id, ErrInvalidArg)
	case e.vm.Disposed():
		return fmt.Errorf("run %s: vm disposed: %w", e.id, ErrNoWrite)
	case e.status.Finished():
		return fmt.Errorf("run %s: execution finished (%s): %w", e.id, e.status, ErrNoWrite)
	}

	e.status.Yielded = false
	e.status.Running = true
	stepped := false

	if !e.started {
		e.started = true
		if e.entry.isNative {
			e.call(e.entry)
			stepped = true
		} else if err := e.pushFrame(e.entry); err != nil {
			e.raise(RuntimeError, SeverityFatal, "%v", err)
		}
	}

	for {
		if e.settle() {
			return nil
		}
		if stepped && mode == RunStep {
			return nil
		}
		e.step()
		stepped = true
	}
}

// RunWithContext is Run with cancellation: when ctx is done the execution
// is aborted before its next instruction and ctx's error is returned.
func (e *Execution) RunWithContext(ctx context.Context, mode RunMode) error {
	if err := ctx.Err(); err != nil {
		e.Abort()
		return err
	}
	stop := context.AfterFunc(ctx, func() { e.abortRequested.Store(true) })
	err := e.Run(mode)
	if !stop() && ctx.Err() != nil {
		if !e.status.Finished() {
			e.Abort()
		}
		if e.status.Abort {
			return ctx.Err()
		}
	}
	return err
}

// settle applies pending requests between instructions and reports
// whether Run must return.
func (e *Execution) settle() bool {
	if e.abortRequested.Load() {
		e.abort()
		return true
	}
	if e.status.Exception {
		e.handleException()
		if e.status.Complete {
			return true
		}
	}
	if e.yieldRequested {
		e.yieldRequested = false
		e.status.Yielded = true
		return true
	}
	if len(e.frames) == 0 {
		e.status.Running = false
		e.status.Complete = true
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func (e *Execution) pushFrame(fn *Function) error {
	if len(e.frames) >= e.vm.config.FrameStackSize {
		return fmt.Errorf("stack overflow calling %s: %w", fn.signature, ErrStackFull)
	}
	f := newFrame(fn, e.vm.config.OperandStackSize)
	h := &e.vm.heap
	h.mu.Lock()
	e.frames = append(e.frames, f)
	h.mu.Unlock()
	return nil
}

func (e *Execution) popFrame() {
	h := &e.vm.heap
	h.mu.Lock()
	n := len(e.frames)
	e.frames[n-1].clear()
	e.frames[n-1] = nil
	e.frames = e.frames[:n-1]
	h.mu.Unlock()
}

// call invokes fn. Bytecode functions get a new frame; native functions
// run to completion on the spot.
func (e *Execution) call(fn *Function) {
	if fn.unloaded() {
		e.raise(RuntimeError, SeverityNormal, "function %s belongs to unloaded program %s", fn.signature, fn.program.name)
		return
	}
	if !fn.isNative {
		if err := e.pushFrame(fn); err != nil {
			e.raise(RuntimeError, SeverityFatal, "stack overflow")
		}
		return
	}
	impl := fn.Native()
	if impl == nil {
		e.raise(RuntimeError, SeverityFatal, "native function %s is not bound", fn.signature)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.raise(RuntimeError, SeverityFatal, "native function %s panicked: %v", fn.signature, r)
		}
	}()
	impl(e, fn)
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// ResolveFrames visits the call stack from the innermost frame outwards
// until fn returns false. After an unhandled exception the frames are
// those at the point of the fault.
func (e *Execution) ResolveFrames(fn func(FrameInfo) bool) {
	for i := len(e.frames) - 1; i >= 0; i-- {
		f := e.frames[i]
		info := FrameInfo{
			Depth:     len(e.frames) - 1 - i,
			Function:  f.fn,
			Signature: f.fn.signature,
			PC:        f.instrStart,
		}
		if !fn(info) {
			return
		}
	}
}

// StackTrace renders the call stack, innermost first.
func (e *Execution) StackTrace() string {
	var b strings.Builder
	e.ResolveFrames(func(fi FrameInfo) bool {
		b.WriteString(fi.String())
		b.WriteByte('\n')
		return true
	})
	return b.String()
}

// ---------------------------------------------------------------------------
// Collector integration and teardown
// ---------------------------------------------------------------------------

// forEachRoot visits every slot the execution holds. Caller holds heap.mu.
func (e *Execution) forEachRoot(fn func(*Value)) {
	for _, v := range e.io {
		fn(v)
	}
	fn(e.exception)
	for _, f := range e.frames {
		f.forEachRoot(fn)
	}
}

// references reports whether the execution runs code of p. Caller holds
// heap.mu.
func (e *Execution) references(p *Program) bool {
	if e.disposed {
		return false
	}
	if e.entry.program == p && !e.finished.Load() {
		return true
	}
	for _, f := range e.frames {
		if f.fn.program == p {
			return true
		}
	}
	return false
}

// Dispose releases the execution's slots and detaches it from the VM. It
// waits for a Run in progress on another goroutine and must not be called
// from a native function.
func (e *Execution) Dispose() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.disposed {
		return
	}
	h := &e.vm.heap
	h.mu.Lock()
	e.disposed = true
	delete(e.vm.executions, e)
	for _, f := range e.frames {
		f.clear()
	}
	e.frames = nil
	for i := range e.io {
		e.io[i] = Null
	}
	e.exception = Null
	h.mu.Unlock()
}
