package vm

import (
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Handler search tests
// ---------------------------------------------------------------------------

func TestFindHandlerPrefersInnermostBlock(t *testing.T) {
	vm := newTestVM(t)
	exc := vm.NewInt32(1)
	defer vm.GcExpose(exc)

	blocks := []GuardedBlock{
		{Offset: 0, Length: 100, Handlers: []ExceptionHandler{{Offset: 90, Type: HandlerTypeAny}}},
		{Offset: 10, Length: 20, Handlers: []ExceptionHandler{{Offset: 80, Type: ValueInt32}}},
		{Offset: 10, Length: 5, Handlers: []ExceptionHandler{{Offset: 70, Type: ValueString}}},
	}
	sortGuardedBlocks(blocks)

	tests := []struct {
		pc   uint32
		want uint32
		ok   bool
	}{
		{12, 80, true}, // innermost block only takes strings
		{25, 80, true},
		{40, 90, true},
		{100, 0, false},
	}
	for _, tt := range tests {
		h, ok := findHandler(blocks, tt.pc, exc)
		if ok != tt.ok || h.Offset != tt.want {
			t.Errorf("pc %d: handler %d, %t; want %d, %t", tt.pc, h.Offset, ok, tt.want, tt.ok)
		}
	}
}

func TestHandlerMatchesObjectsByClass(t *testing.T) {
	vm := newTestVM(t)
	exec := start(t, vm, "int32 #add(int32, int32)")
	exec.RaiseStandardException(TypeError, SeverityNormal, "bad operand")
	exc := exec.Exception()
	defer vm.GcExpose(exc)

	if !(ExceptionHandler{Type: ValueObject, ClassName: "TypeError"}).Matches(exc) {
		t.Errorf("TypeError handler does not match")
	}
	if (ExceptionHandler{Type: ValueObject, ClassName: "IndexError"}).Matches(exc) {
		t.Errorf("IndexError handler matches a TypeError")
	}
	if (ExceptionHandler{Type: ValueInt32}).Matches(exc) {
		t.Errorf("int32 handler matches an object")
	}
	if !IsStandardException(exc) || ExceptionMessage(exc) != "bad operand" {
		t.Errorf("standard exception = %v", exc)
	}
}

// ---------------------------------------------------------------------------
// Raising and handling in scripts
// ---------------------------------------------------------------------------

func TestHandledTypeError(t *testing.T) {
	vm := newTestVM(t)
	m := newTestModule()
	b := m.code()
	b.EmitLoadInt32(0, 1)
	from := b.Len()
	b.EmitBranchIf(OpBranchIfTrue, 0, b.NewLabel()) // r0 is not a bool
	end := b.Len()
	b.EmitLoadInt32(1, -1)
	b.EmitIndexReg(OpStoreParam, 0, 1)
	b.Emit(OpRETURN)
	handler := b.Len()
	b.EmitReg(OpPop, 2)
	b.EmitIndexReg(OpStoreParam, 0, 2)
	b.Emit(OpRETURN)

	m.AddFunction("object guarded()", 0, 1, b.Bytes(), GuardedBlock{
		Offset: uint32(from),
		Length: uint32(end - from),
		Handlers: []ExceptionHandler{
			{Offset: uint32(handler), Type: ValueObject, ClassName: "TypeError"},
		},
	})
	m.load(t, vm, "guarded")

	exec := run(t, vm, "object guarded()")
	expectStatus(t, exec, ExecutionStatus{Complete: true})
	caught := result(t, exec, 0)
	if !caught.IsObject() || caught.Schema().Name != "TypeError" {
		t.Fatalf("handler received %v", caught)
	}
	if !strings.Contains(ExceptionMessage(caught), "not bool") {
		t.Errorf("message = %q", ExceptionMessage(caught))
	}
	if exc := exec.Exception(); !exc.IsNull() {
		t.Errorf("exception still set after handling: %v", exc)
	}
}

func TestNestedBlocksPickInnermost(t *testing.T) {
	vm := newTestVM(t)
	m := newTestModule()
	b := m.code()
	b.EmitLoadInt32(0, 3)
	from := b.Len()
	b.EmitReg(OpRAISE, 0)
	end := b.Len()
	b.Emit(OpRETURN)
	outer := b.Len()
	b.EmitLoadInt32(1, 1)
	b.EmitIndexReg(OpStoreParam, 0, 1)
	b.Emit(OpRETURN)
	inner := b.Len()
	b.EmitLoadInt32(1, 2)
	b.EmitIndexReg(OpStoreParam, 0, 1)
	b.Emit(OpRETURN)

	m.AddFunction("int32 nested()", 0, 1, b.Bytes(),
		GuardedBlock{
			Offset:   0,
			Length:   uint32(end),
			Handlers: []ExceptionHandler{{Offset: uint32(outer), Type: HandlerTypeAny}},
		},
		GuardedBlock{
			Offset:   uint32(from),
			Length:   uint32(end - from),
			Handlers: []ExceptionHandler{{Offset: uint32(inner), Type: ValueInt32}},
		},
	)
	m.load(t, vm, "nested")

	exec := run(t, vm, "int32 nested()")
	if got := result(t, exec, 0).GetInt32(); got != 2 {
		t.Errorf("handled by %d, want the inner handler (2)", got)
	}
}

func TestExceptionUnwindsFrames(t *testing.T) {
	vm := newTestVM(t)
	m := newTestModule()

	thrower := m.code()
	thrower.EmitLoadInt32(0, 77)
	thrower.EmitReg(OpRAISE, 0)
	thrower.Emit(OpRETURN)
	m.AddFunction("void thrower()", 0, 0, thrower.Bytes())

	middle := m.code()
	middle.EmitCall(m.Intern("void thrower()"))
	middle.Emit(OpRETURN)
	m.AddFunction("void middle()", 0, 0, middle.Bytes())

	b := m.code()
	from := b.Len()
	b.EmitCall(m.Intern("void middle()"))
	end := b.Len()
	b.Emit(OpRETURN)
	handler := b.Len()
	b.EmitReg(OpPop, 0)
	b.EmitIndexReg(OpStoreParam, 0, 0)
	b.Emit(OpRETURN)
	m.AddFunction("int32 outer()", 0, 1, b.Bytes(), GuardedBlock{
		Offset:   uint32(from),
		Length:   uint32(end - from),
		Handlers: []ExceptionHandler{{Offset: uint32(handler), Type: ValueInt32}},
	})
	m.load(t, vm, "unwind")

	exec := start(t, vm, "int32 outer()")
	depth := 0
	// step until the raise is about to execute
	for exec.CallStackDepth() < 3 {
		if err := exec.Run(RunStep); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if depth++; depth > 10 {
			t.Fatalf("never reached thrower")
		}
	}
	if err := exec.Run(RunContinuous); err != nil {
		t.Fatalf("Run: %v", err)
	}
	expectStatus(t, exec, ExecutionStatus{Complete: true})
	if got := result(t, exec, 0).GetInt32(); got != 77 {
		t.Errorf("caught %d, want 77", got)
	}
}

func TestUnhandledExceptionKeepsFrames(t *testing.T) {
	vm := newTestVM(t)
	m := newTestModule()
	inner := m.code()
	inner.EmitRegIndex(OpLoadConstString, 0, m.Intern("boom"))
	inner.EmitReg(OpRAISE, 0)
	inner.Emit(OpRETURN)
	m.AddFunction("void inner()", 0, 0, inner.Bytes())

	b := m.code()
	b.Emit(OpNOP)
	b.EmitCall(m.Intern("void inner()"))
	b.Emit(OpRETURN)
	m.AddFunction("void outer()", 0, 0, b.Bytes())
	m.load(t, vm, "unhandled")

	exec := run(t, vm, "void outer()")
	expectStatus(t, exec, ExecutionStatus{Complete: true, Exception: true})

	exc := exec.Exception()
	defer vm.GcExpose(exc)
	if exc.GetString() != "boom" {
		t.Errorf("exception = %v", exc)
	}

	var frames []FrameInfo
	exec.ResolveFrames(func(fi FrameInfo) bool {
		frames = append(frames, fi)
		return true
	})
	if len(frames) != 2 {
		t.Fatalf("frames = %v", frames)
	}
	if frames[0].Signature != "void inner()" || frames[0].PC != 9 || frames[0].Depth != 0 {
		t.Errorf("innermost frame = %s", frames[0])
	}
	if frames[1].Signature != "void outer()" || frames[1].PC != 1 {
		t.Errorf("outer frame = %s", frames[1])
	}
	trace := exec.StackTrace()
	if !strings.HasPrefix(trace, "#0 void inner() @0009\n#1 void outer() @0001") {
		t.Errorf("StackTrace =\n%s", trace)
	}
}

func TestFatalExceptionSkipsHandlers(t *testing.T) {
	vm := newTestVM(t)
	m := newTestModule()
	b := m.code()
	b.EmitRaw(0xEE)
	b.Emit(OpRETURN)
	handler := b.Len()
	b.Emit(OpRETURN)
	m.AddFunction("void fatal()", 0, 0, b.Bytes(), GuardedBlock{
		Offset:   0,
		Length:   2,
		Handlers: []ExceptionHandler{{Offset: uint32(handler), Type: HandlerTypeAny}},
	})
	m.load(t, vm, "fatal")

	exec := run(t, vm, "void fatal()")
	expectStatus(t, exec, ExecutionStatus{Complete: true, Exception: true})
	if exec.ExceptionSeverity() != SeverityFatal {
		t.Errorf("severity = %s", exec.ExceptionSeverity())
	}
	if exceptionSchema(t, exec) != "RuntimeError" {
		t.Errorf("schema = %s", exceptionSchema(t, exec))
	}
}

func TestStackOverflowIsFatal(t *testing.T) {
	vm := newTestVM(t, WithFrameStackSize(16))
	m := newTestModule()
	b := m.code()
	b.EmitCall(m.Intern("void forever()"))
	b.Emit(OpRETURN)
	m.AddFunction("void forever()", 0, 0, b.Bytes(), GuardedBlock{
		Offset:   0,
		Length:   uint32(b.Len()),
		Handlers: []ExceptionHandler{{Offset: 0, Type: HandlerTypeAny}},
	})
	m.load(t, vm, "forever")

	exec := run(t, vm, "void forever()")
	expectStatus(t, exec, ExecutionStatus{Complete: true, Exception: true})
	if exec.CallStackDepth() != 16 {
		t.Errorf("depth = %d, want 16", exec.CallStackDepth())
	}
	exc := exec.Exception()
	defer vm.GcExpose(exc)
	if !strings.Contains(ExceptionMessage(exc), "stack overflow") {
		t.Errorf("message = %q", ExceptionMessage(exc))
	}
}

func TestNativeRaisesIndexError(t *testing.T) {
	vm := newTestVM(t)
	m := newTestModule()
	m.AddNativeFunction("int32 at(int32)", 1, 1)
	b := m.code()
	b.EmitLoadInt32(0, 12)
	from := b.Len()
	m.call(b, "int32 at(int32)", 1, 0)
	end := b.Len()
	b.EmitIndexReg(OpStoreParam, 0, 1)
	b.Emit(OpRETURN)
	handler := b.Len()
	b.EmitReg(OpPop, 2)
	b.EmitLoadInt32(1, -1)
	b.EmitIndexReg(OpStoreParam, 0, 1)
	b.Emit(OpRETURN)
	m.AddFunction("int32 lookup()", 0, 1, b.Bytes(), GuardedBlock{
		Offset:   uint32(from),
		Length:   uint32(end - from),
		Handlers: []ExceptionHandler{{Offset: uint32(handler), Type: ValueObject, ClassName: "IndexError"}},
	})
	m.load(t, vm, "native")

	err := vm.SetNativeBinding("int32 at(int32)", func(exec *Execution, fn *Function) {
		if i := exec.Arg(0).GetInt32(); i >= 4 {
			exec.RaiseStandardException(IndexError, SeverityNormal, "index out of range")
		}
	})
	if err != nil {
		t.Fatalf("SetNativeBinding: %v", err)
	}

	exec := run(t, vm, "int32 lookup()")
	expectStatus(t, exec, ExecutionStatus{Complete: true})
	if got := result(t, exec, 0).GetInt32(); got != -1 {
		t.Errorf("lookup() = %d, want the handler's -1", got)
	}
}

func TestRaiseExceptionFromHost(t *testing.T) {
	vm := newTestVM(t)
	m := newTestModule()
	b := m.code()
	b.Emit(OpYIELD)
	b.Emit(OpRETURN)
	m.AddFunction("void wait()", 0, 0, b.Bytes())
	m.load(t, vm, "host")

	exec := start(t, vm, "void wait()")
	exec.Run(RunContinuous)

	other := newTestVM(t)
	foreign := other.NewString("x")
	defer other.GcExpose(foreign)
	if err := exec.RaiseException(foreign, SeverityNormal); !errors.Is(err, ErrMismatch) {
		t.Errorf("foreign value: err = %v, want ErrMismatch", err)
	}

	v := vm.NewString("cancelled by host")
	defer vm.GcExpose(v)
	if err := exec.RaiseException(v, SeverityNormal); err != nil {
		t.Fatalf("RaiseException: %v", err)
	}
	exec.Run(RunContinuous)
	expectStatus(t, exec, ExecutionStatus{Complete: true, Exception: true})

	if err := exec.RaiseException(v, SeverityNormal); !errors.Is(err, ErrNoWrite) {
		t.Errorf("raise after completion: err = %v, want ErrNoWrite", err)
	}
	if err := exec.RaiseStandardException(StandardException(42), SeverityNormal, ""); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("bad kind: err = %v", err)
	}
}
