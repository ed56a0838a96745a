package vm

import (
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// Test Helpers: VMs, modules and executions
// ---------------------------------------------------------------------------

func quietReport(MessageType, string) {}

// newTestVM creates a VM that discards diagnostics and is disposed when the
// test ends.
func newTestVM(t *testing.T, opts ...Option) *VM {
	t.Helper()
	opts = append([]Option{WithReport(quietReport)}, opts...)
	vm := NewVM(opts...)
	t.Cleanup(func() { _ = vm.Dispose() })
	return vm
}

// reportLog records diagnostics for assertions.
type reportLog struct {
	mu       sync.Mutex
	messages []string
	kinds    []MessageType
}

func (l *reportLog) report(kind MessageType, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds = append(l.kinds, kind)
	l.messages = append(l.messages, msg)
}

func (l *reportLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages...)
}

// testModule is a ModuleWriter with a fixed byte order for its bytecode.
type testModule struct {
	*ModuleWriter
	endian Endianness
}

func newTestModule() *testModule {
	return &testModule{ModuleWriter: NewModuleWriter(), endian: EndianLittle}
}

func (m *testModule) code() *BytecodeBuilder {
	return NewBytecodeBuilder(m.endian)
}

// call emits STORE_PARAM for each argument register, CALL, and LOAD_PARAM
// of the first result into dst.
func (m *testModule) call(b *BytecodeBuilder, signature string, dst uint32, args ...uint32) {
	for i, r := range args {
		b.EmitIndexReg(OpStoreParam, uint32(i), r)
	}
	b.EmitCall(m.Intern(signature))
	b.EmitRegIndex(OpLoadParam, dst, 0)
}

func (m *testModule) serialize(t *testing.T) []byte {
	t.Helper()
	data, err := m.Serialize(m.endian)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return data
}

func (m *testModule) load(t *testing.T, vm *VM, name string) *Program {
	t.Helper()
	p, err := vm.LoadProgram(name, m.serialize(t))
	if err != nil {
		t.Fatalf("LoadProgram(%s): %v", name, err)
	}
	return p
}

// start creates an execution of the named function with the given
// arguments in its IO registers.
func start(t *testing.T, vm *VM, signature string, args ...*Value) *Execution {
	t.Helper()
	fn := vm.FindFunction(signature)
	if fn == nil {
		t.Fatalf("function %q not registered", signature)
	}
	exec, err := vm.NewExecution(fn)
	if err != nil {
		t.Fatalf("NewExecution(%s): %v", signature, err)
	}
	t.Cleanup(exec.Dispose)
	for i, a := range args {
		if err := exec.SetIoRegister(i, a); err != nil {
			t.Fatalf("SetIoRegister(%d): %v", i, err)
		}
	}
	return exec
}

// run executes a function to its end.
func run(t *testing.T, vm *VM, signature string, args ...*Value) *Execution {
	t.Helper()
	exec := start(t, vm, signature, args...)
	if err := exec.Run(RunContinuous); err != nil {
		t.Fatalf("Run(%s): %v", signature, err)
	}
	return exec
}

// result returns io register i, released immediately.
func result(t *testing.T, exec *Execution, i int) *Value {
	t.Helper()
	v, err := exec.GetIoRegister(i)
	if err != nil {
		t.Fatalf("GetIoRegister(%d): %v", i, err)
	}
	if err := exec.VM().GcExpose(v); err != nil {
		t.Fatalf("GcExpose: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, exec *Execution, want ExecutionStatus) {
	t.Helper()
	if got := exec.Status(); got != want {
		t.Fatalf("status = %s, want %s", got, want)
	}
}

// exceptionSchema returns the schema name of the active exception.
func exceptionSchema(t *testing.T, exec *Execution) string {
	t.Helper()
	exc := exec.Exception()
	defer exec.VM().GcExpose(exc)
	if exc.Type() != ValueObject {
		t.Fatalf("exception is %s, want object", exc.Type())
	}
	return exc.Schema().Name
}

// newTyped creates a pinned numeric value of type typ.
func newTyped(vm *VM, typ ValueType, x int64) *Value {
	switch typ {
	case ValueInt8:
		return vm.NewInt8(int8(x))
	case ValueInt16:
		return vm.NewInt16(int16(x))
	case ValueInt32:
		return vm.NewInt32(int32(x))
	case ValueInt64:
		return vm.NewInt64(x)
	case ValueUint8:
		return vm.NewUint8(uint8(x))
	case ValueUint16:
		return vm.NewUint16(uint16(x))
	case ValueUint32:
		return vm.NewUint32(uint32(x))
	case ValueUint64:
		return vm.NewUint64(uint64(x))
	case ValueFloat32:
		return vm.NewFloat32(float32(x))
	case ValueFloat64:
		return vm.NewFloat64(float64(x))
	}
	panic("newTyped: " + typ.String())
}
