package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Interpreter: bytecode dispatch
// ---------------------------------------------------------------------------

// maxArrayInit bounds INIT_ARRAY so a corrupt count cannot exhaust memory.
const maxArrayInit = 1 << 24

// fault is a script exception decided while the heap lock is held and
// raised once it is released.
type fault struct {
	kind     StandardException
	severity Severity
	msg      string
}

func faultf(kind StandardException, format string, args ...any) *fault {
	return &fault{kind: kind, severity: SeverityNormal, msg: fmt.Sprintf(format, args...)}
}

func fatalf(format string, args ...any) *fault {
	return &fault{kind: RuntimeError, severity: SeverityFatal, msg: fmt.Sprintf(format, args...)}
}

func (e *Execution) raiseFault(f *fault) {
	if f != nil {
		e.raise(f.kind, f.severity, "%s", f.msg)
	}
}

// step decodes and executes the instruction at the top frame's pc.
// Running off the end of the code is an implicit RETURN; zero padding
// decodes as NOP.
func (e *Execution) step() {
	f := e.frames[len(e.frames)-1]
	code := f.fn.code
	if f.pc >= len(code) {
		f.instrStart = f.pc
		e.popFrame()
		return
	}

	r := NewBytecodeReader(code, f.fn.program.endian)
	if err := r.Seek(f.pc); err != nil {
		e.raise(RuntimeError, SeverityFatal, "%s: %v", f.fn.signature, err)
		return
	}
	f.instrStart = f.pc
	in, err := r.Next()
	if err != nil {
		e.raise(RuntimeError, SeverityFatal, "%s: %v", f.fn.signature, err)
		return
	}
	f.pc = in.Pos + in.Size
	e.raiseFault(e.execute(f, in))
}

func (e *Execution) execute(f *Frame, in Instruction) *fault {
	vm := e.vm
	prog := f.fn.program
	a := in.Args

	switch in.Op {
	// --- Control ---
	case OpNOP:
		return nil

	case OpABORT:
		e.abortRequested.Store(true)
		return nil

	case OpRETURN:
		e.popFrame()
		return nil

	case OpYIELD:
		e.yieldRequested = true
		return nil

	case OpCALL:
		sig, ok := prog.Constant(uint32(a[0]))
		if !ok {
			return fatalf("CALL: constant %d out of range", a[0])
		}
		callee := vm.FindFunction(sig)
		if callee == nil {
			return fatalf("CALL: no function %q", sig)
		}
		e.call(callee)
		return nil

	case OpCALLVALUE:
		v, flt := e.readRegister(f, a[0])
		if flt != nil {
			return flt
		}
		if v.Type() != ValueFunction {
			return faultf(TypeError, "CALL_VALUE: r%d holds %s, not function", a[0], v.Type())
		}
		e.call(v.fn)
		return nil

	case OpRAISE:
		v, flt := e.readRegister(f, a[0])
		if flt != nil {
			return flt
		}
		if err := e.RaiseException(v, SeverityNormal); err != nil {
			return fatalf("RAISE: %v", err)
		}
		return nil

	// --- Lookups that need the registries ---
	case OpLoadConstFunction:
		sig, ok := prog.Constant(uint32(a[1]))
		if !ok {
			return fatalf("LOAD_CONST_FUNCTION: constant %d out of range", a[1])
		}
		fn := vm.FindFunction(sig)
		if fn == nil {
			return fatalf("LOAD_CONST_FUNCTION: no function %q", sig)
		}
		return e.withHeap(func(h *heap) *fault {
			return regFault(f.setRegister(h, a[0], &Value{kind: ValueFunction, vm: vm, fn: fn}))
		})

	case OpInitObject:
		name, ok := prog.Constant(uint32(a[1]))
		if !ok {
			return fatalf("INIT_OBJECT: constant %d out of range", a[1])
		}
		schema := vm.FindSchema(name)
		if schema == nil {
			return faultf(RuntimeError, "INIT_OBJECT: unknown type %q", name)
		}
		return e.withHeap(func(h *heap) *fault {
			return regFault(f.setRegister(h, a[0], vm.objectLocked(schema)))
		})

	// --- Debug ---
	case OpDbgDumpReg:
		v, flt := e.readRegister(f, a[0])
		if flt != nil {
			return flt
		}
		vm.report(MessageInfo, "%s @%04d: r%d = %s", f.fn.signature, in.Pos, a[0], v)
		return nil
	}

	return e.withHeap(func(h *heap) *fault {
		return e.executeLocked(h, f, in)
	})
}

// executeLocked runs the instructions that only touch values. Caller holds
// heap.mu for writing.
func (e *Execution) executeLocked(h *heap, f *Frame, in Instruction) *fault {
	vm := e.vm
	prog := f.fn.program
	a := in.Args

	switch in.Op {
	// --- Constants ---
	case OpLoadConstNull:
		return regFault(f.setRegister(h, a[0], Null))

	case OpLoadConstBool:
		return regFault(f.setRegister(h, a[0], vm.scalar(ValueBool, boolBits(a[1] != 0))))

	case OpLoadConstI8:
		return regFault(f.setRegister(h, a[0], vm.scalar(ValueInt8, uint64(int64(int8(a[1]))))))
	case OpLoadConstI16:
		return regFault(f.setRegister(h, a[0], vm.scalar(ValueInt16, uint64(int64(int16(a[1]))))))
	case OpLoadConstI32:
		return regFault(f.setRegister(h, a[0], vm.scalar(ValueInt32, uint64(int64(int32(a[1]))))))
	case OpLoadConstI64:
		return regFault(f.setRegister(h, a[0], vm.scalar(ValueInt64, a[1])))
	case OpLoadConstU8:
		return regFault(f.setRegister(h, a[0], vm.scalar(ValueUint8, a[1])))
	case OpLoadConstU16:
		return regFault(f.setRegister(h, a[0], vm.scalar(ValueUint16, a[1])))
	case OpLoadConstU32:
		return regFault(f.setRegister(h, a[0], vm.scalar(ValueUint32, a[1])))
	case OpLoadConstU64:
		return regFault(f.setRegister(h, a[0], vm.scalar(ValueUint64, a[1])))

	case OpLoadConstF32:
		x := math.Float32frombits(uint32(a[1]))
		return regFault(f.setRegister(h, a[0], vm.scalar(ValueFloat32, math.Float64bits(float64(x)))))
	case OpLoadConstF64:
		return regFault(f.setRegister(h, a[0], vm.scalar(ValueFloat64, a[1])))

	case OpLoadConstString:
		s, ok := prog.Constant(uint32(a[1]))
		if !ok {
			return fatalf("LOAD_CONST_STRING: constant %d out of range", a[1])
		}
		if a[0] >= GPRegisterCount {
			return fatalf("LOAD_CONST_STRING: register r%d out of range", a[0])
		}
		return regFault(f.setRegister(h, a[0], vm.stringLocked(s)))

	// --- Variables ---
	case OpLoadGlobal:
		name, ok := prog.Constant(uint32(a[1]))
		if !ok {
			return fatalf("LOAD_GLOBAL: constant %d out of range", a[1])
		}
		g, ok := vm.globals[name]
		if !ok {
			return faultf(RuntimeError, "LOAD_GLOBAL: undefined global %q", name)
		}
		return regFault(f.setRegister(h, a[0], g.value))

	case OpStoreGlobal:
		name, ok := prog.Constant(uint32(a[0]))
		if !ok {
			return fatalf("STORE_GLOBAL: constant %d out of range", a[0])
		}
		v, err := f.register(a[1])
		if err != nil {
			return regFault(err)
		}
		g, ok := vm.globals[name]
		if !ok {
			return faultf(RuntimeError, "STORE_GLOBAL: undefined global %q", name)
		}
		h.store(&g.value, v)
		return nil

	case OpLoadLocal:
		name, ok := prog.Constant(uint32(a[1]))
		if !ok {
			return fatalf("LOAD_LOCAL: constant %d out of range", a[1])
		}
		v, ok := f.local(name)
		if !ok {
			return faultf(RuntimeError, "LOAD_LOCAL: undefined local %q", name)
		}
		return regFault(f.setRegister(h, a[0], v))

	case OpStoreLocal:
		name, ok := prog.Constant(uint32(a[0]))
		if !ok {
			return fatalf("STORE_LOCAL: constant %d out of range", a[0])
		}
		v, err := f.register(a[1])
		if err != nil {
			return regFault(err)
		}
		f.setLocal(h, name, v)
		return nil

	case OpLoadParam:
		if a[1] >= IORegisterCount {
			return fatalf("LOAD_PARAM: io register %d out of range", a[1])
		}
		return regFault(f.setRegister(h, a[0], e.io[a[1]]))

	case OpStoreParam:
		if a[0] >= IORegisterCount {
			return fatalf("STORE_PARAM: io register %d out of range", a[0])
		}
		v, err := f.register(a[1])
		if err != nil {
			return regFault(err)
		}
		h.store(&e.io[a[0]], v)
		return nil

	case OpPush:
		v, err := f.register(a[0])
		if err != nil {
			return regFault(err)
		}
		if err := f.push(h, v); err != nil {
			return fatalf("PUSH: operand stack overflow")
		}
		return nil

	case OpPop:
		if a[0] >= GPRegisterCount {
			return fatalf("POP: register r%d out of range", a[0])
		}
		v, err := f.pop()
		if err != nil {
			return fatalf("POP: operand stack underflow")
		}
		return regFault(f.setRegister(h, a[0], v))

	// --- Objects and arrays ---
	case OpInitArray:
		if a[1] > maxArrayInit {
			return faultf(IndexError, "INIT_ARRAY: %d elements exceeds the limit", a[1])
		}
		if a[0] >= GPRegisterCount {
			return fatalf("INIT_ARRAY: register r%d out of range", a[0])
		}
		return regFault(f.setRegister(h, a[0], vm.arrayLocked(int(a[1]))))

	case OpLoadObject:
		obj, err := f.register(a[1])
		if err != nil {
			return regFault(err)
		}
		if obj.Type() != ValueObject {
			return faultf(TypeError, "LOAD_OBJECT: r%d holds %s, not object", a[1], obj.Type())
		}
		if a[2] >= uint64(len(obj.obj.members)) {
			return faultf(IndexError, "LOAD_OBJECT: member %d of %s", a[2], obj.obj.schema.Name)
		}
		return regFault(f.setRegister(h, a[0], obj.obj.members[a[2]]))

	case OpStoreObject:
		obj, err := f.register(a[0])
		if err != nil {
			return regFault(err)
		}
		src, err := f.register(a[2])
		if err != nil {
			return regFault(err)
		}
		if obj.Type() != ValueObject {
			return faultf(TypeError, "STORE_OBJECT: r%d holds %s, not object", a[0], obj.Type())
		}
		if a[1] >= uint64(len(obj.obj.members)) {
			return faultf(IndexError, "STORE_OBJECT: member %d of %s", a[1], obj.obj.schema.Name)
		}
		if err := obj.setMemberLocked(int(a[1]), src); err != nil {
			return faultf(TypeError, "STORE_OBJECT: %v", err)
		}
		return nil

	case OpLoadArray:
		arr, idx, flt := e.arrayOperands(f, "LOAD_ARRAY", a[1], a[2])
		if flt != nil {
			return flt
		}
		return regFault(f.setRegister(h, a[0], arr.arr.items[idx]))

	case OpStoreArray:
		arr, idx, flt := e.arrayOperands(f, "STORE_ARRAY", a[0], a[1])
		if flt != nil {
			return flt
		}
		src, err := f.register(a[2])
		if err != nil {
			return regFault(err)
		}
		h.store(&arr.arr.items[idx], src)
		return nil

	// --- Branches ---
	case OpBranch:
		return e.branch(f, in)

	case OpBranchIfTrue, OpBranchIfFalse:
		cond, err := f.register(a[0])
		if err != nil {
			return regFault(err)
		}
		if cond.Type() != ValueBool {
			return faultf(TypeError, "%s: r%d holds %s, not bool", in.Op, a[0], cond.Type())
		}
		if cond.GetBool() == (in.Op == OpBranchIfTrue) {
			return e.branch(f, in)
		}
		return nil
	}

	return fatalf("opcode %s not executable", in.Op)
}

func (e *Execution) branch(f *Frame, in Instruction) *fault {
	target := in.Target()
	if target < 0 || target > len(f.fn.code) {
		return fatalf("%s: target %d outside %s", in.Op, target, f.fn.signature)
	}
	f.pc = target
	return nil
}

// arrayOperands validates an array register and an integer index
// register. Caller holds heap.mu.
func (e *Execution) arrayOperands(f *Frame, op string, arrReg, idxReg uint64) (*Value, int, *fault) {
	arr, err := f.register(arrReg)
	if err != nil {
		return nil, 0, regFault(err)
	}
	idx, err := f.register(idxReg)
	if err != nil {
		return nil, 0, regFault(err)
	}
	if arr.Type() != ValueArray {
		return nil, 0, faultf(TypeError, "%s: r%d holds %s, not array", op, arrReg, arr.Type())
	}
	i, ok := idx.asInt64()
	if !ok {
		return nil, 0, faultf(TypeError, "%s: index r%d holds %s, not an integer", op, idxReg, idx.Type())
	}
	if i < 0 || i >= int64(len(arr.arr.items)) {
		return nil, 0, faultf(IndexError, "%s: index %d out of range [0,%d)", op, i, len(arr.arr.items))
	}
	return arr, int(i), nil
}

func (e *Execution) readRegister(f *Frame, r uint64) (*Value, *fault) {
	h := &e.vm.heap
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, err := f.register(r)
	if err != nil {
		return nil, regFault(err)
	}
	return v, nil
}

func (e *Execution) withHeap(fn func(h *heap) *fault) *fault {
	h := &e.vm.heap
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h)
}

// regFault turns a malformed register operand into a fatal fault.
func regFault(err error) *fault {
	if err == nil {
		return nil
	}
	return fatalf("%v", err)
}

func boolBits(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
