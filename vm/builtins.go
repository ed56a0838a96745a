package vm

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// BuiltinsProgram is the name of the program holding the standard
// exception schemas and the operator functions. It is registered by NewVM
// and cannot be unloaded.
const BuiltinsProgram = "$builtins"

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

type builtinSet struct {
	vm *VM
	p  *Program
}

func (b *builtinSet) add(signature string, inputs int, impl NativeFunc) {
	fn, err := newFunction(signature, inputs, 1)
	if err != nil {
		panic(fmt.Sprintf("builtin %q: %v", signature, err))
	}
	fn.program = b.p
	fn.isNative = true
	fn.bind(impl)
	b.p.functions = append(b.p.functions, fn)
}

func (vm *VM) registerBuiltins() {
	p := &Program{name: BuiltinsProgram, endian: EndianNative}
	for _, name := range standardExceptionNames {
		s := standardExceptionSchema(name)
		s.program = p
		p.schemas = append(p.schemas, s)
	}

	b := &builtinSet{vm: vm, p: p}
	b.registerArithmetic()
	b.registerComparisons()
	b.registerCasts()
	b.registerStrings()
	b.registerBooleans()

	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.programs[p.name] = p
	vm.programOrder = append(vm.programOrder, p)
	for _, s := range p.schemas {
		vm.schemas[s.Name] = s
	}
	for _, fn := range p.functions {
		vm.functions[fn.signature] = fn
	}
}

var numericTypes = []ValueType{
	ValueInt8, ValueInt16, ValueInt32, ValueInt64,
	ValueUint8, ValueUint16, ValueUint32, ValueUint64,
	ValueFloat32, ValueFloat64,
}

func unarySig(ret ValueType, name string, arg ValueType) string {
	return fmt.Sprintf("%s #%s(%s)", ret, name, arg)
}

func binarySig(ret ValueType, name string, t ValueType) string {
	return fmt.Sprintf("%s #%s(%s, %s)", ret, name, t, t)
}

// ---------------------------------------------------------------------------
// Operand helpers
// ---------------------------------------------------------------------------

// operands returns the first n IO registers when they all have type t, and
// raises TypeError otherwise.
func operands(exec *Execution, fn *Function, t ValueType, n int) ([]*Value, bool) {
	args := make([]*Value, n)
	for i := range args {
		args[i] = exec.Arg(i)
		if args[i].Type() != t {
			exec.raise(TypeError, SeverityNormal, "%s: argument %d is %s", fn.signature, i, args[i].Type())
			return nil, false
		}
	}
	return args, true
}

// setResult stores a scalar result into io0.
func (e *Execution) setResult(kind ValueType, bits uint64) {
	h := &e.vm.heap
	h.mu.Lock()
	h.store(&e.io[0], e.vm.scalar(kind, bits))
	h.mu.Unlock()
}

func (e *Execution) setStringResult(s string) {
	h := &e.vm.heap
	h.mu.Lock()
	h.store(&e.io[0], e.vm.stringLocked(s))
	h.mu.Unlock()
}

// normalize truncates raw integer bits to t's width, sign- or
// zero-extending as the type requires. Float32 results are rounded.
func normalize(t ValueType, bits uint64) uint64 {
	switch t {
	case ValueInt8:
		return uint64(int64(int8(bits)))
	case ValueInt16:
		return uint64(int64(int16(bits)))
	case ValueInt32:
		return uint64(int64(int32(bits)))
	case ValueUint8:
		return uint64(uint8(bits))
	case ValueUint16:
		return uint64(uint16(bits))
	case ValueUint32:
		return uint64(uint32(bits))
	case ValueFloat32:
		return math.Float64bits(float64(float32(math.Float64frombits(bits))))
	}
	return bits
}

func floatBits(t ValueType, f float64) uint64 {
	return normalize(t, math.Float64bits(f))
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func (b *builtinSet) registerArithmetic() {
	for _, t := range numericTypes {
		b.add(binarySig(t, "add", t), 2, arith(t, func(x, y uint64) uint64 { return x + y }, func(x, y float64) float64 { return x + y }))
		b.add(binarySig(t, "sub", t), 2, arith(t, func(x, y uint64) uint64 { return x - y }, func(x, y float64) float64 { return x - y }))
		b.add(binarySig(t, "mul", t), 2, arith(t, func(x, y uint64) uint64 { return x * y }, func(x, y float64) float64 { return x * y }))
		b.add(binarySig(t, "div", t), 2, divide(t, false))
		b.add(binarySig(t, "mod", t), 2, divide(t, true))
		if t.IsSigned() || t.IsFloat() {
			b.add(unarySig(t, "neg", t), 1, negate(t))
		}
	}
}

// arith builds an operator from its integer and float forms. Integer
// arithmetic wraps at the type's width.
func arith(t ValueType, ints func(x, y uint64) uint64, floats func(x, y float64) float64) NativeFunc {
	return func(exec *Execution, fn *Function) {
		args, ok := operands(exec, fn, t, 2)
		if !ok {
			return
		}
		x, y := args[0], args[1]
		if t.IsFloat() {
			exec.setResult(t, floatBits(t, floats(x.asFloat64(), y.asFloat64())))
			return
		}
		exec.setResult(t, normalize(t, ints(x.bits, y.bits)))
	}
}

func divide(t ValueType, modulo bool) NativeFunc {
	return func(exec *Execution, fn *Function) {
		args, ok := operands(exec, fn, t, 2)
		if !ok {
			return
		}
		x, y := args[0], args[1]
		if y.bits == 0 || (t.IsFloat() && y.asFloat64() == 0) {
			exec.raise(DivideByZeroError, SeverityNormal, "%s: division by zero", fn.signature)
			return
		}
		var r uint64
		switch {
		case t.IsFloat():
			a, b := x.asFloat64(), y.asFloat64()
			if modulo {
				r = floatBits(t, math.Mod(a, b))
			} else {
				r = floatBits(t, a/b)
			}
		case t.IsSigned():
			a, b := int64(x.bits), int64(y.bits)
			if modulo {
				r = uint64(a % b)
			} else {
				r = uint64(a / b)
			}
		default:
			if modulo {
				r = x.bits % y.bits
			} else {
				r = x.bits / y.bits
			}
		}
		exec.setResult(t, normalize(t, r))
	}
}

func negate(t ValueType) NativeFunc {
	return func(exec *Execution, fn *Function) {
		args, ok := operands(exec, fn, t, 1)
		if !ok {
			return
		}
		if t.IsFloat() {
			exec.setResult(t, floatBits(t, -args[0].asFloat64()))
			return
		}
		exec.setResult(t, normalize(t, uint64(-int64(args[0].bits))))
	}
}

// ---------------------------------------------------------------------------
// Comparisons
// ---------------------------------------------------------------------------

var comparisons = []struct {
	name string
	test func(c int) bool
}{
	{"eq", func(c int) bool { return c == 0 }},
	{"ne", func(c int) bool { return c != 0 }},
	{"lt", func(c int) bool { return c < 0 }},
	{"le", func(c int) bool { return c <= 0 }},
	{"gt", func(c int) bool { return c > 0 }},
	{"ge", func(c int) bool { return c >= 0 }},
}

func (b *builtinSet) registerComparisons() {
	types := append(append([]ValueType(nil), numericTypes...), ValueString)
	for _, t := range types {
		for _, c := range comparisons {
			b.add(binarySig(ValueBool, c.name, t), 2, compareOp(t, c.test))
		}
	}
	for _, c := range comparisons[:2] {
		b.add(binarySig(ValueBool, c.name, ValueBool), 2, compareOp(ValueBool, c.test))
	}
}

func compareOp(t ValueType, test func(int) bool) NativeFunc {
	return func(exec *Execution, fn *Function) {
		args, ok := operands(exec, fn, t, 2)
		if !ok {
			return
		}
		x, y := args[0], args[1]
		var c int
		switch {
		case t.IsFloat():
			a, b := x.asFloat64(), y.asFloat64()
			if math.IsNaN(a) || math.IsNaN(b) {
				// NaN is unordered and unequal to everything.
				exec.setResult(ValueBool, boolBits(fn.sig.Name == "#ne"))
				return
			}
			c = cmp.Compare(a, b)
		case t.IsSigned():
			c = cmp.Compare(int64(x.bits), int64(y.bits))
		case t == ValueString:
			c = strings.Compare(x.str.text, y.str.text)
		default:
			c = cmp.Compare(x.bits, y.bits)
		}
		exec.setResult(ValueBool, boolBits(test(c)))
	}
}

// ---------------------------------------------------------------------------
// Casts
// ---------------------------------------------------------------------------

func (b *builtinSet) registerCasts() {
	types := append(append([]ValueType(nil), numericTypes...), ValueBool, ValueString)
	for _, from := range types {
		for _, to := range types {
			if from == to {
				continue
			}
			b.add(unarySig(to, "cast", from), 1, castOp(from, to))
		}
	}
}

func castOp(from, to ValueType) NativeFunc {
	return func(exec *Execution, fn *Function) {
		args, ok := operands(exec, fn, from, 1)
		if !ok {
			return
		}
		x := args[0]
		if to == ValueString {
			exec.setStringResult(formatPrimitive(x))
			return
		}
		if from == ValueString {
			bits, err := parsePrimitive(to, x.str.text)
			if err != nil {
				exec.raise(TypeError, SeverityNormal, "%s: %v", fn.signature, err)
				return
			}
			exec.setResult(to, bits)
			return
		}
		exec.setResult(to, convertBits(from, to, x.bits))
	}
}

// convertBits converts between primitive representations. Integer
// narrowing wraps; float to integer truncates toward zero and saturates.
func convertBits(from, to ValueType, bits uint64) uint64 {
	switch {
	case to == ValueBool:
		if from.IsFloat() {
			return boolBits(math.Float64frombits(bits) != 0)
		}
		return boolBits(bits != 0)
	case from == ValueBool:
		if to.IsFloat() {
			return floatBits(to, float64(bits))
		}
		return bits
	case from.IsFloat() && to.IsFloat():
		return normalize(to, bits)
	case from.IsFloat():
		return floatToInt(to, math.Float64frombits(bits))
	case to.IsFloat():
		if from.IsSigned() {
			return floatBits(to, float64(int64(bits)))
		}
		return floatBits(to, float64(bits))
	}
	return normalize(to, bits)
}

func floatToInt(to ValueType, f float64) uint64 {
	if math.IsNaN(f) {
		return 0
	}
	f = math.Trunc(f)
	w := to.bitWidth()
	if to.IsSigned() {
		lim := math.Ldexp(1, w-1)
		switch {
		case f >= lim:
			return uint64(1)<<(w-1) - 1
		case f < -lim:
			return normalize(to, uint64(1)<<(w-1))
		}
		return normalize(to, uint64(int64(f)))
	}
	switch {
	case f <= 0:
		return 0
	case f >= math.Ldexp(1, w):
		return ^uint64(0) >> (64 - w)
	}
	return uint64(f)
}

func formatPrimitive(v *Value) string {
	t := v.Type()
	switch {
	case t == ValueBool:
		return strconv.FormatBool(v.bits != 0)
	case t.IsSigned():
		return strconv.FormatInt(int64(v.bits), 10)
	case t.IsUnsigned():
		return strconv.FormatUint(v.bits, 10)
	case t.IsFloat():
		return strconv.FormatFloat(v.asFloat64(), 'g', -1, t.bitWidth())
	}
	return v.String()
}

func parsePrimitive(to ValueType, s string) (uint64, error) {
	s = strings.TrimSpace(s)
	switch {
	case to == ValueBool:
		b, err := strconv.ParseBool(s)
		return boolBits(b), err
	case to.IsSigned():
		n, err := strconv.ParseInt(s, 0, to.bitWidth())
		return normalize(to, uint64(n)), err
	case to.IsUnsigned():
		n, err := strconv.ParseUint(s, 0, to.bitWidth())
		return n, err
	case to.IsFloat():
		f, err := strconv.ParseFloat(s, to.bitWidth())
		return floatBits(to, f), err
	}
	return 0, fmt.Errorf("cannot convert to %s", to)
}

// ---------------------------------------------------------------------------
// Strings, arrays and booleans
// ---------------------------------------------------------------------------

func (b *builtinSet) registerStrings() {
	b.add("int32 #length(string)", 1, func(exec *Execution, fn *Function) {
		args, ok := operands(exec, fn, ValueString, 1)
		if !ok {
			return
		}
		exec.setResult(ValueInt32, uint64(int64(len(args[0].str.text))))
	})
	b.add("string #concat(string, string)", 2, func(exec *Execution, fn *Function) {
		args, ok := operands(exec, fn, ValueString, 2)
		if !ok {
			return
		}
		exec.setStringResult(args[0].str.text + args[1].str.text)
	})
	b.add("int32 #length(array)", 1, func(exec *Execution, fn *Function) {
		args, ok := operands(exec, fn, ValueArray, 1)
		if !ok {
			return
		}
		exec.setResult(ValueInt32, uint64(int64(args[0].Len())))
	})
}

func (b *builtinSet) registerBooleans() {
	b.add("bool #not(bool)", 1, func(exec *Execution, fn *Function) {
		args, ok := operands(exec, fn, ValueBool, 1)
		if !ok {
			return
		}
		exec.setResult(ValueBool, boolBits(args[0].bits == 0))
	})
	b.add("bool #and(bool, bool)", 2, func(exec *Execution, fn *Function) {
		args, ok := operands(exec, fn, ValueBool, 2)
		if !ok {
			return
		}
		exec.setResult(ValueBool, boolBits(args[0].bits != 0 && args[1].bits != 0))
	})
	b.add("bool #or(bool, bool)", 2, func(exec *Execution, fn *Function) {
		args, ok := operands(exec, fn, ValueBool, 2)
		if !ok {
			return
		}
		exec.setResult(ValueBool, boolBits(args[0].bits != 0 || args[1].bits != 0))
	})
}
