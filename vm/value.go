package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// ValueType: the tag of every runtime value
// ---------------------------------------------------------------------------

// ValueType discriminates the Value union. The numbering is part of the
// module format: object schema member types and exception handler types
// are encoded with it.
type ValueType uint32

const (
	ValueNull ValueType = iota
	ValueInt8
	ValueInt16
	ValueInt32
	ValueInt64
	ValueUint8
	ValueUint16
	ValueUint32
	ValueUint64
	ValueFloat32
	ValueFloat64
	ValueBool
	ValueString
	ValueObject
	ValueArray
	ValueNative
	ValueFunction
)

// HandlerTypeAny is the wildcard exception handler type; it catches every
// raised value.
const HandlerTypeAny ValueType = 0xFFFFFFFF

var valueTypeNames = [...]string{
	ValueNull:     "null",
	ValueInt8:     "int8",
	ValueInt16:    "int16",
	ValueInt32:    "int32",
	ValueInt64:    "int64",
	ValueUint8:    "uint8",
	ValueUint16:   "uint16",
	ValueUint32:   "uint32",
	ValueUint64:   "uint64",
	ValueFloat32:  "float32",
	ValueFloat64:  "float64",
	ValueBool:     "bool",
	ValueString:   "string",
	ValueObject:   "object",
	ValueArray:    "array",
	ValueNative:   "native",
	ValueFunction: "function",
}

func (t ValueType) String() string {
	if t == HandlerTypeAny {
		return "any"
	}
	if t.Valid() {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// ParseValueType maps a type name as used in signatures back to its tag.
func ParseValueType(name string) (ValueType, bool) {
	for t, n := range valueTypeNames {
		if n == name {
			return ValueType(t), true
		}
	}
	return 0, false
}

// Valid reports whether t is one of the defined tags.
func (t ValueType) Valid() bool { return t <= ValueFunction }

// IsHeap reports whether values of this type are tracked GC nodes.
func (t ValueType) IsHeap() bool {
	switch t {
	case ValueString, ValueObject, ValueArray, ValueNative:
		return true
	}
	return false
}

func (t ValueType) IsSigned() bool { return t >= ValueInt8 && t <= ValueInt64 }

func (t ValueType) IsUnsigned() bool { return t >= ValueUint8 && t <= ValueUint64 }

func (t ValueType) IsInteger() bool { return t.IsSigned() || t.IsUnsigned() }

func (t ValueType) IsFloat() bool { return t == ValueFloat32 || t == ValueFloat64 }

func (t ValueType) IsNumeric() bool { return t.IsInteger() || t.IsFloat() }

// IsPrimitive reports numeric and bool types.
func (t ValueType) IsPrimitive() bool { return t.IsNumeric() || t == ValueBool }

// bitWidth returns the storage width of numeric types.
func (t ValueType) bitWidth() int {
	switch t {
	case ValueInt8, ValueUint8:
		return 8
	case ValueInt16, ValueUint16:
		return 16
	case ValueInt32, ValueUint32, ValueFloat32:
		return 32
	}
	return 64
}

// ---------------------------------------------------------------------------
// Value
// ---------------------------------------------------------------------------

// Value is the tagged runtime representation of every script datum. A
// Value's tag never changes after construction; conversions produce new
// values.
//
// Scalars live in bits: signed integers sign-extended, unsigned integers
// zero-extended, floats as float64 bits, bools as 0/1.
type Value struct {
	kind ValueType
	vm   *VM
	bits uint64

	str *internedString
	obj *objectData
	arr *arrayData
	nat *nativeData
	fn  *Function

	gc gcHeader
}

// Null is the shared null sentinel. It belongs to no VM and is never
// collected.
var Null = &Value{kind: ValueNull}

type internedString struct {
	text string
	hash uint64
	refs int
}

type objectData struct {
	schema  *Schema
	members []*Value
}

type arrayData struct {
	items []*Value
}

// Type returns the value's tag. A nil value reads as null.
func (v *Value) Type() ValueType {
	if v == nil {
		return ValueNull
	}
	return v.kind
}

// VM returns the owning VM, or nil for Null.
func (v *Value) VM() *VM {
	if v == nil {
		return nil
	}
	return v.vm
}

func (v *Value) IsNull() bool     { return v.Type() == ValueNull }
func (v *Value) IsInt8() bool     { return v.Type() == ValueInt8 }
func (v *Value) IsInt16() bool    { return v.Type() == ValueInt16 }
func (v *Value) IsInt32() bool    { return v.Type() == ValueInt32 }
func (v *Value) IsInt64() bool    { return v.Type() == ValueInt64 }
func (v *Value) IsUint8() bool    { return v.Type() == ValueUint8 }
func (v *Value) IsUint16() bool   { return v.Type() == ValueUint16 }
func (v *Value) IsUint32() bool   { return v.Type() == ValueUint32 }
func (v *Value) IsUint64() bool   { return v.Type() == ValueUint64 }
func (v *Value) IsFloat32() bool  { return v.Type() == ValueFloat32 }
func (v *Value) IsFloat64() bool  { return v.Type() == ValueFloat64 }
func (v *Value) IsBool() bool     { return v.Type() == ValueBool }
func (v *Value) IsString() bool   { return v.Type() == ValueString }
func (v *Value) IsObject() bool   { return v.Type() == ValueObject }
func (v *Value) IsArray() bool    { return v.Type() == ValueArray }
func (v *Value) IsNative() bool   { return v.Type() == ValueNative }
func (v *Value) IsFunction() bool { return v.Type() == ValueFunction }

// ---------------------------------------------------------------------------
// Scalar accessors. A mismatched kind yields the zero value.
// ---------------------------------------------------------------------------

func (v *Value) GetInt8() int8 {
	if v.Type() != ValueInt8 {
		return 0
	}
	return int8(v.bits)
}

func (v *Value) GetInt16() int16 {
	if v.Type() != ValueInt16 {
		return 0
	}
	return int16(v.bits)
}

func (v *Value) GetInt32() int32 {
	if v.Type() != ValueInt32 {
		return 0
	}
	return int32(v.bits)
}

func (v *Value) GetInt64() int64 {
	if v.Type() != ValueInt64 {
		return 0
	}
	return int64(v.bits)
}

func (v *Value) GetUint8() uint8 {
	if v.Type() != ValueUint8 {
		return 0
	}
	return uint8(v.bits)
}

func (v *Value) GetUint16() uint16 {
	if v.Type() != ValueUint16 {
		return 0
	}
	return uint16(v.bits)
}

func (v *Value) GetUint32() uint32 {
	if v.Type() != ValueUint32 {
		return 0
	}
	return uint32(v.bits)
}

func (v *Value) GetUint64() uint64 {
	if v.Type() != ValueUint64 {
		return 0
	}
	return v.bits
}

func (v *Value) GetFloat32() float32 {
	if v.Type() != ValueFloat32 {
		return 0
	}
	return float32(math.Float64frombits(v.bits))
}

func (v *Value) GetFloat64() float64 {
	if v.Type() != ValueFloat64 {
		return 0
	}
	return math.Float64frombits(v.bits)
}

func (v *Value) GetBool() bool {
	if v.Type() != ValueBool {
		return false
	}
	return v.bits != 0
}

// GetString returns the string content, or "" for non-strings.
func (v *Value) GetString() string {
	if v.Type() != ValueString {
		return ""
	}
	return v.str.text
}

// Hash returns the cached content hash of a string value, or 0.
func (v *Value) Hash() uint64 {
	if v.Type() != ValueString {
		return 0
	}
	return v.str.hash
}

// GetFunction returns the referenced function of a function value, or nil.
func (v *Value) GetFunction() *Function {
	if v.Type() != ValueFunction {
		return nil
	}
	return v.fn
}

// GetNative returns the opaque payload of a native value, or nil.
func (v *Value) GetNative() any {
	if v.Type() != ValueNative {
		return nil
	}
	return v.nat.payload
}

// Schema returns the schema of an object value, or nil.
func (v *Value) Schema() *Schema {
	if v.Type() != ValueObject {
		return nil
	}
	return v.obj.schema
}

// asInt64 widens any integer value.
func (v *Value) asInt64() (int64, bool) {
	switch {
	case v.Type().IsSigned():
		return int64(v.bits), true
	case v.Type().IsUnsigned():
		return int64(v.bits), true
	}
	return 0, false
}

func (v *Value) asFloat64() float64 {
	return math.Float64frombits(v.bits)
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func (vm *VM) NewInt8(x int8) *Value     { return vm.newScalar(ValueInt8, uint64(int64(x))) }
func (vm *VM) NewInt16(x int16) *Value   { return vm.newScalar(ValueInt16, uint64(int64(x))) }
func (vm *VM) NewInt32(x int32) *Value   { return vm.newScalar(ValueInt32, uint64(int64(x))) }
func (vm *VM) NewInt64(x int64) *Value   { return vm.newScalar(ValueInt64, uint64(x)) }
func (vm *VM) NewUint8(x uint8) *Value   { return vm.newScalar(ValueUint8, uint64(x)) }
func (vm *VM) NewUint16(x uint16) *Value { return vm.newScalar(ValueUint16, uint64(x)) }
func (vm *VM) NewUint32(x uint32) *Value { return vm.newScalar(ValueUint32, uint64(x)) }
func (vm *VM) NewUint64(x uint64) *Value { return vm.newScalar(ValueUint64, x) }

func (vm *VM) NewFloat32(x float32) *Value {
	return vm.newScalar(ValueFloat32, math.Float64bits(float64(x)))
}

func (vm *VM) NewFloat64(x float64) *Value {
	return vm.newScalar(ValueFloat64, math.Float64bits(x))
}

func (vm *VM) NewBool(x bool) *Value {
	var b uint64
	if x {
		b = 1
	}
	return vm.newScalar(ValueBool, b)
}

// NewString creates a string value. Equal contents share one interned
// buffer.
func (vm *VM) NewString(s string) *Value {
	vm.heap.mu.Lock()
	defer vm.heap.mu.Unlock()
	v := vm.stringLocked(s)
	vm.heap.pin(v)
	return v
}

// NewObject creates an object of the named schema with every member set to
// its type's default.
func (vm *VM) NewObject(schemaName string) (*Value, error) {
	schema := vm.FindSchema(schemaName)
	if schema == nil {
		return nil, fmt.Errorf("new object %q: %w", schemaName, ErrKeyDoesNotExist)
	}
	vm.heap.mu.Lock()
	defer vm.heap.mu.Unlock()
	v := vm.objectLocked(schema)
	vm.heap.pin(v)
	return v, nil
}

// NewArray creates an array of count null elements.
func (vm *VM) NewArray(count int) (*Value, error) {
	if count < 0 {
		return nil, fmt.Errorf("new array of %d: %w", count, ErrInvalidArg)
	}
	vm.heap.mu.Lock()
	defer vm.heap.mu.Unlock()
	v := vm.arrayLocked(count)
	vm.heap.pin(v)
	return v, nil
}

// NewFunctionValue creates a first-class reference to fn.
func (vm *VM) NewFunctionValue(fn *Function) (*Value, error) {
	if fn == nil {
		return nil, fmt.Errorf("new function value: %w", ErrInvalidArg)
	}
	v := &Value{kind: ValueFunction, vm: vm, fn: fn}
	vm.heap.mu.Lock()
	vm.heap.pin(v)
	vm.heap.mu.Unlock()
	return v, nil
}

func (vm *VM) newScalar(kind ValueType, bits uint64) *Value {
	v := &Value{kind: kind, vm: vm, bits: bits}
	vm.heap.mu.Lock()
	vm.heap.pin(v)
	vm.heap.mu.Unlock()
	return v
}

// scalar creates an unpinned scalar for the interpreter, which stores it
// into a slot immediately.
func (vm *VM) scalar(kind ValueType, bits uint64) *Value {
	return &Value{kind: kind, vm: vm, bits: bits}
}

func (vm *VM) stringLocked(s string) *Value {
	v := &Value{kind: ValueString, vm: vm, str: vm.internLocked(s)}
	vm.heap.track(v)
	return v
}

func (vm *VM) objectLocked(schema *Schema) *Value {
	members := make([]*Value, len(schema.Members))
	for i, m := range schema.Members {
		members[i] = vm.defaultValueLocked(m.Type)
	}
	v := &Value{kind: ValueObject, vm: vm, obj: &objectData{schema: schema, members: members}}
	vm.heap.track(v)
	return v
}

func (vm *VM) arrayLocked(count int) *Value {
	items := make([]*Value, count)
	for i := range items {
		items[i] = Null
	}
	v := &Value{kind: ValueArray, vm: vm, arr: &arrayData{items: items}}
	vm.heap.track(v)
	return v
}

// defaultValueLocked returns the zero value a typed slot starts with.
func (vm *VM) defaultValueLocked(t ValueType) *Value {
	switch {
	case t.IsPrimitive():
		return vm.scalar(t, 0)
	case t == ValueString:
		return vm.stringLocked("")
	}
	return Null
}

func (vm *VM) internLocked(s string) *internedString {
	if is, ok := vm.strings[s]; ok {
		is.refs++
		return is
	}
	is := &internedString{text: s, hash: hashString(s), refs: 1}
	vm.strings[s] = is
	return is
}

func (vm *VM) releaseStringLocked(is *internedString) {
	is.refs--
	if is.refs <= 0 {
		delete(vm.strings, is.text)
	}
}

// InternedStrings returns the number of distinct string buffers alive.
func (vm *VM) InternedStrings() int {
	vm.heap.mu.RLock()
	defer vm.heap.mu.RUnlock()
	return len(vm.strings)
}

// ---------------------------------------------------------------------------
// Copy
// ---------------------------------------------------------------------------

// Copy duplicates v. Containers are copied shallowly: the new object or
// array shares its member values with the original. Native payloads go
// through the embedder's OnCopy hook. The result is pinned.
func (vm *VM) Copy(v *Value) (*Value, error) {
	if v == nil {
		return nil, fmt.Errorf("copy: %w", ErrInvalidArg)
	}
	if v.kind == ValueNull {
		return Null, nil
	}
	if v.vm != vm {
		return nil, fmt.Errorf("copy: value belongs to another VM: %w", ErrMismatch)
	}

	var payload any
	copied := false
	if v.kind == ValueNative {
		payload = v.nat.payload
		if v.nat.vtable.OnCopy != nil {
			payload = v.nat.vtable.OnCopy(payload)
			copied = true
		}
	}

	vm.heap.mu.Lock()
	defer vm.heap.mu.Unlock()

	dup := &Value{kind: v.kind, vm: vm, bits: v.bits, fn: v.fn}
	switch v.kind {
	case ValueString:
		v.str.refs++
		dup.str = v.str
	case ValueObject:
		dup.obj = &objectData{schema: v.obj.schema, members: append([]*Value(nil), v.obj.members...)}
	case ValueArray:
		dup.arr = &arrayData{items: append([]*Value(nil), v.arr.items...)}
	case ValueNative:
		owner := v.nat.owner
		if copied {
			owner = &nativeOwner{}
		}
		owner.refs++
		dup.nat = &nativeData{payload: payload, vtable: v.nat.vtable, owner: owner}
	}
	if dup.kind.IsHeap() {
		vm.heap.track(dup)
	}
	vm.heap.pin(dup)
	return dup, nil
}

// ---------------------------------------------------------------------------
// Object members
// ---------------------------------------------------------------------------

// MemberCount returns the number of members of an object value.
func (v *Value) MemberCount() int {
	if v.Type() != ValueObject {
		return 0
	}
	return len(v.obj.members)
}

// Member returns the member at index. The result is pinned and must be
// exposed by the caller.
func (v *Value) Member(index int) (*Value, error) {
	if v.Type() != ValueObject {
		return nil, fmt.Errorf("member: %s is not an object: %w", v.Type(), ErrInvalidType)
	}
	h := &v.vm.heap
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(v.obj.members) {
		return nil, fmt.Errorf("member %d of %s: %w", index, v.obj.schema.Name, ErrIndexOutOfRange)
	}
	m := v.obj.members[index]
	h.pin(m)
	return m, nil
}

// MemberByName returns the named member, pinned.
func (v *Value) MemberByName(name string) (*Value, error) {
	if v.Type() != ValueObject {
		return nil, fmt.Errorf("member %q: %s is not an object: %w", name, v.Type(), ErrInvalidType)
	}
	idx, ok := v.obj.schema.MemberIndex(name)
	if !ok {
		return nil, fmt.Errorf("member %q of %s: %w", name, v.obj.schema.Name, ErrKeyDoesNotExist)
	}
	return v.Member(idx)
}

// SetMember stores m into the member slot at index. The stored value must
// match the member's declared type.
func (v *Value) SetMember(index int, m *Value) error {
	if v.Type() != ValueObject {
		return fmt.Errorf("set member: %s is not an object: %w", v.Type(), ErrInvalidType)
	}
	if err := v.vm.checkOwner(m); err != nil {
		return err
	}
	h := &v.vm.heap
	h.mu.Lock()
	defer h.mu.Unlock()
	return v.setMemberLocked(index, m)
}

// SetMemberByName stores m into the named member.
func (v *Value) SetMemberByName(name string, m *Value) error {
	if v.Type() != ValueObject {
		return fmt.Errorf("set member %q: %s is not an object: %w", name, v.Type(), ErrInvalidType)
	}
	idx, ok := v.obj.schema.MemberIndex(name)
	if !ok {
		return fmt.Errorf("set member %q of %s: %w", name, v.obj.schema.Name, ErrKeyDoesNotExist)
	}
	return v.SetMember(idx, m)
}

func (v *Value) setMemberLocked(index int, m *Value) error {
	if index < 0 || index >= len(v.obj.members) {
		return fmt.Errorf("member %d of %s: %w", index, v.obj.schema.Name, ErrIndexOutOfRange)
	}
	want := v.obj.schema.Members[index].Type
	if !slotAccepts(want, m) {
		return fmt.Errorf("member %s.%s is %s, got %s: %w",
			v.obj.schema.Name, v.obj.schema.Members[index].Name, want, m.Type(), ErrMismatch)
	}
	v.vm.heap.store(&v.obj.members[index], m)
	return nil
}

// slotAccepts reports whether a slot declared as want may hold m. Reference
// kinds also accept null.
func slotAccepts(want ValueType, m *Value) bool {
	got := m.Type()
	if got == want {
		return true
	}
	if got == ValueNull {
		switch want {
		case ValueNull, ValueObject, ValueArray, ValueNative, ValueFunction, ValueString:
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Array elements
// ---------------------------------------------------------------------------

// Len returns the element count of an array value, the byte length of a
// string value, and 0 otherwise.
func (v *Value) Len() int {
	switch v.Type() {
	case ValueArray:
		return len(v.arr.items)
	case ValueString:
		return len(v.str.text)
	}
	return 0
}

// Element returns the array element at index, pinned.
func (v *Value) Element(index int) (*Value, error) {
	if v.Type() != ValueArray {
		return nil, fmt.Errorf("element: %s is not an array: %w", v.Type(), ErrInvalidType)
	}
	h := &v.vm.heap
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(v.arr.items) {
		return nil, fmt.Errorf("element %d of %d: %w", index, len(v.arr.items), ErrIndexOutOfRange)
	}
	e := v.arr.items[index]
	h.pin(e)
	return e, nil
}

// SetElement stores e at index.
func (v *Value) SetElement(index int, e *Value) error {
	if v.Type() != ValueArray {
		return fmt.Errorf("set element: %s is not an array: %w", v.Type(), ErrInvalidType)
	}
	if err := v.vm.checkOwner(e); err != nil {
		return err
	}
	h := &v.vm.heap
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(v.arr.items) {
		return fmt.Errorf("element %d of %d: %w", index, len(v.arr.items), ErrIndexOutOfRange)
	}
	h.store(&v.arr.items[index], e)
	return nil
}

// Append grows the array by one element.
func (v *Value) Append(e *Value) error {
	if v.Type() != ValueArray {
		return fmt.Errorf("append: %s is not an array: %w", v.Type(), ErrInvalidType)
	}
	if err := v.vm.checkOwner(e); err != nil {
		return err
	}
	h := &v.vm.heap
	h.mu.Lock()
	defer h.mu.Unlock()
	v.arr.items = append(v.arr.items, nil)
	h.store(&v.arr.items[len(v.arr.items)-1], e)
	return nil
}

// checkOwner rejects nil values and values created by a different VM.
func (vm *VM) checkOwner(v *Value) error {
	if v == nil {
		return fmt.Errorf("nil value: %w", ErrInvalidArg)
	}
	if v.kind != ValueNull && v.vm != vm {
		return fmt.Errorf("value belongs to another VM: %w", ErrMismatch)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

// String renders the value for diagnostics.
func (v *Value) String() string {
	var b strings.Builder
	v.format(&b, 0)
	return b.String()
}

const maxFormatDepth = 8

func (v *Value) format(b *strings.Builder, depth int) {
	if depth > maxFormatDepth {
		b.WriteString("...")
		return
	}
	t := v.Type()
	switch {
	case t == ValueNull:
		b.WriteString("null")
	case t.IsSigned():
		b.WriteString(strconv.FormatInt(int64(v.bits), 10))
	case t.IsUnsigned():
		b.WriteString(strconv.FormatUint(v.bits, 10))
	case t == ValueFloat32:
		b.WriteString(strconv.FormatFloat(v.asFloat64(), 'g', -1, 32))
	case t == ValueFloat64:
		b.WriteString(strconv.FormatFloat(v.asFloat64(), 'g', -1, 64))
	case t == ValueBool:
		b.WriteString(strconv.FormatBool(v.bits != 0))
	case t == ValueString:
		b.WriteString(strconv.Quote(v.str.text))
	case t == ValueObject:
		b.WriteString(v.obj.schema.Name)
		b.WriteByte('{')
		for i, m := range v.obj.members {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(v.obj.schema.Members[i].Name)
			b.WriteString(": ")
			m.format(b, depth+1)
		}
		b.WriteByte('}')
	case t == ValueArray:
		b.WriteByte('[')
		for i, e := range v.arr.items {
			if i > 0 {
				b.WriteString(", ")
			}
			e.format(b, depth+1)
		}
		b.WriteByte(']')
	case t == ValueNative:
		b.WriteString(v.nat.String())
	case t == ValueFunction:
		fmt.Fprintf(b, "function(%s)", v.fn.Signature())
	}
}
