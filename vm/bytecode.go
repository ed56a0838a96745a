package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcodes
// ---------------------------------------------------------------------------

// Opcode is a single bytecode instruction. Operands follow the opcode
// byte in the owning program's byte order.
type Opcode byte

// Control flow
const (
	OpNOP       Opcode = 0x00
	OpABORT     Opcode = 0x01
	OpRETURN    Opcode = 0x02
	OpYIELD     Opcode = 0x03
	OpCALL      Opcode = 0x04 // callee by signature constant
	OpCALLVALUE Opcode = 0x05 // callee from a function value register
	OpRAISE     Opcode = 0x06
)

// Constants
const (
	OpLoadConstNull     Opcode = 0x10
	OpLoadConstBool     Opcode = 0x11
	OpLoadConstI8       Opcode = 0x12
	OpLoadConstI16      Opcode = 0x13
	OpLoadConstI32      Opcode = 0x14
	OpLoadConstI64      Opcode = 0x15
	OpLoadConstU8       Opcode = 0x16
	OpLoadConstU16      Opcode = 0x17
	OpLoadConstU32      Opcode = 0x18
	OpLoadConstU64      Opcode = 0x19
	OpLoadConstF32      Opcode = 0x1A
	OpLoadConstF64      Opcode = 0x1B
	OpLoadConstString   Opcode = 0x1C
	OpLoadConstFunction Opcode = 0x1D
)

// Variables, parameters and the operand stack
const (
	OpLoadGlobal  Opcode = 0x20
	OpStoreGlobal Opcode = 0x21
	OpLoadLocal   Opcode = 0x22
	OpStoreLocal  Opcode = 0x23
	OpLoadParam   Opcode = 0x24
	OpStoreParam  Opcode = 0x25
	OpPush        Opcode = 0x26
	OpPop         Opcode = 0x27
)

// Objects and arrays
const (
	OpInitObject  Opcode = 0x30
	OpInitArray   Opcode = 0x31
	OpLoadObject  Opcode = 0x32
	OpStoreObject Opcode = 0x33
	OpLoadArray   Opcode = 0x34
	OpStoreArray  Opcode = 0x35
)

// Branches
const (
	OpBranch        Opcode = 0x40
	OpBranchIfTrue  Opcode = 0x41
	OpBranchIfFalse Opcode = 0x42
)

// Debugging
const (
	OpDbgDumpReg Opcode = 0x50
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandKind describes how one operand is encoded and what it names.
type OperandKind uint8

const (
	OperandReg     OperandKind = iota // GP register, u32
	OperandIO                         // IO register, u32
	OperandString                     // constant pool index, u32
	OperandCount                      // element count or member index, u32
	OperandImm8                       // 1-byte immediate
	OperandImm16                      // 2-byte immediate
	OperandImm32                      // 4-byte immediate
	OperandImm64                      // 8-byte immediate
	OperandFloat32                    // 4-byte IEEE immediate
	OperandFloat64                    // 8-byte IEEE immediate
	OperandBool                       // 1-byte immediate
	OperandOffset                     // i32 branch offset from the end of the instruction
)

// Size returns the encoded width of the operand.
func (k OperandKind) Size() int {
	switch k {
	case OperandImm8, OperandBool:
		return 1
	case OperandImm16:
		return 2
	case OperandImm64, OperandFloat64:
		return 8
	}
	return 4
}

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string
	Operands []OperandKind
}

// OperandBytes returns the total operand width.
func (i OpcodeInfo) OperandBytes() int {
	n := 0
	for _, k := range i.Operands {
		n += k.Size()
	}
	return n
}

var (
	opsNone        = []OperandKind{}
	opsReg         = []OperandKind{OperandReg}
	opsRegString   = []OperandKind{OperandReg, OperandString}
	opsStringReg   = []OperandKind{OperandString, OperandReg}
	opsTripleReg   = []OperandKind{OperandReg, OperandReg, OperandReg}
	opsRegCountReg = []OperandKind{OperandReg, OperandCount, OperandReg}
)

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:       {"NOP", opsNone},
	OpABORT:     {"ABORT", opsNone},
	OpRETURN:    {"RETURN", opsNone},
	OpYIELD:     {"YIELD", opsNone},
	OpCALL:      {"CALL", []OperandKind{OperandString}},
	OpCALLVALUE: {"CALL_VALUE", opsReg},
	OpRAISE:     {"RAISE", opsReg},

	OpLoadConstNull:     {"LOAD_CONST_NULL", opsReg},
	OpLoadConstBool:     {"LOAD_CONST_BOOL", []OperandKind{OperandReg, OperandBool}},
	OpLoadConstI8:       {"LOAD_CONST_I8", []OperandKind{OperandReg, OperandImm8}},
	OpLoadConstI16:      {"LOAD_CONST_I16", []OperandKind{OperandReg, OperandImm16}},
	OpLoadConstI32:      {"LOAD_CONST_I32", []OperandKind{OperandReg, OperandImm32}},
	OpLoadConstI64:      {"LOAD_CONST_I64", []OperandKind{OperandReg, OperandImm64}},
	OpLoadConstU8:       {"LOAD_CONST_U8", []OperandKind{OperandReg, OperandImm8}},
	OpLoadConstU16:      {"LOAD_CONST_U16", []OperandKind{OperandReg, OperandImm16}},
	OpLoadConstU32:      {"LOAD_CONST_U32", []OperandKind{OperandReg, OperandImm32}},
	OpLoadConstU64:      {"LOAD_CONST_U64", []OperandKind{OperandReg, OperandImm64}},
	OpLoadConstF32:      {"LOAD_CONST_F32", []OperandKind{OperandReg, OperandFloat32}},
	OpLoadConstF64:      {"LOAD_CONST_F64", []OperandKind{OperandReg, OperandFloat64}},
	OpLoadConstString:   {"LOAD_CONST_STRING", opsRegString},
	OpLoadConstFunction: {"LOAD_CONST_FUNCTION", opsRegString},

	OpLoadGlobal:  {"LOAD_GLOBAL", opsRegString},
	OpStoreGlobal: {"STORE_GLOBAL", opsStringReg},
	OpLoadLocal:   {"LOAD_LOCAL", opsRegString},
	OpStoreLocal:  {"STORE_LOCAL", opsStringReg},
	OpLoadParam:   {"LOAD_PARAM", []OperandKind{OperandReg, OperandIO}},
	OpStoreParam:  {"STORE_PARAM", []OperandKind{OperandIO, OperandReg}},
	OpPush:        {"PUSH", opsReg},
	OpPop:         {"POP", opsReg},

	OpInitObject:  {"INIT_OBJECT", opsRegString},
	OpInitArray:   {"INIT_ARRAY", []OperandKind{OperandReg, OperandCount}},
	OpLoadObject:  {"LOAD_OBJECT", []OperandKind{OperandReg, OperandReg, OperandCount}},
	OpStoreObject: {"STORE_OBJECT", opsRegCountReg},
	OpLoadArray:   {"LOAD_ARRAY", opsTripleReg},
	OpStoreArray:  {"STORE_ARRAY", opsTripleReg},

	OpBranch:        {"BRANCH", []OperandKind{OperandOffset}},
	OpBranchIfTrue:  {"BRANCH_IF_TRUE", []OperandKind{OperandReg, OperandOffset}},
	OpBranchIfFalse: {"BRANCH_IF_FALSE", []OperandKind{OperandReg, OperandOffset}},

	OpDbgDumpReg: {"DBG_DUMP_REG", opsReg},
}

// Info returns the metadata for an opcode and whether it is defined.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeTable[op]
	if !ok {
		return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}, false
	}
	return info, true
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	info, _ := op.Info()
	return info.Name
}

func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder assembles bytecode in a given byte order. Module writers
// and tests use it; the compiler front-end lives elsewhere.
type BytecodeBuilder struct {
	bytes []byte
	order binary.ByteOrder
}

// NewBytecodeBuilder creates a builder emitting operands in endian order.
func NewBytecodeBuilder(endian Endianness) *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
		order: endian.byteOrder(),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length, which is also the offset of the next
// instruction.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

func (b *BytecodeBuilder) u8(x uint8) {
	b.bytes = append(b.bytes, x)
}

func (b *BytecodeBuilder) u16(x uint16) {
	var buf [2]byte
	b.order.PutUint16(buf[:], x)
	b.bytes = append(b.bytes, buf[:]...)
}

func (b *BytecodeBuilder) u32(x uint32) {
	var buf [4]byte
	b.order.PutUint32(buf[:], x)
	b.bytes = append(b.bytes, buf[:]...)
}

func (b *BytecodeBuilder) u64(x uint64) {
	var buf [8]byte
	b.order.PutUint64(buf[:], x)
	b.bytes = append(b.bytes, buf[:]...)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.u8(byte(op))
}

// EmitRaw appends a raw byte.
func (b *BytecodeBuilder) EmitRaw(data ...byte) {
	b.bytes = append(b.bytes, data...)
}

// EmitReg appends an instruction with one register operand.
func (b *BytecodeBuilder) EmitReg(op Opcode, reg uint32) {
	b.u8(byte(op))
	b.u32(reg)
}

// EmitCall appends CALL with the signature's constant pool index.
func (b *BytecodeBuilder) EmitCall(sigIndex uint32) {
	b.u8(byte(OpCALL))
	b.u32(sigIndex)
}

// EmitRegIndex appends an instruction whose operands are a destination
// register followed by an index (LOAD_GLOBAL, LOAD_PARAM, INIT_ARRAY...).
func (b *BytecodeBuilder) EmitRegIndex(op Opcode, reg, index uint32) {
	b.u8(byte(op))
	b.u32(reg)
	b.u32(index)
}

// EmitIndexReg appends an instruction whose operands are an index
// followed by a source register (STORE_GLOBAL, STORE_PARAM...).
func (b *BytecodeBuilder) EmitIndexReg(op Opcode, index, reg uint32) {
	b.u8(byte(op))
	b.u32(index)
	b.u32(reg)
}

// EmitTriple appends an instruction with three u32 operands.
func (b *BytecodeBuilder) EmitTriple(op Opcode, x, y, z uint32) {
	b.u8(byte(op))
	b.u32(x)
	b.u32(y)
	b.u32(z)
}

// EmitLoadBool appends LOAD_CONST_BOOL.
func (b *BytecodeBuilder) EmitLoadBool(reg uint32, v bool) {
	b.u8(byte(OpLoadConstBool))
	b.u32(reg)
	if v {
		b.u8(1)
	} else {
		b.u8(0)
	}
}

// EmitLoadInt appends one of the LOAD_CONST_I*/U* opcodes, truncating v to
// the opcode's immediate width.
func (b *BytecodeBuilder) EmitLoadInt(op Opcode, reg uint32, v uint64) {
	info, ok := op.Info()
	if !ok || len(info.Operands) != 2 {
		panic(fmt.Sprintf("EmitLoadInt: %s is not an integer constant load", op))
	}
	b.u8(byte(op))
	b.u32(reg)
	switch info.Operands[1] {
	case OperandImm8:
		b.u8(uint8(v))
	case OperandImm16:
		b.u16(uint16(v))
	case OperandImm32:
		b.u32(uint32(v))
	case OperandImm64:
		b.u64(v)
	default:
		panic(fmt.Sprintf("EmitLoadInt: %s is not an integer constant load", op))
	}
}

// EmitLoadInt32 is the common case of EmitLoadInt.
func (b *BytecodeBuilder) EmitLoadInt32(reg uint32, v int32) {
	b.EmitLoadInt(OpLoadConstI32, reg, uint64(uint32(v)))
}

func (b *BytecodeBuilder) EmitLoadFloat32(reg uint32, v float32) {
	b.u8(byte(OpLoadConstF32))
	b.u32(reg)
	b.u32(math.Float32bits(v))
}

func (b *BytecodeBuilder) EmitLoadFloat64(reg uint32, v float64) {
	b.u8(byte(OpLoadConstF64))
	b.u32(reg)
	b.u64(math.Float64bits(v))
}

// ---------------------------------------------------------------------------
// Label management for branches
// ---------------------------------------------------------------------------

// Label is a branch target that may be placed after the branches using it.
type Label struct {
	resolved bool
	position int   // target offset once resolved
	refs     []int // offsets of unpatched i32 operands
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position and patches the branches
// already emitted against it.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		// the offset operand ends every branch instruction
		b.order.PutUint32(b.bytes[ref:], uint32(int32(label.position-(ref+4))))
	}
	label.refs = nil
}

// Position returns the offset a resolved label points at.
func (l *Label) Position() int {
	return l.position
}

// EmitBranch appends BRANCH to label.
func (b *BytecodeBuilder) EmitBranch(label *Label) {
	b.u8(byte(OpBranch))
	b.branchOperand(label)
}

// EmitBranchIf appends BRANCH_IF_TRUE or BRANCH_IF_FALSE testing reg.
func (b *BytecodeBuilder) EmitBranchIf(op Opcode, reg uint32, label *Label) {
	b.u8(byte(op))
	b.u32(reg)
	b.branchOperand(label)
}

func (b *BytecodeBuilder) branchOperand(label *Label) {
	if label.resolved {
		b.u32(uint32(int32(label.position - (len(b.bytes) + 4))))
		return
	}
	label.refs = append(label.refs, len(b.bytes))
	b.u32(0)
}

// ---------------------------------------------------------------------------
// BytecodeReader: decoding for the interpreter and the disassembler
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction. Args holds the raw operand
// bits in operand order; immediates are zero-extended.
type Instruction struct {
	Op   Opcode
	Pos  int
	Size int
	Args [3]uint64
}

// Offset returns the branch offset operand of a branch instruction.
func (in Instruction) Offset() int32 {
	info, _ := in.Op.Info()
	return int32(uint32(in.Args[len(info.Operands)-1]))
}

// Target returns the absolute target of a branch instruction.
func (in Instruction) Target() int {
	return in.Pos + in.Size + int(in.Offset())
}

// BytecodeReader decodes instructions. It never panics on malformed
// input; truncated operands and unknown opcodes are reported as errors.
type BytecodeReader struct {
	bytes []byte
	pos   int
	order binary.ByteOrder
}

// NewBytecodeReader creates a reader over bc, decoding operands in endian
// order.
func NewBytecodeReader(bc []byte, endian Endianness) *BytecodeReader {
	return &BytecodeReader{bytes: bc, order: endian.byteOrder()}
}

func (r *BytecodeReader) Position() int { return r.pos }
func (r *BytecodeReader) HasMore() bool { return r.pos < len(r.bytes) }

// Seek moves the reader to pos.
func (r *BytecodeReader) Seek(pos int) error {
	if pos < 0 || pos > len(r.bytes) {
		return fmt.Errorf("seek to %d of %d: %w", pos, len(r.bytes), ErrInvalidRange)
	}
	r.pos = pos
	return nil
}

// Next decodes the instruction at the current position and advances past
// it. On error the position is unchanged.
func (r *BytecodeReader) Next() (Instruction, error) {
	in := Instruction{Pos: r.pos}
	if r.pos >= len(r.bytes) {
		return in, fmt.Errorf("read opcode at %d: %w", r.pos, ErrStreamEnd)
	}
	in.Op = Opcode(r.bytes[r.pos])
	info, ok := in.Op.Info()
	if !ok {
		return in, fmt.Errorf("opcode 0x%02X at %d: %w", byte(in.Op), r.pos, ErrInvalidData)
	}
	at := r.pos + 1
	if at+info.OperandBytes() > len(r.bytes) {
		return in, fmt.Errorf("%s at %d: truncated operands: %w", in.Op, r.pos, ErrStreamEnd)
	}
	for i, k := range info.Operands {
		switch k.Size() {
		case 1:
			in.Args[i] = uint64(r.bytes[at])
		case 2:
			in.Args[i] = uint64(r.order.Uint16(r.bytes[at:]))
		case 4:
			in.Args[i] = uint64(r.order.Uint32(r.bytes[at:]))
		case 8:
			in.Args[i] = r.order.Uint64(r.bytes[at:])
		}
		at += k.Size()
	}
	in.Size = at - r.pos
	r.pos = at
	return in, nil
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// FormatInstruction renders one instruction. When p is not nil, constant
// pool operands are shown with their text.
func FormatInstruction(in Instruction, p *Program) string {
	info, _ := in.Op.Info()
	var b strings.Builder
	fmt.Fprintf(&b, "%04d  %s", in.Pos, info.Name)
	for i, k := range info.Operands {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte(' ')
		arg := in.Args[i]
		switch k {
		case OperandReg:
			fmt.Fprintf(&b, "r%d", arg)
		case OperandIO:
			fmt.Fprintf(&b, "io%d", arg)
		case OperandString:
			if s, ok := p.Constant(uint32(arg)); ok {
				fmt.Fprintf(&b, "#%d %q", arg, s)
			} else {
				fmt.Fprintf(&b, "#%d", arg)
			}
		case OperandImm8:
			b.WriteString(formatImmediate(in.Op, arg, 8))
		case OperandImm16:
			b.WriteString(formatImmediate(in.Op, arg, 16))
		case OperandImm32:
			b.WriteString(formatImmediate(in.Op, arg, 32))
		case OperandImm64:
			b.WriteString(formatImmediate(in.Op, arg, 64))
		case OperandFloat32:
			fmt.Fprintf(&b, "%g", math.Float32frombits(uint32(arg)))
		case OperandFloat64:
			fmt.Fprintf(&b, "%g", math.Float64frombits(arg))
		case OperandBool:
			fmt.Fprintf(&b, "%t", arg != 0)
		case OperandOffset:
			fmt.Fprintf(&b, "%+d (-> %04d)", in.Offset(), in.Target())
		default:
			fmt.Fprintf(&b, "%d", arg)
		}
	}
	return b.String()
}

func formatImmediate(op Opcode, raw uint64, width int) string {
	if op >= OpLoadConstI8 && op <= OpLoadConstI64 {
		return fmt.Sprintf("%d", signExtend(raw, width))
	}
	return fmt.Sprintf("%d", raw)
}

func signExtend(raw uint64, width int) int64 {
	shift := 64 - width
	return int64(raw<<shift) >> shift
}

// Disassemble returns a listing of bc. Zero padding decodes as NOP. A
// decoding error ends the listing with an error line.
func Disassemble(bc []byte, endian Endianness, p *Program) string {
	r := NewBytecodeReader(bc, endian)
	var lines []string
	for r.HasMore() {
		in, err := r.Next()
		if err != nil {
			lines = append(lines, fmt.Sprintf("%04d  <%v>", r.Position(), err))
			break
		}
		lines = append(lines, FormatInstruction(in, p))
	}
	return strings.Join(lines, "\n")
}

// DisassembleFunction lists a script function's code.
func DisassembleFunction(fn *Function) string {
	if fn.isNative {
		return "<native>"
	}
	return Disassemble(fn.code, fn.program.endian, fn.program)
}
