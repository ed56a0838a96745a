package vm

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Signatures
// ---------------------------------------------------------------------------

// Signature is the parsed form of "<ret> <name>(<type>, <type>)".
// Types are either primitive type names, "void", or schema names.
type Signature struct {
	Return string
	Name   string
	Params []string
}

// ParseSignature parses and validates a function signature.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	s = strings.TrimSpace(s)
	sp := strings.IndexByte(s, ' ')
	open := strings.IndexByte(s, '(')
	if sp <= 0 || open < sp || !strings.HasSuffix(s, ")") {
		return sig, fmt.Errorf("signature %q: %w", s, ErrInvalidData)
	}
	sig.Return = s[:sp]
	sig.Name = strings.TrimSpace(s[sp+1 : open])
	if sig.Name == "" || strings.ContainsAny(sig.Name, " ,()") {
		return sig, fmt.Errorf("signature %q: bad name: %w", s, ErrInvalidData)
	}
	params := strings.TrimSpace(s[open+1 : len(s)-1])
	if params == "" {
		return sig, nil
	}
	for _, p := range strings.Split(params, ",") {
		p = strings.TrimSpace(p)
		if p == "" || strings.ContainsAny(p, " ()") {
			return sig, fmt.Errorf("signature %q: bad parameter list: %w", s, ErrInvalidData)
		}
		sig.Params = append(sig.Params, p)
	}
	return sig, nil
}

// String renders the canonical signature text.
func (s Signature) String() string {
	return s.Return + " " + s.Name + "(" + strings.Join(s.Params, ", ") + ")"
}

// ---------------------------------------------------------------------------
// Guarded blocks
// ---------------------------------------------------------------------------

// ExceptionHandler is one catch clause of a guarded block. Offset is the
// handler's entry point relative to the start of the function.
type ExceptionHandler struct {
	Offset    uint32
	Type      ValueType
	ClassName string // only for Type == ValueObject
}

// Matches reports whether the handler catches exc.
func (h ExceptionHandler) Matches(exc *Value) bool {
	switch h.Type {
	case HandlerTypeAny:
		return true
	case ValueObject:
		return exc.Type() == ValueObject && exc.obj.schema.Name == h.ClassName
	}
	return exc.Type() == h.Type
}

// GuardedBlock is a protected bytecode range [Offset, Offset+Length).
type GuardedBlock struct {
	Offset   uint32
	Length   uint32
	Handlers []ExceptionHandler
}

// Contains reports whether pc lies inside the block.
func (b GuardedBlock) Contains(pc uint32) bool {
	return pc >= b.Offset && pc-b.Offset < b.Length
}

// sortGuardedBlocks orders blocks by offset, longer blocks first at the
// same offset, so enclosing blocks precede the blocks they contain.
func sortGuardedBlocks(blocks []GuardedBlock) {
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].Offset != blocks[j].Offset {
			return blocks[i].Offset < blocks[j].Offset
		}
		return blocks[i].Length > blocks[j].Length
	})
}

// findHandler returns the innermost handler covering pc that catches exc.
// Walking the sorted list backwards visits inner blocks before the blocks
// enclosing them.
func findHandler(blocks []GuardedBlock, pc uint32, exc *Value) (ExceptionHandler, bool) {
	for i := len(blocks) - 1; i >= 0; i-- {
		b := &blocks[i]
		if !b.Contains(pc) {
			continue
		}
		for _, h := range b.Handlers {
			if h.Matches(exc) {
				return h, true
			}
		}
	}
	return ExceptionHandler{}, false
}

// ---------------------------------------------------------------------------
// Function
// ---------------------------------------------------------------------------

// NativeFunc implements a native function. It reads its arguments from and
// writes its results to the execution's IO registers, and may raise
// exceptions or yield through exec.
type NativeFunc func(exec *Execution, fn *Function)

// Function is one callable unit owned by a Program: either a bytecode view
// into the program's blob or a native binding.
type Function struct {
	signature  string
	sig        Signature
	numInputs  int
	numOutputs int
	program    *Program
	serial     uint64 // creation order, orders functions sharing a signature

	isNative bool
	native   atomic.Pointer[NativeFunc]

	offset uint32
	length uint32
	code   []byte
	blocks []GuardedBlock
}

// unloaded reports whether the owning program has been unloaded. Values
// may still hold such a function after UnloadProgram.
func (f *Function) unloaded() bool {
	return f.program != nil && f.program.released.Load()
}

func newFunction(signature string, inputs, outputs int) (*Function, error) {
	sig, err := ParseSignature(signature)
	if err != nil {
		return nil, err
	}
	if len(sig.Params) != inputs {
		return nil, fmt.Errorf("signature %q declares %d parameters, function takes %d: %w",
			signature, len(sig.Params), inputs, ErrMismatch)
	}
	if inputs > IORegisterCount || outputs > IORegisterCount {
		return nil, fmt.Errorf("signature %q: too many inputs or outputs: %w", signature, ErrInvalidRange)
	}
	return &Function{
		signature:  signature,
		sig:        sig,
		numInputs:  inputs,
		numOutputs: outputs,
		serial:     functionSerial.Add(1),
	}, nil
}

var functionSerial atomic.Uint64

// Signature returns the full signature string the function is registered
// under.
func (f *Function) Signature() string {
	if f == nil {
		return ""
	}
	return f.signature
}

func (f *Function) Name() string               { return f.sig.Name }
func (f *Function) ParsedSignature() Signature { return f.sig }
func (f *Function) NumInputs() int             { return f.numInputs }
func (f *Function) NumOutputs() int            { return f.numOutputs }
func (f *Function) Program() *Program          { return f.program }
func (f *Function) IsNative() bool             { return f.isNative }

// Native returns the current binding of a native function, or nil when the
// embedder has not bound it yet.
func (f *Function) Native() NativeFunc {
	p := f.native.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (f *Function) bind(fn NativeFunc) {
	if fn == nil {
		f.native.Store(nil)
		return
	}
	f.native.Store(&fn)
}

// Bytecode returns the function's code, without alignment padding.
func (f *Function) Bytecode() []byte { return f.code }

// BytecodeOffset returns the function's offset within its program's
// general bytecode section.
func (f *Function) BytecodeOffset() uint32 { return f.offset }

// GuardedBlocks returns the sorted guarded-block table.
func (f *Function) GuardedBlocks() []GuardedBlock { return f.blocks }

func (f *Function) String() string {
	if f.isNative {
		return "native " + f.signature
	}
	return f.signature
}
