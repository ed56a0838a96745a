package vm

import "fmt"

// Register file sizes.
const (
	// GPRegisterCount is the number of general purpose registers per frame.
	GPRegisterCount = 64
	// IORegisterCount is the number of IO registers per execution. IO
	// registers carry call arguments and return values.
	IORegisterCount = 16
)

// ---------------------------------------------------------------------------
// Frame: one activation of a bytecode function
// ---------------------------------------------------------------------------

// Frame holds the state of one bytecode function activation. Every slot
// is written through the heap barrier.
type Frame struct {
	fn *Function

	pc         int // next instruction
	instrStart int // start of the instruction being executed

	registers [GPRegisterCount]*Value
	stack     []*Value
	locals    map[string]*Value
	limit     int
}

func newFrame(fn *Function, operandLimit int) *Frame {
	f := &Frame{fn: fn, limit: operandLimit}
	for i := range f.registers {
		f.registers[i] = Null
	}
	return f
}

// Function returns the function the frame is executing.
func (f *Frame) Function() *Function { return f.fn }

// PC returns the offset of the instruction being executed.
func (f *Frame) PC() int { return f.instrStart }

// The slot helpers below are called with heap.mu held for writing.

func (f *Frame) register(r uint64) (*Value, error) {
	if r >= GPRegisterCount {
		return nil, fmt.Errorf("register r%d: %w", r, ErrIndexOutOfRange)
	}
	return f.registers[r], nil
}

func (f *Frame) setRegister(h *heap, r uint64, v *Value) error {
	if r >= GPRegisterCount {
		return fmt.Errorf("register r%d: %w", r, ErrIndexOutOfRange)
	}
	h.store(&f.registers[r], v)
	return nil
}

func (f *Frame) push(h *heap, v *Value) error {
	if len(f.stack) >= f.limit {
		return fmt.Errorf("push: %d operands: %w", len(f.stack), ErrStackFull)
	}
	f.stack = append(f.stack, nil)
	h.store(&f.stack[len(f.stack)-1], v)
	return nil
}

func (f *Frame) pop() (*Value, error) {
	n := len(f.stack)
	if n == 0 {
		return nil, fmt.Errorf("pop: %w", ErrStackEmpty)
	}
	v := f.stack[n-1]
	f.stack[n-1] = nil
	f.stack = f.stack[:n-1]
	return v, nil
}

func (f *Frame) local(name string) (*Value, bool) {
	v, ok := f.locals[name]
	return v, ok
}

func (f *Frame) setLocal(h *heap, name string, v *Value) {
	if f.locals == nil {
		f.locals = make(map[string]*Value)
	}
	var slot *Value
	h.store(&slot, v)
	f.locals[name] = slot
}

func (f *Frame) forEachRoot(fn func(*Value)) {
	for _, v := range f.registers {
		fn(v)
	}
	for _, v := range f.stack {
		fn(v)
	}
	for _, v := range f.locals {
		fn(v)
	}
}

// clear drops every reference the frame holds.
func (f *Frame) clear() {
	for i := range f.registers {
		f.registers[i] = Null
	}
	f.stack = nil
	f.locals = nil
}

// FrameInfo describes one frame of a call stack.
type FrameInfo struct {
	Depth     int // 0 is the innermost frame
	Function  *Function
	Signature string
	PC        int
}

func (fi FrameInfo) String() string {
	return fmt.Sprintf("#%d %s @%04d", fi.Depth, fi.Signature, fi.PC)
}
