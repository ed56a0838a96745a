package vm

import "fmt"

// ---------------------------------------------------------------------------
// Script exceptions
// ---------------------------------------------------------------------------

// Severity classifies a raised exception. Fatal exceptions bypass every
// handler and always end the execution.
type Severity int32

const (
	SeverityNormal Severity = iota
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityNormal:
		return "normal"
	case SeverityFatal:
		return "fatal"
	}
	return fmt.Sprintf("severity(%d)", int32(s))
}

// StandardException names one of the exception schemas every VM defines.
type StandardException int

const (
	RuntimeError StandardException = iota
	TypeError
	DivideByZeroError
	IndexError
	standardExceptionCount
)

var standardExceptionNames = [standardExceptionCount]string{
	"RuntimeError", "TypeError", "DivideByZeroError", "IndexError",
}

// String returns the schema name of the exception.
func (k StandardException) String() string {
	if k >= 0 && k < standardExceptionCount {
		return standardExceptionNames[k]
	}
	return fmt.Sprintf("exception(%d)", int(k))
}

// Member layout shared by the standard exception schemas.
const (
	ExceptionMessageMember  = 0
	ExceptionSeverityMember = 1
)

func standardExceptionSchema(name string) *Schema {
	s, err := NewSchema(name,
		SchemaMember{Name: "message", Type: ValueString},
		SchemaMember{Name: "severity", Type: ValueInt32},
	)
	if err != nil {
		panic(err)
	}
	return s
}

// IsStandardException reports whether v is an instance of one of the
// standard exception schemas.
func IsStandardException(v *Value) bool {
	if v.Type() != ValueObject {
		return false
	}
	for _, name := range standardExceptionNames {
		if v.obj.schema.Name == name && v.obj.schema.program != nil && v.obj.schema.program.name == BuiltinsProgram {
			return true
		}
	}
	return false
}

// ExceptionMessage extracts the message of a standard exception value, or
// renders any other raised value.
func ExceptionMessage(v *Value) string {
	if IsStandardException(v) {
		return v.obj.members[ExceptionMessageMember].GetString()
	}
	return v.String()
}

// RaiseException raises v as a script exception. Handlers see the value
// itself; its type selects the handler.
func (e *Execution) RaiseException(v *Value, severity Severity) error {
	if err := e.vm.checkOwner(v); err != nil {
		return fmt.Errorf("raise: %w", err)
	}
	if e.status.Complete || e.status.Abort {
		return fmt.Errorf("raise: execution finished: %w", ErrNoWrite)
	}
	h := &e.vm.heap
	h.mu.Lock()
	h.store(&e.exception, v)
	h.mu.Unlock()
	e.severity = severity
	e.status.Exception = true
	return nil
}

// RaiseStandardException raises a new instance of a standard exception.
func (e *Execution) RaiseStandardException(kind StandardException, severity Severity, message string) error {
	if kind < 0 || kind >= standardExceptionCount {
		return fmt.Errorf("raise: %v: %w", kind, ErrInvalidArg)
	}
	if e.status.Complete || e.status.Abort {
		return fmt.Errorf("raise: execution finished: %w", ErrNoWrite)
	}
	vm := e.vm
	schema := vm.FindSchema(kind.String())
	if schema == nil {
		return fmt.Errorf("raise %s: %w", kind, ErrKeyDoesNotExist)
	}
	h := &vm.heap
	h.mu.Lock()
	exc := vm.objectLocked(schema)
	h.store(&exc.obj.members[ExceptionMessageMember], vm.stringLocked(message))
	h.store(&exc.obj.members[ExceptionSeverityMember], vm.scalar(ValueInt32, uint64(int64(severity))))
	h.store(&e.exception, exc)
	h.mu.Unlock()

	e.severity = severity
	e.status.Exception = true
	vm.report(MessageVerbose, "execution %s raised %s: %s", e.id, kind, message)
	return nil
}

// raise is the interpreter's shorthand; failures to raise are fatal for
// the execution anyway.
func (e *Execution) raise(kind StandardException, severity Severity, format string, args ...any) {
	if err := e.RaiseStandardException(kind, severity, fmt.Sprintf(format, args...)); err != nil {
		e.vm.report(MessageError, "execution %s: %v", e.id, err)
	}
}

// Exception returns the active exception value, pinned, or Null.
func (e *Execution) Exception() *Value {
	h := &e.vm.heap
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.exception == nil {
		return Null
	}
	h.pin(e.exception)
	return e.exception
}

// ExceptionSeverity returns the severity of the active exception.
func (e *Execution) ExceptionSeverity() Severity { return e.severity }

// handleException searches the frames, innermost first, for a handler of
// the pending exception. On a match the inner frames are discarded and
// control moves to the handler with the exception on the operand stack.
// Otherwise the execution completes with the exception set and the frames
// left as they were at the fault.
func (e *Execution) handleException() {
	exc := e.exception
	if e.severity != SeverityFatal {
		for i := len(e.frames) - 1; i >= 0; i-- {
			f := e.frames[i]
			handler, ok := findHandler(f.fn.blocks, uint32(f.instrStart), exc)
			if !ok {
				continue
			}
			h := &e.vm.heap
			h.mu.Lock()
			for _, inner := range e.frames[i+1:] {
				inner.clear()
			}
			e.frames = e.frames[:i+1]
			f.stack = f.stack[:0]
			f.stack = append(f.stack, exc)
			e.exception = Null
			h.mu.Unlock()

			f.pc = int(handler.Offset)
			e.status.Exception = false
			e.severity = SeverityNormal
			return
		}
	}
	e.status.Exception = true
	e.status.Complete = true
	e.status.Running = false
	e.vm.report(MessageInfo, "execution %s: unhandled %s", e.id, ExceptionMessage(exc))
}
