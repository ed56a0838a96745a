package vm

import (
	"fmt"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Schema: object type layout
// ---------------------------------------------------------------------------

// SchemaMember is one named, typed slot of an object schema.
type SchemaMember struct {
	Name string
	Type ValueType
}

// Schema describes the member layout of an object type.
type Schema struct {
	Name    string
	Members []SchemaMember

	program *Program
	index   map[string]int
}

// NewSchema builds a schema. Member names must be unique.
func NewSchema(name string, members ...SchemaMember) (*Schema, error) {
	if name == "" {
		return nil, fmt.Errorf("schema: empty name: %w", ErrInvalidArg)
	}
	s := &Schema{Name: name, Members: members, index: make(map[string]int, len(members))}
	for i, m := range members {
		if !m.Type.Valid() {
			return nil, fmt.Errorf("schema %s member %s: bad type %d: %w", name, m.Name, m.Type, ErrInvalidType)
		}
		if _, dup := s.index[m.Name]; dup {
			return nil, fmt.Errorf("schema %s member %s: %w", name, m.Name, ErrKeyAlreadyExists)
		}
		s.index[m.Name] = i
	}
	return s, nil
}

// MemberIndex returns the slot index of the named member.
func (s *Schema) MemberIndex(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Program returns the program that declared the schema, or nil for the
// built-in exception schemas.
func (s *Schema) Program() *Program { return s.program }

// ---------------------------------------------------------------------------
// Program: one loaded module
// ---------------------------------------------------------------------------

// Program is a loaded module: its constant pool, schemas, globals and
// functions. The VM owns programs; a program owns its functions.
type Program struct {
	name         string
	endian       Endianness
	strings      []string
	dependencies []string
	globals      []string
	schemas      []*Schema
	functions    []*Function
	init         *Function

	// blob holds the init and general bytecode sections. Function code
	// slices point into it.
	blob  []byte
	alloc Allocator

	// released is set once the program is unloaded or its VM disposed.
	released atomic.Bool
}

// InitSignature is the signature of a program's module initializer.
const InitSignature = "void $init()"

func (p *Program) Name() string { return p.name }

// Endianness returns the byte order the module was serialized in. Bytecode
// operands use the same order.
func (p *Program) Endianness() Endianness { return p.endian }

// Strings returns the program's constant pool.
func (p *Program) Strings() []string { return p.strings }

// Constant returns the constant pool entry at index.
func (p *Program) Constant(index uint32) (string, bool) {
	if p == nil || int(index) >= len(p.strings) {
		return "", false
	}
	return p.strings[index], true
}

func (p *Program) Dependencies() []string { return p.dependencies }

// Globals returns the global names the program declared, including those
// another program had already declared.
func (p *Program) Globals() []string { return p.globals }

func (p *Program) Schemas() []*Schema { return p.schemas }

// Functions returns the program's functions in registration order.
func (p *Program) Functions() []*Function { return p.functions }

// InitFunction returns the module initializer, or nil when the program has
// no init bytecode.
func (p *Program) InitFunction() *Function { return p.init }

// Function returns the program's function with the given signature.
func (p *Program) Function(signature string) *Function {
	for _, f := range p.functions {
		if f.signature == signature {
			return f
		}
	}
	return nil
}

func (p *Program) release() {
	p.released.Store(true)
	if p.blob != nil && p.alloc != nil {
		p.alloc.Free(p.blob)
	}
	p.blob = nil
	for _, f := range p.functions {
		f.code = nil
	}
	if p.init != nil {
		p.init.code = nil
	}
}
