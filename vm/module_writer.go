package vm

import (
	"fmt"
	"os"
)

// ---------------------------------------------------------------------------
// ModuleWriter: serializes a module in the loader's format
// ---------------------------------------------------------------------------

type moduleSchema struct {
	name    uint32
	members []SchemaMember
}

type moduleFunction struct {
	signature uint32
	inputs    int
	outputs   int
	native    bool
	code      []byte
	blocks    []GuardedBlock
}

// ModuleWriter collects the parts of a module and serializes them. It is
// the assembler-level counterpart of LoadProgram: tools and tests build
// modules with it, compilers emit the same layout.
type ModuleWriter struct {
	strings     []string
	stringIndex map[string]uint32

	dependencies []uint32
	globals      []uint32
	schemas      []moduleSchema
	functions    []moduleFunction
	init         []byte
}

// NewModuleWriter creates an empty module.
func NewModuleWriter() *ModuleWriter {
	return &ModuleWriter{stringIndex: make(map[string]uint32)}
}

// Intern adds s to the string table, if needed, and returns its index.
// Bytecode refers to constants, signatures and names by these indices.
func (w *ModuleWriter) Intern(s string) uint32 {
	if idx, ok := w.stringIndex[s]; ok {
		return idx
	}
	idx := uint32(len(w.strings))
	w.strings = append(w.strings, s)
	w.stringIndex[s] = idx
	return idx
}

// AddDependency declares a program this module requires.
func (w *ModuleWriter) AddDependency(name string) {
	w.dependencies = append(w.dependencies, w.Intern(name))
}

// AddGlobal declares a module-level variable.
func (w *ModuleWriter) AddGlobal(name string) {
	w.globals = append(w.globals, w.Intern(name))
}

// AddSchema declares an object type.
func (w *ModuleWriter) AddSchema(name string, members ...SchemaMember) {
	s := moduleSchema{name: w.Intern(name), members: members}
	for _, m := range members {
		w.Intern(m.Name)
	}
	w.schemas = append(w.schemas, s)
}

// AddFunction declares a bytecode function. Handler class names are
// interned on the way.
func (w *ModuleWriter) AddFunction(signature string, inputs, outputs int, code []byte, blocks ...GuardedBlock) {
	for _, b := range blocks {
		for _, h := range b.Handlers {
			if h.Type == ValueObject {
				w.Intern(h.ClassName)
			}
		}
	}
	w.functions = append(w.functions, moduleFunction{
		signature: w.Intern(signature),
		inputs:    inputs,
		outputs:   outputs,
		code:      code,
		blocks:    blocks,
	})
}

// AddNativeFunction declares a function the embedder binds at runtime.
func (w *ModuleWriter) AddNativeFunction(signature string, inputs, outputs int) {
	w.functions = append(w.functions, moduleFunction{
		signature: w.Intern(signature),
		inputs:    inputs,
		outputs:   outputs,
		native:    true,
	})
}

// SetInitBytecode sets the module initializer's code.
func (w *ModuleWriter) SetInitBytecode(code []byte) {
	w.init = code
}

func alignUp(n int) int {
	return (n + ModuleAlignment - 1) &^ (ModuleAlignment - 1)
}

// Serialize encodes the module. Bytecode passed to the writer must already
// use the same byte order.
func (w *ModuleWriter) Serialize(endian Endianness) ([]byte, error) {
	s, err := NewSerializer(SerializerWriter, endian)
	if err != nil {
		return nil, err
	}
	defer s.Dispose()

	var toc [SectionCount]SectionRange
	mark := func(sec Section, start int) {
		toc[sec] = SectionRange{Offset: uint32(start), Length: uint32(s.Position() - start)}
	}

	// header and a placeholder table of contents
	if err := s.WriteBuffer([]byte(ModuleMagic)); err != nil {
		return nil, err
	}
	if err := s.WriteBuffer(make([]byte, moduleReservedSize)); err != nil {
		return nil, err
	}
	if err := s.WriteBool(endian.Resolve() == EndianBig); err != nil {
		return nil, err
	}
	if err := s.WriteBuffer(make([]byte, ModuleTOCSize)); err != nil {
		return nil, err
	}

	start := s.Position()
	for _, str := range w.strings {
		if err := s.WriteCString(str); err != nil {
			return nil, err
		}
	}
	mark(SectionStrings, start)

	start = s.Position()
	for _, idx := range w.dependencies {
		if err := s.WriteUint32(idx); err != nil {
			return nil, err
		}
	}
	mark(SectionDependencies, start)

	start = s.Position()
	for _, idx := range w.globals {
		if err := s.WriteUint32(idx); err != nil {
			return nil, err
		}
	}
	mark(SectionGlobals, start)

	start = s.Position()
	for _, schema := range w.schemas {
		if err := w.writeSchema(s, schema); err != nil {
			return nil, err
		}
	}
	mark(SectionObjects, start)

	// Lay out the general section first so the function table can carry
	// final offsets.
	offsets := make([]int, len(w.functions))
	general := 0
	for i, f := range w.functions {
		if f.native {
			continue
		}
		offsets[i] = general
		general += alignUp(len(f.code))
	}

	start = s.Position()
	for i, f := range w.functions {
		if err := w.writeFunction(s, f, offsets[i]); err != nil {
			return nil, err
		}
	}
	mark(SectionFunctions, start)

	if err := pad(s, alignUp(s.Position())); err != nil {
		return nil, err
	}
	start = s.Position()
	if err := s.WriteBuffer(w.init); err != nil {
		return nil, err
	}
	if err := pad(s, alignUp(s.Position())); err != nil {
		return nil, err
	}
	mark(SectionInitBytecode, start)

	start = s.Position()
	for i, f := range w.functions {
		if f.native {
			continue
		}
		if err := s.WriteBuffer(f.code); err != nil {
			return nil, err
		}
		if err := pad(s, start+offsets[i]+alignUp(len(f.code))); err != nil {
			return nil, err
		}
	}
	mark(SectionBytecode, start)

	end := s.Position()
	if err := s.SetPosition(ModuleHeaderSize); err != nil {
		return nil, err
	}
	for _, r := range toc {
		if r.Length == 0 {
			r.Offset = 0
		}
		if err := s.WriteUint32(r.Offset); err != nil {
			return nil, err
		}
		if err := s.WriteUint32(r.Length); err != nil {
			return nil, err
		}
	}
	if err := s.SetPosition(end); err != nil {
		return nil, err
	}
	return s.SaveToBuffer()
}

// WriteFile serializes the module to path.
func (w *ModuleWriter) WriteFile(path string, endian Endianness) error {
	data, err := w.Serialize(endian)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write module %s: %v: %w", path, err, ErrFailedToOpenFile)
	}
	return nil
}

func (w *ModuleWriter) writeSchema(s *Serializer, schema moduleSchema) error {
	if err := s.WriteUint32(schema.name); err != nil {
		return err
	}
	if err := s.WriteUint32(uint32(len(schema.members))); err != nil {
		return err
	}
	for _, m := range schema.members {
		if err := s.WriteUint32(w.Intern(m.Name)); err != nil {
			return err
		}
		if err := s.WriteUint32(uint32(m.Type)); err != nil {
			return err
		}
	}
	return nil
}

func (w *ModuleWriter) writeFunction(s *Serializer, f moduleFunction, offset int) error {
	if err := s.WriteUint32(f.signature); err != nil {
		return err
	}
	if err := s.WriteUint16(uint16(f.inputs)); err != nil {
		return err
	}
	if err := s.WriteUint16(uint16(f.outputs)); err != nil {
		return err
	}
	if err := s.WriteBool32(f.native); err != nil {
		return err
	}
	if f.native {
		return nil
	}
	for _, v := range []uint32{uint32(offset), uint32(len(f.code)), uint32(len(f.blocks))} {
		if err := s.WriteUint32(v); err != nil {
			return err
		}
	}
	for _, b := range f.blocks {
		for _, v := range []uint32{b.Offset, b.Length, uint32(len(b.Handlers))} {
			if err := s.WriteUint32(v); err != nil {
				return err
			}
		}
		for _, h := range b.Handlers {
			if err := s.WriteUint32(h.Offset); err != nil {
				return err
			}
			if err := s.WriteUint32(uint32(h.Type)); err != nil {
				return err
			}
			if h.Type == ValueObject {
				if err := s.WriteUint32(w.Intern(h.ClassName)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// pad writes zero bytes up to offset.
func pad(s *Serializer, offset int) error {
	if n := offset - s.Position(); n > 0 {
		return s.WriteBuffer(make([]byte, n))
	}
	return nil
}
