package vm

import (
	"fmt"
	"os"
)

// ---------------------------------------------------------------------------
// Module format
// ---------------------------------------------------------------------------

// ModuleMagic opens every compiled module.
const ModuleMagic = "XVMC"

const (
	moduleMagicSize    = 4
	moduleReservedSize = 11
	// ModuleHeaderSize covers the magic, the reserved bytes and the
	// endianness flag.
	ModuleHeaderSize = moduleMagicSize + moduleReservedSize + 1
	// ModuleTOCSize is the table of contents: an (offset, length) pair of
	// uint32 per section.
	ModuleTOCSize = SectionCount * 8
	// ModuleAlignment is the alignment of the init section and of every
	// function in the general bytecode section.
	ModuleAlignment = 64
)

// Section identifies one region of a module file.
type Section int

const (
	SectionStrings Section = iota
	SectionDependencies
	SectionGlobals
	SectionObjects
	SectionFunctions
	SectionInitBytecode
	SectionBytecode
	SectionCount = 7
)

var sectionNames = [SectionCount]string{
	"strings", "dependencies", "globals", "objects", "functions", "init bytecode", "bytecode",
}

func (s Section) String() string {
	if s >= 0 && int(s) < SectionCount {
		return sectionNames[s]
	}
	return fmt.Sprintf("section(%d)", int(s))
}

// SectionRange locates a section relative to the start of the file.
type SectionRange struct {
	Offset uint32
	Length uint32
}

// ModuleHeader is the decoded header and table of contents.
type ModuleHeader struct {
	Endian   Endianness
	Sections [SectionCount]SectionRange
}

// ReadModuleHeader decodes and validates the header and table of contents
// of a serialized module.
func ReadModuleHeader(data []byte) (*ModuleHeader, error) {
	if len(data) < ModuleHeaderSize+ModuleTOCSize {
		return nil, fmt.Errorf("module header: %d bytes: %w", len(data), ErrStreamEnd)
	}
	if string(data[:moduleMagicSize]) != ModuleMagic {
		return nil, fmt.Errorf("module header: bad magic %q: %w", data[:moduleMagicSize], ErrInvalidData)
	}
	h := &ModuleHeader{Endian: EndianLittle}
	switch data[ModuleHeaderSize-1] {
	case 0:
	case 1:
		h.Endian = EndianBig
	default:
		return nil, fmt.Errorf("module header: endianness flag %d: %w", data[ModuleHeaderSize-1], ErrInvalidData)
	}
	order := h.Endian.byteOrder()
	at := ModuleHeaderSize
	for i := range h.Sections {
		r := SectionRange{
			Offset: order.Uint32(data[at:]),
			Length: order.Uint32(data[at+4:]),
		}
		at += 8
		end := uint64(r.Offset) + uint64(r.Length)
		if r.Length > 0 && (r.Offset < ModuleHeaderSize+ModuleTOCSize || end > uint64(len(data))) {
			return nil, fmt.Errorf("module header: %s section [%d, %d) outside file of %d bytes: %w",
				Section(i), r.Offset, end, len(data), ErrInvalidRange)
		}
		h.Sections[i] = r
	}
	return h, nil
}

// ReadModuleDependencies returns the program names a serialized module
// depends on, without loading it.
func ReadModuleDependencies(data []byte) ([]string, error) {
	d, err := newModuleDecoder(data, DefaultAllocator())
	if err != nil {
		return nil, err
	}
	defer d.dispose()
	if err := d.readStrings(); err != nil {
		return nil, err
	}
	return d.readNames(SectionDependencies)
}

// ---------------------------------------------------------------------------
// moduleDecoder: parses a module into an unregistered Program
// ---------------------------------------------------------------------------

type moduleDecoder struct {
	header *ModuleHeader
	s      *Serializer
	alloc  Allocator
	prog   *Program
}

func newModuleDecoder(data []byte, alloc Allocator) (*moduleDecoder, error) {
	h, err := ReadModuleHeader(data)
	if err != nil {
		return nil, err
	}
	s, err := NewReaderFromBytes(data, h.Endian, WithSerializerAllocator(alloc))
	if err != nil {
		return nil, err
	}
	return &moduleDecoder{
		header: h,
		s:      s,
		alloc:  alloc,
		prog:   &Program{endian: h.Endian, alloc: alloc},
	}, nil
}

func (d *moduleDecoder) dispose() {
	d.s.Dispose()
}

// section positions the reader at a section and returns its end offset.
func (d *moduleDecoder) section(sec Section) (int, error) {
	r := d.header.Sections[sec]
	if r.Length == 0 {
		return d.s.Position(), nil
	}
	if err := d.s.SetPosition(int(r.Offset)); err != nil {
		return 0, fmt.Errorf("%s section: %w", sec, err)
	}
	return int(r.Offset + r.Length), nil
}

func (d *moduleDecoder) str(index uint32, what string) (string, error) {
	s, ok := d.prog.Constant(index)
	if !ok {
		return "", fmt.Errorf("%s: string index %d of %d: %w", what, index, len(d.prog.strings), ErrIndexOutOfRange)
	}
	return s, nil
}

func (d *moduleDecoder) readStrings() error {
	end, err := d.section(SectionStrings)
	if err != nil {
		return err
	}
	for d.s.Position() < end {
		str, err := d.s.ReadCString()
		if err != nil {
			return fmt.Errorf("string table: %w", err)
		}
		if d.s.Position() > end {
			return fmt.Errorf("string table: entry crosses section end: %w", ErrInvalidData)
		}
		d.prog.strings = append(d.prog.strings, str)
	}
	return nil
}

// readNames reads a section made of uint32 string indices.
func (d *moduleDecoder) readNames(sec Section) ([]string, error) {
	end, err := d.section(sec)
	if err != nil {
		return nil, err
	}
	if (end-d.s.Position())%4 != 0 {
		return nil, fmt.Errorf("%s section: length not a multiple of 4: %w", sec, ErrInvalidData)
	}
	var names []string
	for d.s.Position() < end {
		idx, err := d.s.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("%s section: %w", sec, err)
		}
		name, err := d.str(idx, sec.String())
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (d *moduleDecoder) readObjects() error {
	end, err := d.section(SectionObjects)
	if err != nil {
		return err
	}
	for d.s.Position() < end {
		nameIdx, err := d.s.ReadUint32()
		if err != nil {
			return fmt.Errorf("object table: %w", err)
		}
		count, err := d.s.ReadUint32()
		if err != nil {
			return fmt.Errorf("object table: %w", err)
		}
		name, err := d.str(nameIdx, "object table")
		if err != nil {
			return err
		}
		if int(count)*8 > end-d.s.Position() {
			return fmt.Errorf("object %s: %d members overrun the table: %w", name, count, ErrStreamEnd)
		}
		members := make([]SchemaMember, count)
		for i := range members {
			memberIdx, err := d.s.ReadUint32()
			if err != nil {
				return fmt.Errorf("object %s: %w", name, err)
			}
			typ, err := d.s.ReadUint32()
			if err != nil {
				return fmt.Errorf("object %s: %w", name, err)
			}
			if members[i].Name, err = d.str(memberIdx, "object "+name); err != nil {
				return err
			}
			members[i].Type = ValueType(typ)
		}
		schema, err := NewSchema(name, members...)
		if err != nil {
			return err
		}
		schema.program = d.prog
		d.prog.schemas = append(d.prog.schemas, schema)
	}
	return nil
}

// readBytecode copies the init and general sections into one allocator
// buffer: init first, general after it.
func (d *moduleDecoder) readBytecode() error {
	initSec := d.header.Sections[SectionInitBytecode]
	genSec := d.header.Sections[SectionBytecode]
	size := int(initSec.Length) + int(genSec.Length)
	if size == 0 {
		return nil
	}
	blob := d.alloc.Alloc(size)
	data := d.s.Bytes()
	if initSec.Length > 0 {
		copy(blob, data[initSec.Offset:initSec.Offset+initSec.Length])
	}
	if genSec.Length > 0 {
		copy(blob[initSec.Length:], data[genSec.Offset:genSec.Offset+genSec.Length])
	}
	d.prog.blob = blob

	if initSec.Length > 0 {
		init, err := newFunction(InitSignature, 0, 0)
		if err != nil {
			return err
		}
		init.program = d.prog
		init.length = initSec.Length
		init.code = blob[:initSec.Length:initSec.Length]
		d.prog.init = init
	}
	return nil
}

func (d *moduleDecoder) readFunctions() error {
	end, err := d.section(SectionFunctions)
	if err != nil {
		return err
	}
	initLen := d.header.Sections[SectionInitBytecode].Length
	general := d.prog.blob
	if general != nil {
		general = general[initLen:]
	}
	for d.s.Position() < end {
		fn, err := d.readFunction(general)
		if err != nil {
			return err
		}
		d.prog.functions = append(d.prog.functions, fn)
	}
	return nil
}

func (d *moduleDecoder) readFunction(general []byte) (*Function, error) {
	sigIdx, err := d.s.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("function table: %w", err)
	}
	inputs, err := d.s.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("function table: %w", err)
	}
	outputs, err := d.s.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("function table: %w", err)
	}
	native, err := d.s.ReadBool32()
	if err != nil {
		return nil, fmt.Errorf("function table: %w", err)
	}
	sig, err := d.str(sigIdx, "function table")
	if err != nil {
		return nil, err
	}
	fn, err := newFunction(sig, int(inputs), int(outputs))
	if err != nil {
		return nil, err
	}
	fn.program = d.prog
	fn.isNative = native
	if native {
		return fn, nil
	}

	if fn.offset, err = d.s.ReadUint32(); err != nil {
		return nil, fmt.Errorf("function %s: %w", sig, err)
	}
	if fn.length, err = d.s.ReadUint32(); err != nil {
		return nil, fmt.Errorf("function %s: %w", sig, err)
	}
	if uint64(fn.offset)+uint64(fn.length) > uint64(len(general)) {
		return nil, fmt.Errorf("function %s: code [%d, %d) outside bytecode section of %d bytes: %w",
			sig, fn.offset, uint64(fn.offset)+uint64(fn.length), len(general), ErrInvalidRange)
	}
	fn.code = general[fn.offset : fn.offset+fn.length : fn.offset+fn.length]

	blockCount, err := d.s.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("function %s: %w", sig, err)
	}
	for n := uint32(0); n < blockCount; n++ {
		block, err := d.readGuardedBlock(fn)
		if err != nil {
			return nil, err
		}
		fn.blocks = append(fn.blocks, block)
	}
	sortGuardedBlocks(fn.blocks)
	return fn, nil
}

func (d *moduleDecoder) readGuardedBlock(fn *Function) (GuardedBlock, error) {
	var b GuardedBlock
	var err error
	if b.Offset, err = d.s.ReadUint32(); err != nil {
		return b, fmt.Errorf("function %s guarded block: %w", fn.signature, err)
	}
	if b.Length, err = d.s.ReadUint32(); err != nil {
		return b, fmt.Errorf("function %s guarded block: %w", fn.signature, err)
	}
	if uint64(b.Offset)+uint64(b.Length) > uint64(fn.length) {
		return b, fmt.Errorf("function %s: guarded block [%d, +%d) exceeds code: %w",
			fn.signature, b.Offset, b.Length, ErrInvalidRange)
	}
	count, err := d.s.ReadUint32()
	if err != nil {
		return b, fmt.Errorf("function %s guarded block: %w", fn.signature, err)
	}
	for n := uint32(0); n < count; n++ {
		var h ExceptionHandler
		if h.Offset, err = d.s.ReadUint32(); err != nil {
			return b, fmt.Errorf("function %s handler: %w", fn.signature, err)
		}
		typ, err := d.s.ReadUint32()
		if err != nil {
			return b, fmt.Errorf("function %s handler: %w", fn.signature, err)
		}
		h.Type = ValueType(typ)
		if !h.Type.Valid() && h.Type != HandlerTypeAny {
			return b, fmt.Errorf("function %s handler: type %d: %w", fn.signature, typ, ErrInvalidType)
		}
		if h.Offset >= fn.length {
			return b, fmt.Errorf("function %s: handler offset %d past code end %d: %w",
				fn.signature, h.Offset, fn.length, ErrInvalidRange)
		}
		if h.Type == ValueObject {
			idx, err := d.s.ReadUint32()
			if err != nil {
				return b, fmt.Errorf("function %s handler: %w", fn.signature, err)
			}
			if h.ClassName, err = d.str(idx, "handler class"); err != nil {
				return b, err
			}
		}
		b.Handlers = append(b.Handlers, h)
	}
	return b, nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LoadProgramFromFile loads the module at path under name.
func (vm *VM) LoadProgramFromFile(name, path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s from %s: %v: %w", name, path, err, ErrFailedToOpenFile)
	}
	return vm.LoadProgram(name, data)
}

// LoadProgram parses a module and registers it as program name. The
// dependency callback is invoked for every declared dependency before the
// program's functions are registered; an error from it aborts the load. A
// failed load leaves no trace in the VM.
func (vm *VM) LoadProgram(name string, data []byte) (*Program, error) {
	if name == "" {
		return nil, fmt.Errorf("load program: empty name: %w", ErrInvalidArg)
	}
	if vm.disposed.Load() {
		return nil, fmt.Errorf("load %s: VM disposed: %w", name, ErrNoWrite)
	}

	vm.mu.Lock()
	if _, ok := vm.programs[name]; ok || vm.loading[name] {
		vm.mu.Unlock()
		return nil, fmt.Errorf("load %s: %w", name, ErrKeyAlreadyExists)
	}
	vm.loading[name] = true
	dependency := vm.dependency
	vm.mu.Unlock()

	defer func() {
		vm.mu.Lock()
		delete(vm.loading, name)
		vm.mu.Unlock()
	}()

	p, err := vm.decodeProgram(name, data)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			p.release()
		}
	}()

	for _, dep := range p.dependencies {
		if dependency == nil {
			if vm.FindProgram(dep) == nil {
				vm.report(MessageWarning, "program %s depends on %s and no dependency callback is set", name, dep)
			}
			continue
		}
		if err := dependency(dep); err != nil {
			return nil, fmt.Errorf("load %s: dependency %s: %w", name, dep, err)
		}
	}

	if err := vm.commitProgram(p); err != nil {
		return nil, err
	}
	ok = true
	vm.report(MessageVerbose, "loaded program %s: %d functions, %d schemas, %d globals",
		name, len(p.functions), len(p.schemas), len(p.globals))
	return p, nil
}

func (vm *VM) decodeProgram(name string, data []byte) (*Program, error) {
	return decodeModule(name, data, vm.alloc)
}

// DecodeModule parses a module into a Program that is not registered with
// any VM. Tools use it to inspect and disassemble modules.
func DecodeModule(name string, data []byte) (*Program, error) {
	return decodeModule(name, data, DefaultAllocator())
}

func decodeModule(name string, data []byte, alloc Allocator) (p *Program, err error) {
	d, err := newModuleDecoder(data, alloc)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	defer d.dispose()
	d.prog.name = name
	defer func() {
		if err != nil {
			d.prog.release()
			err = fmt.Errorf("load %s: %w", name, err)
		}
	}()

	if err := d.readStrings(); err != nil {
		return nil, err
	}
	if d.prog.dependencies, err = d.readNames(SectionDependencies); err != nil {
		return nil, err
	}
	if d.prog.globals, err = d.readNames(SectionGlobals); err != nil {
		return nil, err
	}
	if err := d.readObjects(); err != nil {
		return nil, err
	}
	if err := d.readBytecode(); err != nil {
		return nil, err
	}
	if err := d.readFunctions(); err != nil {
		return nil, err
	}
	return d.prog, nil
}

// commitProgram validates that nothing in p collides with the registries
// and then registers all of it at once.
func (vm *VM) commitProgram(p *Program) error {
	vm.mu.Lock()
	if err := vm.checkCollisionsLocked(p); err != nil {
		vm.mu.Unlock()
		return err
	}

	vm.programs[p.name] = p
	vm.programOrder = append(vm.programOrder, p)
	for _, s := range p.schemas {
		vm.schemas[s.Name] = s
	}
	for _, f := range p.functions {
		vm.functions[f.signature] = f
	}

	var merged []string
	vm.heap.mu.Lock()
	for _, g := range p.globals {
		if !vm.declareGlobalLocked(g, p.name) {
			merged = append(merged, g)
		}
	}
	vm.heap.mu.Unlock()
	vm.mu.Unlock()

	for _, g := range merged {
		vm.report(MessageVerbose, "program %s redeclares global %s", p.name, g)
	}
	return nil
}

func (vm *VM) checkCollisionsLocked(p *Program) error {
	if _, ok := vm.programs[p.name]; ok {
		return fmt.Errorf("load %s: %w", p.name, ErrKeyAlreadyExists)
	}
	seen := make(map[string]bool, len(p.functions))
	for _, f := range p.functions {
		if _, ok := vm.functions[f.signature]; ok || seen[f.signature] {
			return fmt.Errorf("load %s: function %q: %w", p.name, f.signature, ErrKeyAlreadyExists)
		}
		seen[f.signature] = true
	}
	seen = make(map[string]bool, len(p.schemas))
	for _, s := range p.schemas {
		if _, ok := vm.schemas[s.Name]; ok || seen[s.Name] {
			return fmt.Errorf("load %s: schema %q: %w", p.name, s.Name, ErrKeyAlreadyExists)
		}
		seen[s.Name] = true
	}
	return nil
}
