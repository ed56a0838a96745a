package vm

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Module format tests
// ---------------------------------------------------------------------------

func TestModuleRoundTrip(t *testing.T) {
	for _, endian := range []Endianness{EndianLittle, EndianBig} {
		t.Run(endian.String(), func(t *testing.T) {
			m := newTestModule()
			m.endian = endian
			m.Intern("unused constant")
			m.AddGlobal("counter")
			b := m.code()
			b.EmitLoadInt32(0, 41)
			b.EmitIndexReg(OpStoreGlobal, m.Intern("counter"), 0)
			b.Emit(OpRETURN)
			code := b.Bytes()
			m.AddFunction("int32 answer(int32, bool)", 2, 1, code)

			initCode := m.code()
			initCode.Emit(OpNOP)
			initCode.Emit(OpRETURN)
			m.SetInitBytecode(initCode.Bytes())

			data := m.serialize(t)
			h, err := ReadModuleHeader(data)
			if err != nil {
				t.Fatalf("ReadModuleHeader: %v", err)
			}
			if h.Endian != endian {
				t.Errorf("header endian = %s", h.Endian)
			}
			for _, sec := range []Section{SectionInitBytecode, SectionBytecode} {
				r := h.Sections[sec]
				if r.Offset%ModuleAlignment != 0 || r.Length%ModuleAlignment != 0 {
					t.Errorf("%s section [%d, +%d) not aligned to %d", sec, r.Offset, r.Length, ModuleAlignment)
				}
			}

			vm := newTestVM(t)
			p, err := vm.LoadProgram("answer", data)
			if err != nil {
				t.Fatalf("LoadProgram: %v", err)
			}
			if p.Endianness() != endian {
				t.Errorf("program endian = %s", p.Endianness())
			}
			if len(p.Functions()) != 1 {
				t.Fatalf("functions = %d, want 1", len(p.Functions()))
			}
			fn := p.Functions()[0]
			if fn.Signature() != "int32 answer(int32, bool)" {
				t.Errorf("signature = %q", fn.Signature())
			}
			if fn.NumInputs() != 2 || fn.NumOutputs() != 1 {
				t.Errorf("inputs/outputs = %d/%d", fn.NumInputs(), fn.NumOutputs())
			}
			if !bytes.Equal(fn.Bytecode(), code) {
				t.Errorf("bytecode = %x, want %x", fn.Bytecode(), code)
			}
			if fn.BytecodeOffset()%ModuleAlignment != 0 {
				t.Errorf("function offset %d not aligned", fn.BytecodeOffset())
			}
			// the init section is stored padded to the module alignment and
			// the padding decodes as NOP
			if initFn := p.InitFunction(); initFn == nil {
				t.Errorf("init function not restored")
			} else {
				got, want := initFn.Bytecode(), initCode.Bytes()
				if len(got) != alignUp(len(want)) || !bytes.Equal(got[:len(want)], want) {
					t.Errorf("init bytecode = %x, want %x padded to %d", got, want, ModuleAlignment)
				}
				for _, c := range got[len(want):] {
					if Opcode(c) != OpNOP {
						t.Errorf("init padding byte %#x", c)
						break
					}
				}
			}
			if owner, ok := vm.GlobalOwner("counter"); !ok || owner != "answer" {
				t.Errorf("GlobalOwner(counter) = %q, %t", owner, ok)
			}
			if c, ok := p.Constant(0); !ok || c != "unused constant" {
				t.Errorf("Constant(0) = %q", c)
			}
		})
	}
}

func TestBigEndianModuleExecutes(t *testing.T) {
	m := newTestModule()
	m.endian = EndianBig
	b := m.code()
	b.EmitLoadInt(OpLoadConstI64, 0, uint64(0x0102030405060708))
	b.EmitIndexReg(OpStoreParam, 0, 0)
	b.Emit(OpRETURN)
	m.AddFunction("int64 big()", 0, 1, b.Bytes())

	vm := newTestVM(t)
	m.load(t, vm, "big")
	exec := run(t, vm, "int64 big()")
	if got := result(t, exec, 0).GetInt64(); got != 0x0102030405060708 {
		t.Errorf("result = %#x", got)
	}
}

func TestModuleMultipleFunctionsAligned(t *testing.T) {
	m := newTestModule()
	for i := 0; i < 3; i++ {
		b := m.code()
		for j := 0; j <= i*40; j++ {
			b.Emit(OpNOP)
		}
		b.Emit(OpRETURN)
		m.AddFunction(fmt.Sprintf("void f%d()", i), 0, 0, b.Bytes())
	}
	m.AddNativeFunction("void host()", 0, 0)

	vm := newTestVM(t)
	p := m.load(t, vm, "many")
	for _, fn := range p.Functions() {
		if fn.IsNative() {
			if fn.Bytecode() != nil {
				t.Errorf("native %s has bytecode", fn.Signature())
			}
			continue
		}
		if fn.BytecodeOffset()%ModuleAlignment != 0 {
			t.Errorf("%s at offset %d", fn.Signature(), fn.BytecodeOffset())
		}
	}
}

func TestModuleHeaderErrors(t *testing.T) {
	valid := newTestModule()
	valid.AddGlobal("g")
	data := valid.serialize(t)

	if _, err := ReadModuleHeader(data[:10]); !errors.Is(err, ErrStreamEnd) {
		t.Errorf("short header: err = %v, want ErrStreamEnd", err)
	}

	bad := append([]byte(nil), data...)
	copy(bad, "NOPE")
	if _, err := ReadModuleHeader(bad); !errors.Is(err, ErrInvalidData) {
		t.Errorf("bad magic: err = %v, want ErrInvalidData", err)
	}

	bad = append([]byte(nil), data...)
	bad[ModuleHeaderSize-1] = 7
	if _, err := ReadModuleHeader(bad); !errors.Is(err, ErrInvalidData) {
		t.Errorf("bad endianness flag: err = %v, want ErrInvalidData", err)
	}

	// globals section pointing past the end of the file
	bad = append([]byte(nil), data...)
	at := ModuleHeaderSize + int(SectionGlobals)*8
	EndianLittle.byteOrder().PutUint32(bad[at:], uint32(len(bad)))
	if _, err := ReadModuleHeader(bad); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("section out of range: err = %v, want ErrInvalidRange", err)
	}

	vm := newTestVM(t)
	if _, err := vm.LoadProgram("bad", bad); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("LoadProgram: err = %v", err)
	}
	if vm.FindProgram("bad") != nil {
		t.Errorf("failed load registered a program")
	}
}

func TestModuleBadStringIndex(t *testing.T) {
	m := newTestModule()
	m.AddGlobal("g")
	data := m.serialize(t)
	h, _ := ReadModuleHeader(data)
	EndianLittle.byteOrder().PutUint32(data[h.Sections[SectionGlobals].Offset:], 99)

	vm := newTestVM(t)
	if _, err := vm.LoadProgram("bad", data); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("err = %v, want ErrIndexOutOfRange", err)
	}
}

// ---------------------------------------------------------------------------
// Registration tests
// ---------------------------------------------------------------------------

func TestLoadRejectsCollisions(t *testing.T) {
	alloc := NewTrackingAllocator(nil)
	vm := newTestVM(t, WithAllocator(alloc))

	first := newTestModule()
	b := first.code()
	b.Emit(OpRETURN)
	first.AddFunction("void shared()", 0, 0, b.Bytes())
	first.AddSchema("Pair", SchemaMember{Name: "a", Type: ValueInt32})
	first.load(t, vm, "first")
	live := alloc.Live()

	if _, err := vm.LoadProgram("first", first.serialize(t)); !errors.Is(err, ErrKeyAlreadyExists) {
		t.Errorf("same name: err = %v, want ErrKeyAlreadyExists", err)
	}

	dupFn := newTestModule()
	dupFn.AddGlobal("fresh")
	dupFn.AddFunction("void shared()", 0, 0, b.Bytes())
	if _, err := vm.LoadProgram("second", dupFn.serialize(t)); !errors.Is(err, ErrKeyAlreadyExists) {
		t.Errorf("duplicate signature: err = %v, want ErrKeyAlreadyExists", err)
	}

	dupSchema := newTestModule()
	dupSchema.AddSchema("Pair")
	if _, err := vm.LoadProgram("third", dupSchema.serialize(t)); !errors.Is(err, ErrKeyAlreadyExists) {
		t.Errorf("duplicate schema: err = %v, want ErrKeyAlreadyExists", err)
	}

	// the failed loads left nothing behind
	if vm.FindProgram("second") != nil || vm.FindProgram("third") != nil {
		t.Errorf("failed load registered a program")
	}
	if _, err := vm.GetGlobal("fresh"); !errors.Is(err, ErrKeyDoesNotExist) {
		t.Errorf("global of a failed load was declared: err = %v", err)
	}
	if alloc.Live() != live {
		t.Errorf("allocator Live = %d after failed loads, want %d", alloc.Live(), live)
	}

	if _, err := vm.LoadProgram("", first.serialize(t)); !errors.Is(err, ErrInvalidArg) {
		t.Errorf("empty name: err = %v", err)
	}
}

func TestGlobalsFirstWriterWins(t *testing.T) {
	log := &reportLog{}
	vm := newTestVM(t, WithReport(log.report))

	a := newTestModule()
	a.AddGlobal("config")
	a.load(t, vm, "a")
	b := newTestModule()
	b.AddGlobal("config")
	b.load(t, vm, "b")

	if owner, _ := vm.GlobalOwner("config"); owner != "a" {
		t.Errorf("owner = %q, want a", owner)
	}
	found := false
	for i, msg := range log.all() {
		if log.kinds[i] == MessageVerbose && msg == "program b redeclares global config" {
			found = true
		}
	}
	if !found {
		t.Errorf("redeclaration not reported: %v", log.all())
	}
}

// ---------------------------------------------------------------------------
// Dependency tests
// ---------------------------------------------------------------------------

func TestDependencyCallback(t *testing.T) {
	vm := newTestVM(t)

	base := newTestModule()
	bb := base.code()
	bb.EmitLoadInt32(0, 7)
	bb.EmitIndexReg(OpStoreParam, 0, 0)
	bb.Emit(OpRETURN)
	base.AddFunction("int32 seven()", 0, 1, bb.Bytes())
	baseData := base.serialize(t)

	app := newTestModule()
	app.AddDependency("base")
	ab := app.code()
	app.call(ab, "int32 seven()", 1)
	ab.EmitIndexReg(OpStoreParam, 0, 1)
	ab.Emit(OpRETURN)
	app.AddFunction("int32 main()", 0, 1, ab.Bytes())
	appData := app.serialize(t)

	deps, err := ReadModuleDependencies(appData)
	if err != nil || len(deps) != 1 || deps[0] != "base" {
		t.Fatalf("ReadModuleDependencies = %v, %v", deps, err)
	}

	var requested []string
	vm.SetDependencyCallback(func(name string) error {
		requested = append(requested, name)
		_, err := vm.LoadProgram(name, baseData)
		return err
	})
	if _, err := vm.LoadProgram("app", appData); err != nil {
		t.Fatalf("LoadProgram(app): %v", err)
	}
	if len(requested) != 1 || requested[0] != "base" {
		t.Errorf("requested = %v", requested)
	}

	exec := run(t, vm, "int32 main()")
	if got := result(t, exec, 0).GetInt32(); got != 7 {
		t.Errorf("main() = %d, want 7", got)
	}

	names := []string{}
	for _, p := range vm.Programs() {
		names = append(names, p.Name())
	}
	if fmt.Sprint(names) != "[$builtins base app]" {
		t.Errorf("load order = %v", names)
	}
}

func TestDependencyCallbackError(t *testing.T) {
	errMissing := errors.New("not on the search path")
	vm := newTestVM(t, WithDependencyResolver(func(string) error { return errMissing }))

	m := newTestModule()
	m.AddDependency("nowhere")
	m.AddGlobal("unseen")
	_, err := vm.LoadProgram("app", m.serialize(t))
	if !errors.Is(err, errMissing) {
		t.Fatalf("err = %v, want the callback's error", err)
	}
	if vm.FindProgram("app") != nil {
		t.Errorf("program registered after dependency failure")
	}
	if _, err := vm.GetGlobal("unseen"); err == nil {
		t.Errorf("global declared after dependency failure")
	}
}

func TestCyclicDependencies(t *testing.T) {
	vm := newTestVM(t)
	modules := map[string][]byte{}
	for name, dep := range map[string]string{"ping": "pong", "pong": "ping"} {
		m := newTestModule()
		m.AddDependency(dep)
		m.AddGlobal(name)
		modules[name] = m.serialize(t)
	}

	vm.SetDependencyCallback(func(name string) error {
		if vm.FindProgram(name) != nil {
			return nil
		}
		_, err := vm.LoadProgram(name, modules[name])
		if errors.Is(err, ErrKeyAlreadyExists) {
			// already being loaded further up the chain
			return nil
		}
		return err
	})
	if _, err := vm.LoadProgram("ping", modules["ping"]); err != nil {
		t.Fatalf("LoadProgram(ping): %v", err)
	}
	if vm.FindProgram("ping") == nil || vm.FindProgram("pong") == nil {
		t.Errorf("cycle not fully loaded: %v", vm.Programs())
	}
}

// ---------------------------------------------------------------------------
// Unload and binding tests
// ---------------------------------------------------------------------------

func TestUnloadProgram(t *testing.T) {
	vm := newTestVM(t)
	m := newTestModule()
	b := m.code()
	b.Emit(OpYIELD)
	b.Emit(OpRETURN)
	m.AddFunction("void pause()", 0, 0, b.Bytes())
	m.AddSchema("Box", SchemaMember{Name: "v", Type: ValueInt32})
	m.load(t, vm, "pause")

	if err := vm.UnloadProgram(BuiltinsProgram); !errors.Is(err, ErrNoWrite) {
		t.Errorf("unload builtins: err = %v, want ErrNoWrite", err)
	}
	if err := vm.UnloadProgram("nope"); !errors.Is(err, ErrKeyDoesNotExist) {
		t.Errorf("unload missing: err = %v", err)
	}

	exec := start(t, vm, "void pause()")
	if err := exec.Run(RunContinuous); err != nil {
		t.Fatalf("Run: %v", err)
	}
	expectStatus(t, exec, ExecutionStatus{Running: true, Yielded: true})
	if err := vm.UnloadProgram("pause"); !errors.Is(err, ErrNoWrite) {
		t.Errorf("unload while executing: err = %v, want ErrNoWrite", err)
	}
	if err := exec.Run(RunContinuous); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if err := vm.UnloadProgram("pause"); err != nil {
		t.Fatalf("UnloadProgram: %v", err)
	}
	if vm.FindFunction("void pause()") != nil || vm.FindSchema("Box") != nil {
		t.Errorf("unload left registrations behind")
	}
	// the name is free again
	m.load(t, vm, "pause")
}

// A function value can outlive the program that defined it. Calling it
// afterwards must fail instead of running released code.
func TestUnloadedFunctionValue(t *testing.T) {
	vm := newTestVM(t)
	lib := newTestModule()
	b := lib.code()
	b.EmitLoadInt32(0, 7)
	b.EmitIndexReg(OpStoreParam, 0, 0)
	b.Emit(OpRETURN)
	lib.AddFunction("int32 seven()", 0, 1, b.Bytes())
	lib.load(t, vm, "liba")

	app := newTestModule()
	app.AddGlobal("callback")
	b = app.code()
	b.EmitRegIndex(OpLoadGlobal, 0, app.Intern("callback"))
	b.EmitReg(OpCALLVALUE, 0)
	b.EmitRegIndex(OpLoadParam, 1, 0)
	b.EmitIndexReg(OpStoreParam, 0, 1)
	b.Emit(OpRETURN)
	app.AddFunction("int32 invoke()", 0, 1, b.Bytes())
	app.load(t, vm, "app")

	seven := vm.FindFunction("int32 seven()")
	fv, err := vm.NewFunctionValue(seven)
	if err != nil {
		t.Fatalf("NewFunctionValue: %v", err)
	}
	if err := vm.SetGlobal("callback", fv); err != nil {
		t.Fatalf("SetGlobal: %v", err)
	}
	vm.GcExpose(fv)

	exec := run(t, vm, "int32 invoke()")
	if got := result(t, exec, 0).GetInt32(); got != 7 {
		t.Fatalf("before unload: result = %d, want 7", got)
	}

	if err := vm.UnloadProgram("liba"); err != nil {
		t.Fatalf("UnloadProgram: %v", err)
	}

	exec = run(t, vm, "int32 invoke()")
	expectStatus(t, exec, ExecutionStatus{Complete: true, Exception: true})
	exc := exec.Exception()
	defer vm.GcExpose(exc)
	if msg := ExceptionMessage(exc); !strings.Contains(msg, "unloaded program liba") {
		t.Errorf("exception = %q", msg)
	}
	if exec.ExceptionSeverity() != SeverityNormal {
		t.Errorf("severity = %s, want normal", exec.ExceptionSeverity())
	}

	if _, err := vm.NewExecution(seven); !errors.Is(err, ErrScriptNoFunction) {
		t.Errorf("NewExecution of unloaded function: err = %v, want ErrScriptNoFunction", err)
	}
}

func TestSetNativeBinding(t *testing.T) {
	vm := newTestVM(t)
	m := newTestModule()
	b := m.code()
	b.Emit(OpRETURN)
	m.AddFunction("void script()", 0, 0, b.Bytes())
	m.AddNativeFunction("void host()", 0, 0)
	m.load(t, vm, "bind")

	if err := vm.SetNativeBinding("void host()", func(*Execution, *Function) {}); err != nil {
		t.Errorf("bind: %v", err)
	}
	if vm.FindFunction("void host()").Native() == nil {
		t.Errorf("binding not installed")
	}
	if err := vm.SetNativeBinding("void script()", func(*Execution, *Function) {}); !errors.Is(err, ErrInvalidType) {
		t.Errorf("bind bytecode function: err = %v, want ErrInvalidType", err)
	}
	if err := vm.SetNativeBinding("void ghost()", nil); !errors.Is(err, ErrScriptNoFunction) {
		t.Errorf("bind missing: err = %v, want ErrScriptNoFunction", err)
	}
	if err := vm.SetNativeBinding("void host()", nil); err != nil {
		t.Errorf("unbind: %v", err)
	}
}

func TestLoadProgramFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.xc")
	m := newTestModule()
	m.AddGlobal("fromfile")
	if err := m.WriteFile(path, EndianLittle); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	vm := newTestVM(t)
	if _, err := vm.LoadProgramFromFile("file", path); err != nil {
		t.Fatalf("LoadProgramFromFile: %v", err)
	}
	if _, err := vm.LoadProgramFromFile("missing", filepath.Join(dir, "none.xc")); !errors.Is(err, ErrFailedToOpenFile) {
		t.Errorf("missing file: err = %v, want ErrFailedToOpenFile", err)
	}
	if err := m.WriteFile(filepath.Join(dir, "no", "such", "dir.xc"), EndianLittle); !errors.Is(err, ErrFailedToOpenFile) {
		t.Errorf("unwritable path: err = %v", err)
	}
}
