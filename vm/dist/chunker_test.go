package dist

import (
	"errors"
	"fmt"
	"testing"

	"github.com/chazu/xenon/vm"
)

func TestModuleToChunk(t *testing.T) {
	module := testModule(t, "lib", []string{"a", "b"}, "int32 host_now()", "void host_sleep(int32)")
	c, err := ModuleToChunk("lib", module)
	if err != nil {
		t.Fatalf("ModuleToChunk: %v", err)
	}
	if c.Hash != HashModule(module) {
		t.Error("Hash is not the module hash")
	}
	if fmt.Sprint(c.Dependencies) != "[a b]" {
		t.Errorf("Dependencies = %v", c.Dependencies)
	}
	if fmt.Sprint(c.Natives) != "[int32 host_now() void host_sleep(int32)]" {
		t.Errorf("Natives = %v", c.Natives)
	}

	if _, err := ModuleToChunk("bad", []byte("not a module")); !errors.Is(err, vm.ErrStreamEnd) && !errors.Is(err, vm.ErrInvalidData) {
		t.Errorf("bad module: err = %v", err)
	}
}

func TestBundleOrdersDependenciesFirst(t *testing.T) {
	b, err := BundleFromModules("app", map[string][]byte{
		"app":  testModule(t, "app", []string{"net", "util"}),
		"net":  testModule(t, "net", []string{"util"}),
		"util": testModule(t, "util", nil),
	})
	if err != nil {
		t.Fatalf("BundleFromModules: %v", err)
	}
	if got := fmt.Sprint(b.Names()); got != "[util net app]" {
		t.Errorf("order = %s, want [util net app]", got)
	}
	if c, ok := b.Lookup("net"); !ok || c.Name != "net" {
		t.Errorf("Lookup(net) = %v, %v", c, ok)
	}
	if _, ok := b.Lookup("nope"); ok {
		t.Error("Lookup(nope) succeeded")
	}
}

func TestTransitiveClosureBreaksCycles(t *testing.T) {
	chunks := map[string]*Chunk{
		"a": {Name: "a", Dependencies: []string{"b"}},
		"b": {Name: "b", Dependencies: []string{"a"}},
		"c": {Name: "c", Dependencies: []string{"a", "outside"}},
	}
	if got := fmt.Sprint(TransitiveClosure(chunks)); got != "[b a c]" {
		t.Errorf("closure = %s, want [b a c]", got)
	}
}

func TestBundleFromModulesErrors(t *testing.T) {
	if _, err := BundleFromModules("app", map[string][]byte{}); !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("missing entry: err = %v", err)
	}
	if _, err := BundleFromModules("", map[string][]byte{"x": {1, 2, 3}}); err == nil {
		t.Error("malformed module accepted")
	}
}

func TestLoadBundle(t *testing.T) {
	machine := vm.NewVM(vm.WithReport(func(vm.MessageType, string) {}))
	defer machine.Dispose()

	b, err := BundleFromModules("app", map[string][]byte{
		"app":  testModule(t, "app", []string{"util"}),
		"util": testModule(t, "util", nil),
	})
	if err != nil {
		t.Fatalf("BundleFromModules: %v", err)
	}
	loaded, err := LoadBundle(machine, b, nil)
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Name() != "util" || loaded[1].Name() != "app" {
		t.Fatalf("loaded = %v", loaded)
	}
	if machine.FindFunction("void app_main()") == nil {
		t.Error("app function not registered")
	}

	again, err := LoadBundle(machine, b, nil)
	if err != nil || len(again) != 0 {
		t.Errorf("second load: %d programs, err = %v", len(again), err)
	}
}

func TestLoadBundleChecksPolicy(t *testing.T) {
	machine := vm.NewVM(vm.WithReport(func(vm.MessageType, string) {}))
	defer machine.Dispose()

	b, err := BundleFromModules("app", map[string][]byte{
		"app": testModule(t, "app", nil, "void host_exec(string)"),
	})
	if err != nil {
		t.Fatalf("BundleFromModules: %v", err)
	}
	policy := NewRestrictedPolicy([]string{"void host_log(string)"})
	if _, err := LoadBundle(machine, b, policy); !errors.Is(err, ErrNativeDenied) {
		t.Fatalf("err = %v, want ErrNativeDenied", err)
	}
	if machine.FindProgram("app") != nil {
		t.Error("rejected bundle was loaded")
	}
}
