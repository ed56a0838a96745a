package dist

import (
	"fmt"
	"sort"

	"github.com/chazu/xenon/vm"
)

// ModuleToChunk creates a Chunk for a serialized module. The module is
// decoded to collect its dependencies and native signatures.
func ModuleToChunk(name string, module []byte) (*Chunk, error) {
	p, err := vm.DecodeModule(name, module)
	if err != nil {
		return nil, fmt.Errorf("dist: chunk %s: %w", name, err)
	}
	var natives []string
	for _, fn := range p.Functions() {
		if fn.IsNative() {
			natives = append(natives, fn.Signature())
		}
	}
	return &Chunk{
		Hash:         HashModule(module),
		Name:         name,
		Module:       module,
		Dependencies: append([]string(nil), p.Dependencies()...),
		Natives:      natives,
	}, nil
}

// BundleFromModules chunks every module and orders the chunks so that each
// one follows its dependencies. Dependencies outside modules (the
// built-ins, or programs the host provides) are left for Verify to judge.
func BundleFromModules(entry string, modules map[string][]byte) (*Bundle, error) {
	if _, ok := modules[entry]; entry != "" && !ok {
		return nil, fmt.Errorf("entry %s: %w", entry, ErrChunkNotFound)
	}
	chunks := make(map[string]*Chunk, len(modules))
	for name, data := range modules {
		c, err := ModuleToChunk(name, data)
		if err != nil {
			return nil, err
		}
		chunks[name] = c
	}

	b := &Bundle{Version: BundleVersion, Entry: entry}
	for _, name := range TransitiveClosure(chunks) {
		b.Chunks = append(b.Chunks, *chunks[name])
	}
	return b, nil
}

// TransitiveClosure orders chunk names dependencies first. Names are
// visited in sorted order so the result is deterministic; a cycle is
// broken at the first chunk revisited.
func TransitiveClosure(chunks map[string]*Chunk) []string {
	names := make([]string, 0, len(chunks))
	for name := range chunks {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]bool, len(chunks))
	var result []string
	var walk func(string)
	walk = func(name string) {
		c, ok := chunks[name]
		if !ok || seen[name] {
			return
		}
		seen[name] = true
		for _, dep := range c.Dependencies {
			walk(dep)
		}
		result = append(result, name)
	}
	for _, name := range names {
		walk(name)
	}
	return result
}

// LoadBundle verifies b against policy and loads its chunks into machine
// in bundle order. A nil policy allows every native. Chunks already loaded
// are skipped. It returns the programs it loaded.
func LoadBundle(machine *vm.VM, b *Bundle, policy *NativePolicy) ([]*vm.Program, error) {
	var provided []string
	for _, p := range machine.Programs() {
		provided = append(provided, p.Name())
	}
	if err := b.Verify(provided...); err != nil {
		return nil, err
	}
	if err := policy.Check(b); err != nil {
		return nil, err
	}
	var loaded []*vm.Program
	for _, c := range b.Chunks {
		if machine.FindProgram(c.Name) != nil {
			continue
		}
		p, err := machine.LoadProgram(c.Name, c.Module)
		if err != nil {
			return loaded, fmt.Errorf("dist: load %s: %w", c.Name, err)
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}
