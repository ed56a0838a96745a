package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chazu/xenon/store"
	"github.com/chazu/xenon/vm"
	"github.com/chazu/xenon/vm/dist"
	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"
)

// ErrModuleNotFound is returned when no source has the requested module.
var ErrModuleNotFound = errors.New("module not found")

// Resolver locates modules by program name and loads them into a VM. It
// searches, in order: [dependencies] entries, the module dirs, the bundle
// and the module store.
type Resolver struct {
	manifest *Manifest
	bundle   *dist.Bundle
	store    *store.Store
	ownStore bool
	log      commonlog.Logger

	mu       sync.Mutex
	machine  *vm.VM
	depPaths map[string]string
	loading  map[string]bool
	loaded   []string
}

// NewResolver creates a resolver for a manifest. Call Open to attach the
// bundle and store the manifest configures.
func NewResolver(m *Manifest) *Resolver {
	return &Resolver{
		manifest: m,
		log:      commonlog.GetLogger("xenon.manifest"),
		depPaths: make(map[string]string),
		loading:  make(map[string]bool),
	}
}

// Open reads the configured bundle and opens the configured store. Every
// failure is reported; sources that opened stay usable.
func (r *Resolver) Open() error {
	var result *multierror.Error
	if path := r.manifest.BundlePath(); path != "" {
		if err := r.openBundle(path); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if path := r.manifest.StorePath(); path != "" {
		s, err := store.Open(path)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("store %s: %w", path, err))
		} else {
			r.store = s
			r.ownStore = true
		}
	}
	return result.ErrorOrNil()
}

func (r *Resolver) openBundle(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("bundle %s: %w", path, err)
	}
	b, err := dist.UnmarshalBundle(data)
	if err != nil {
		return fmt.Errorf("bundle %s: %w", path, err)
	}
	for i := range b.Chunks {
		if err := dist.VerifyChunk(&b.Chunks[i]); err != nil {
			return fmt.Errorf("bundle %s: %w", path, err)
		}
	}
	if err := r.manifest.NativePolicy().Check(b); err != nil {
		return fmt.Errorf("bundle %s: %w", path, err)
	}
	r.bundle = b
	return nil
}

// SetBundle makes b a module source.
func (r *Resolver) SetBundle(b *dist.Bundle) { r.bundle = b }

// Bundle returns the bundle source, if any.
func (r *Resolver) Bundle() *dist.Bundle { return r.bundle }

// SetStore makes s a module source. The caller keeps ownership of s.
func (r *Resolver) SetStore(s *store.Store) {
	r.store = s
	r.ownStore = false
}

// Close releases a store opened by Open.
func (r *Resolver) Close() error {
	if r.ownStore && r.store != nil {
		err := r.store.Close()
		r.store = nil
		return err
	}
	return nil
}

// Locate returns the bytes of the named module and a description of where
// they came from.
func (r *Resolver) Locate(name string) ([]byte, string, error) {
	if err := ValidateProgramName(name); err != nil {
		return nil, "", fmt.Errorf("locate: %w", err)
	}
	var misses *multierror.Error

	if dep, ok := r.manifest.Dependencies[name]; ok {
		path, err := r.dependencyPath(name, dep)
		if err != nil {
			return nil, "", fmt.Errorf("dependency %s: %w", name, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("dependency %s: %w", name, err)
		}
		return data, path, nil
	}

	for _, dir := range r.manifest.ModuleDirPaths() {
		path := filepath.Join(dir, ModuleFileName(name))
		data, err := os.ReadFile(path)
		if err == nil {
			return data, path, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("module %s: %w", name, err)
		}
		misses = multierror.Append(misses, fmt.Errorf("not in %s", dir))
	}

	if r.bundle != nil {
		if c, ok := r.bundle.Lookup(name); ok {
			return c.Module, "bundle", nil
		}
		misses = multierror.Append(misses, fmt.Errorf("not in bundle"))
	}

	if r.store != nil {
		data, err := r.store.Get(name)
		if err == nil {
			return data, "store " + r.store.Path(), nil
		}
		if !errors.Is(err, store.ErrModuleNotFound) {
			return nil, "", err
		}
		misses = multierror.Append(misses, fmt.Errorf("not in store"))
	}

	notFound := fmt.Errorf("%s: %w", name, ErrModuleNotFound)
	if misses == nil {
		return nil, "", notFound
	}
	return nil, "", multierror.Append(notFound, misses.Errors...)
}

// dependencyPath resolves a [dependencies] entry to a module file,
// cloning git dependencies on first use.
func (r *Resolver) dependencyPath(name string, dep Dependency) (string, error) {
	r.mu.Lock()
	if p, ok := r.depPaths[name]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	file := dep.Module
	if file == "" {
		file = ModuleFileName(name)
	}

	var path string
	switch {
	case dep.Path != "":
		local, err := filepath.Abs(r.manifest.path(dep.Path))
		if err != nil {
			return "", fmt.Errorf("invalid path %q: %w", dep.Path, err)
		}
		info, err := os.Stat(local)
		if err != nil {
			return "", fmt.Errorf("local dependency %q not found at %s: %w", name, local, err)
		}
		path = local
		if info.IsDir() {
			path = filepath.Join(local, file)
		}

	case dep.Git != "":
		dir, fetched, err := syncGitDependency(r.manifest.DepsDir(), name, dep)
		if err != nil {
			return "", err
		}
		if fetched {
			r.log.Infof("fetched dependency %s from %s into %s", name, dep.Git, dir)
		}
		path = filepath.Join(dir, file)

	default:
		return "", fmt.Errorf("dependency %q has no git or path specified", name)
	}

	r.mu.Lock()
	r.depPaths[name] = path
	r.mu.Unlock()
	return path, nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Attach makes r the dependency callback of machine, so loading a program
// pulls in its dependencies through r.
func (r *Resolver) Attach(machine *vm.VM) {
	r.mu.Lock()
	r.machine = machine
	r.mu.Unlock()
	machine.SetDependencyCallback(func(name string) error {
		_, err := r.Load(name)
		return err
	})
}

// Load makes the named program available in the attached VM and returns
// it. A program that is already loaded is returned as is. A program that
// is still loading (a dependency cycle) yields nil and no error.
func (r *Resolver) Load(name string) (*vm.Program, error) {
	r.mu.Lock()
	machine := r.machine
	r.mu.Unlock()
	if machine == nil {
		return nil, fmt.Errorf("load %s: resolver is not attached to a VM", name)
	}
	if p := machine.FindProgram(name); p != nil {
		return p, nil
	}

	r.mu.Lock()
	if r.loading[name] {
		r.mu.Unlock()
		r.log.Debugf("%s is already loading (dependency cycle)", name)
		return nil, nil
	}
	r.loading[name] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.loading, name)
		r.mu.Unlock()
	}()

	data, from, err := r.Locate(name)
	if err != nil {
		return nil, err
	}
	r.log.Debugf("loading %s from %s", name, from)
	p, err := machine.LoadProgram(name, data)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.loaded = append(r.loaded, name)
	r.mu.Unlock()
	return p, nil
}

// Loaded returns the programs r loaded, in load order. Dependencies come
// before the programs that need them.
func (r *Resolver) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.loaded...)
}
