package vm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// DependencyFunc is asked to make the named program available, normally by
// calling LoadProgram on the same VM. It runs synchronously inside the
// load that declared the dependency.
type DependencyFunc func(name string) error

// Config holds the tunables of a VM.
type Config struct {
	// FrameStackSize bounds the call depth of one execution.
	FrameStackSize int
	// OperandStackSize bounds each frame's operand stack.
	OperandStackSize int
	// GCMaxIterations is the work budget of one collector increment.
	GCMaxIterations int
	// GCInterval is the delay between background increments.
	GCInterval time.Duration
	// GCBackground starts a GCWorker with the VM.
	GCBackground bool

	Allocator          Allocator
	Report             ReportFunc
	DependencyResolver DependencyFunc
}

const (
	DefaultFrameStackSize   = 1024
	DefaultOperandStackSize = 256
)

// DefaultConfig returns the configuration NewVM starts from.
func DefaultConfig() Config {
	return Config{
		FrameStackSize:   DefaultFrameStackSize,
		OperandStackSize: DefaultOperandStackSize,
		GCMaxIterations:  DefaultGCMaxIterations,
		GCInterval:       DefaultGCInterval,
	}
}

// Option adjusts a Config.
type Option func(*Config)

func WithFrameStackSize(n int) Option   { return func(c *Config) { c.FrameStackSize = n } }
func WithOperandStackSize(n int) Option { return func(c *Config) { c.OperandStackSize = n } }
func WithGCMaxIterations(n int) Option  { return func(c *Config) { c.GCMaxIterations = n } }
func WithAllocator(a Allocator) Option  { return func(c *Config) { c.Allocator = a } }
func WithReport(fn ReportFunc) Option   { return func(c *Config) { c.Report = fn } }

// WithGCBackground runs collector increments on a worker goroutine.
func WithGCBackground(interval time.Duration) Option {
	return func(c *Config) {
		c.GCBackground = true
		if interval > 0 {
			c.GCInterval = interval
		}
	}
}

// WithDependencyResolver installs the dependency callback at construction.
func WithDependencyResolver(fn DependencyFunc) Option {
	return func(c *Config) { c.DependencyResolver = fn }
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.FrameStackSize <= 0 {
		c.FrameStackSize = d.FrameStackSize
	}
	if c.OperandStackSize <= 0 {
		c.OperandStackSize = d.OperandStackSize
	}
	if c.GCMaxIterations <= 0 {
		c.GCMaxIterations = d.GCMaxIterations
	}
	if c.GCInterval <= 0 {
		c.GCInterval = d.GCInterval
	}
}

// ---------------------------------------------------------------------------
// VM: the runtime context
// ---------------------------------------------------------------------------

type global struct {
	value *Value
	owner string
}

// VM owns loaded programs, the function and schema registries, the global
// table and the heap. Programs and values never cross VMs.
type VM struct {
	config Config
	log    commonlog.Logger
	alloc  Allocator

	// Registries, guarded by mu.
	mu           sync.RWMutex
	programs     map[string]*Program
	programOrder []*Program
	functions    map[string]*Function
	schemas      map[string]*Schema
	loading      map[string]bool
	dependency   DependencyFunc

	// Value state, guarded by heap.mu.
	heap       heap
	strings    map[string]*internedString
	globals    map[string]*global
	executions map[*Execution]struct{}

	worker   *GCWorker
	disposed atomic.Bool
}

// NewVM creates a VM with the built-in program registered.
func NewVM(opts ...Option) *VM {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewVMWithConfig(cfg)
}

// NewVMWithConfig creates a VM from an explicit configuration. Zero fields
// take their defaults.
func NewVMWithConfig(cfg Config) *VM {
	cfg.normalize()
	vm := &VM{
		config:     cfg,
		log:        newLogger(),
		alloc:      cfg.Allocator,
		programs:   make(map[string]*Program),
		functions:  make(map[string]*Function),
		schemas:    make(map[string]*Schema),
		loading:    make(map[string]bool),
		dependency: cfg.DependencyResolver,
		strings:    make(map[string]*internedString),
		globals:    make(map[string]*global),
		executions: make(map[*Execution]struct{}),
	}
	if vm.alloc == nil {
		vm.alloc = DefaultAllocator()
	}
	vm.heap.init(vm)
	vm.registerBuiltins()

	if cfg.GCBackground {
		vm.worker = NewGCWorker(vm, cfg.GCInterval, cfg.GCMaxIterations)
		vm.worker.Start()
	}
	return vm
}

// Config returns the VM's effective configuration.
func (vm *VM) Config() Config { return vm.config }

// Allocator returns the allocator program blobs are obtained from.
func (vm *VM) Allocator() Allocator { return vm.alloc }

// GCWorker returns the background collector, or nil when it is disabled.
func (vm *VM) GCWorker() *GCWorker { return vm.worker }

// SetDependencyCallback replaces the dependency callback.
func (vm *VM) SetDependencyCallback(fn DependencyFunc) {
	vm.mu.Lock()
	vm.dependency = fn
	vm.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Registries
// ---------------------------------------------------------------------------

// FindProgram returns the loaded program with the given name, or nil.
func (vm *VM) FindProgram(name string) *Program {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.programs[name]
}

// Programs returns the loaded programs in load order.
func (vm *VM) Programs() []*Program {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return append([]*Program(nil), vm.programOrder...)
}

// FindFunction looks a function up by its full signature.
func (vm *VM) FindFunction(signature string) *Function {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.functions[signature]
}

// ListFunctions returns every registered signature, sorted.
func (vm *VM) ListFunctions() []string {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	sigs := make([]string, 0, len(vm.functions))
	for sig := range vm.functions {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)
	return sigs
}

// FindSchema looks an object schema up by type name.
func (vm *VM) FindSchema(name string) *Schema {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.schemas[name]
}

// SetNativeBinding binds (or, with nil, unbinds) the implementation of a
// native function declared by a loaded program.
func (vm *VM) SetNativeBinding(signature string, fn NativeFunc) error {
	f := vm.FindFunction(signature)
	if f == nil {
		return fmt.Errorf("bind %q: %w", signature, ErrScriptNoFunction)
	}
	if !f.isNative {
		return fmt.Errorf("bind %q: function has bytecode: %w", signature, ErrInvalidType)
	}
	f.bind(fn)
	return nil
}

// UnloadProgram removes a program together with its functions and
// schemas. Globals it declared stay. Programs that are still executing
// cannot be unloaded.
func (vm *VM) UnloadProgram(name string) error {
	vm.mu.Lock()
	p, ok := vm.programs[name]
	if !ok {
		vm.mu.Unlock()
		return fmt.Errorf("unload %q: %w", name, ErrKeyDoesNotExist)
	}
	if name == BuiltinsProgram {
		vm.mu.Unlock()
		return fmt.Errorf("unload %q: %w", name, ErrNoWrite)
	}
	if vm.programInUse(p) {
		vm.mu.Unlock()
		return fmt.Errorf("unload %q: program is executing: %w", name, ErrNoWrite)
	}
	vm.unregisterLocked(p)
	vm.mu.Unlock()

	p.release()
	vm.report(MessageVerbose, "unloaded program %s", name)
	return nil
}

func (vm *VM) unregisterLocked(p *Program) {
	delete(vm.programs, p.name)
	for i, q := range vm.programOrder {
		if q == p {
			vm.programOrder = append(vm.programOrder[:i], vm.programOrder[i+1:]...)
			break
		}
	}
	for _, f := range p.functions {
		if vm.functions[f.signature] == f {
			delete(vm.functions, f.signature)
		}
	}
	for _, s := range p.schemas {
		if vm.schemas[s.Name] == s {
			delete(vm.schemas, s.Name)
		}
	}
}

func (vm *VM) programInUse(p *Program) bool {
	vm.heap.mu.RLock()
	defer vm.heap.mu.RUnlock()
	for exec := range vm.executions {
		if exec.references(p) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

// DeclareGlobal creates a null global slot. Declaring an existing global
// is a no-op and reports whether the slot was created.
func (vm *VM) DeclareGlobal(name string) bool {
	vm.heap.mu.Lock()
	defer vm.heap.mu.Unlock()
	return vm.declareGlobalLocked(name, "")
}

func (vm *VM) declareGlobalLocked(name, owner string) bool {
	if _, ok := vm.globals[name]; ok {
		return false
	}
	vm.globals[name] = &global{value: Null, owner: owner}
	return true
}

// GetGlobal returns the named global's value, pinned.
func (vm *VM) GetGlobal(name string) (*Value, error) {
	vm.heap.mu.Lock()
	defer vm.heap.mu.Unlock()
	g, ok := vm.globals[name]
	if !ok {
		return nil, fmt.Errorf("global %q: %w", name, ErrKeyDoesNotExist)
	}
	vm.heap.pin(g.value)
	return g.value, nil
}

// SetGlobal stores v into a declared global. The caller keeps its own
// reference to v.
func (vm *VM) SetGlobal(name string, v *Value) error {
	if err := vm.checkOwner(v); err != nil {
		return fmt.Errorf("global %q: %w", name, err)
	}
	vm.heap.mu.Lock()
	defer vm.heap.mu.Unlock()
	g, ok := vm.globals[name]
	if !ok {
		return fmt.Errorf("global %q: %w", name, ErrKeyDoesNotExist)
	}
	vm.heap.store(&g.value, v)
	return nil
}

// GlobalOwner returns the program that first declared the global.
func (vm *VM) GlobalOwner(name string) (string, bool) {
	vm.heap.mu.RLock()
	defer vm.heap.mu.RUnlock()
	g, ok := vm.globals[name]
	if !ok {
		return "", false
	}
	return g.owner, true
}

// GlobalNames returns every global name, sorted.
func (vm *VM) GlobalNames() []string {
	vm.heap.mu.RLock()
	defer vm.heap.mu.RUnlock()
	names := make([]string, 0, len(vm.globals))
	for name := range vm.globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// forEachRootLocked visits the globals and every live execution's slots.
// Caller holds heap.mu.
func (vm *VM) forEachRootLocked(fn func(*Value)) {
	for _, g := range vm.globals {
		fn(g.value)
	}
	for exec := range vm.executions {
		exec.forEachRoot(fn)
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Dispose stops the collector, aborts live executions, reclaims every
// value and releases program buffers. Values still referenced by the
// embedder are reported and reclaimed anyway. Dispose is idempotent.
func (vm *VM) Dispose() error {
	if !vm.disposed.CompareAndSwap(false, true) {
		return nil
	}
	var result *multierror.Error

	if vm.worker != nil {
		vm.worker.Stop()
	}

	vm.heap.mu.Lock()
	execs := make([]*Execution, 0, len(vm.executions))
	for exec := range vm.executions {
		execs = append(execs, exec)
	}
	vm.heap.mu.Unlock()
	for _, exec := range execs {
		exec.Abort()
		exec.Dispose()
	}

	vm.heap.mu.Lock()
	vm.globals = make(map[string]*global)
	leaked := vm.heap.pinCount
	for v := range vm.heap.pinned {
		v.gc.pins = 0
	}
	vm.heap.pinned = make(map[*Value]struct{})
	vm.heap.pinCount = 0
	vm.heap.mu.Unlock()

	if leaked > 0 {
		vm.report(MessageWarning, "%d value references still held at dispose", leaked)
		result = multierror.Append(result,
			fmt.Errorf("%d value references leaked: %w", leaked, ErrBadAllocation))
	}

	stats := vm.Collect()
	if stats.Live != 0 {
		result = multierror.Append(result,
			fmt.Errorf("%d heap nodes survived the final collection: %w", stats.Live, ErrBadAllocation))
	}

	vm.mu.Lock()
	programs := vm.programOrder
	vm.programs = make(map[string]*Program)
	vm.programOrder = nil
	vm.functions = make(map[string]*Function)
	vm.schemas = make(map[string]*Schema)
	vm.mu.Unlock()
	for _, p := range programs {
		p.release()
	}

	return result.ErrorOrNil()
}

// Disposed reports whether Dispose has run.
func (vm *VM) Disposed() bool { return vm.disposed.Load() }
