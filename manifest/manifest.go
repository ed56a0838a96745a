// Package manifest handles xenon.toml project configuration and locates
// the modules a program depends on.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chazu/xenon/vm"
	"github.com/chazu/xenon/vm/dist"
)

// FileName is the manifest file looked up in a project directory.
const FileName = "xenon.toml"

// Manifest represents a xenon.toml project configuration.
type Manifest struct {
	Project      Project               `toml:"project"`
	Modules      Modules               `toml:"modules"`
	Dependencies map[string]Dependency `toml:"dependencies"`
	VM           VMSettings            `toml:"vm"`
	Natives      NativeSettings        `toml:"natives"`
	Log          LogSettings           `toml:"log"`

	// Dir is the directory containing the xenon.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Modules configures where compiled modules are found and what runs.
type Modules struct {
	Dirs     []string `toml:"dirs"`
	Entry    string   `toml:"entry"`    // program name of the entry module
	Function string   `toml:"function"` // signature of the entry function
	Bundle   string   `toml:"bundle"`
	Store    string   `toml:"store"`
}

// Dependency names a module that lives outside the module dirs.
type Dependency struct {
	Git    string `toml:"git"`
	Tag    string `toml:"tag"`
	Path   string `toml:"path"`
	Module string `toml:"module"` // module file inside the checkout or path dir
}

// VMSettings mirrors the tunables of vm.Config.
type VMSettings struct {
	FrameStackSize   int    `toml:"frame-stack-size"`
	OperandStackSize int    `toml:"operand-stack-size"`
	GCMaxIterations  int    `toml:"gc-max-iterations"`
	GCInterval       string `toml:"gc-interval"`
	GCBackground     bool   `toml:"gc-background"`
}

// NativeSettings restricts the native functions bundles may declare.
type NativeSettings struct {
	Allow []string `toml:"allow"`
	Deny  []string `toml:"deny"`
}

// LogSettings configures the commonlog backend.
type LogSettings struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// DefaultFunction is the entry signature used when none is configured.
const DefaultFunction = "void main()"

// Load parses a xenon.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m.applyDefaults()

	if _, err := m.VMConfig(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for name := range m.Dependencies {
		if err := ValidateProgramName(name); err != nil {
			return nil, fmt.Errorf("%s: dependency: %w", path, err)
		}
	}
	return &m, nil
}

// Default returns the manifest used for a directory without a xenon.toml.
func Default(dir string) (*Manifest, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m := &Manifest{Dir: abs}
	m.applyDefaults()
	return m, nil
}

func (m *Manifest) applyDefaults() {
	if len(m.Modules.Dirs) == 0 {
		m.Modules.Dirs = []string{"."}
	}
	if m.Modules.Function == "" {
		m.Modules.Function = DefaultFunction
	}
}

// FindAndLoad walks up from startDir to find a xenon.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ModuleDirPaths returns absolute paths for the configured module directories.
func (m *Manifest) ModuleDirPaths() []string {
	var paths []string
	for _, d := range m.Modules.Dirs {
		paths = append(paths, m.path(d))
	}
	return paths
}

// BundlePath returns the configured bundle path, or "" if none.
func (m *Manifest) BundlePath() string { return m.path(m.Modules.Bundle) }

// StorePath returns the configured module store path, or "" if none.
func (m *Manifest) StorePath() string { return m.path(m.Modules.Store) }

// LogFilePath returns the configured log file, or "" for stderr.
func (m *Manifest) LogFilePath() string { return m.path(m.Log.File) }

// DepsDir returns the path to the .xenon/deps directory.
func (m *Manifest) DepsDir() string {
	return filepath.Join(m.Dir, ".xenon", "deps")
}

func (m *Manifest) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// VMConfig converts the [vm] table into a vm.Config. Unset values keep
// the VM defaults.
func (m *Manifest) VMConfig() (vm.Config, error) {
	cfg := vm.DefaultConfig()
	s := m.VM
	if s.FrameStackSize < 0 || s.OperandStackSize < 0 || s.GCMaxIterations < 0 {
		return cfg, fmt.Errorf("[vm]: sizes must not be negative")
	}
	if s.FrameStackSize > 0 {
		cfg.FrameStackSize = s.FrameStackSize
	}
	if s.OperandStackSize > 0 {
		cfg.OperandStackSize = s.OperandStackSize
	}
	if s.GCMaxIterations > 0 {
		cfg.GCMaxIterations = s.GCMaxIterations
	}
	if s.GCInterval != "" {
		d, err := time.ParseDuration(s.GCInterval)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("[vm] gc-interval %q: must be a positive duration", s.GCInterval)
		}
		cfg.GCInterval = d
	}
	cfg.GCBackground = s.GCBackground
	return cfg, nil
}

// NativePolicy converts the [natives] table into a bundle policy. Without
// an allow list every native not denied is permitted.
func (m *Manifest) NativePolicy() *dist.NativePolicy {
	p := dist.NewPermissivePolicy()
	if len(m.Natives.Allow) > 0 {
		p = dist.NewRestrictedPolicy(m.Natives.Allow)
	}
	for _, sig := range m.Natives.Deny {
		p.Deny(sig)
	}
	return p
}
