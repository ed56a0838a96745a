package manifest

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ModuleExt is the file extension of serialized modules.
const ModuleExt = ".xc"

// ModuleFileName returns the file a program is looked up as in a module dir.
func ModuleFileName(program string) string {
	return program + ModuleExt
}

// ProgramName derives a program name from a module path:
// "build/net-util.xc" -> "net-util".
func ProgramName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, ModuleExt)
}

// IsReservedProgramName reports whether name belongs to the VM. Names
// starting with '$' are reserved for programs the VM registers itself.
func IsReservedProgramName(name string) bool {
	return strings.HasPrefix(name, "$")
}

// ValidateProgramName rejects names a module cannot be loaded under.
func ValidateProgramName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty program name")
	case IsReservedProgramName(name):
		return fmt.Errorf("program name %q is reserved", name)
	case strings.ContainsAny(name, `/\`) || name == "." || name == "..":
		return fmt.Errorf("program name %q must not contain a path", name)
	}
	return nil
}
