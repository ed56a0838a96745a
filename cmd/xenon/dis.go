package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chazu/xenon/manifest"
	"github.com/chazu/xenon/vm"
)

// handleDisCommand processes the `xenon dis` subcommand: it prints the
// tables and the disassembly of each module file.
func handleDisCommand(args []string) int {
	fs := flag.NewFlagSet("dis", flag.ExitOnError)
	only := fs.String("f", "", "Only disassemble functions whose signature contains this text")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return fail("dis needs at least one module file")
	}
	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fail("%v", err)
		}
		p, err := vm.DecodeModule(manifest.ProgramName(path), data)
		if err != nil {
			return fail("%s: %v", path, err)
		}
		disassembleProgram(os.Stdout, p, *only)
	}
	return 0
}

func disassembleProgram(w io.Writer, p *vm.Program, only string) {
	headColor.Fprintf(w, "program %s", p.Name())
	fmt.Fprintf(w, " (%s endian)\n", p.Endianness())
	if deps := p.Dependencies(); len(deps) > 0 {
		fmt.Fprintf(w, "  depends on: %s\n", strings.Join(deps, ", "))
	}
	if globals := p.Globals(); len(globals) > 0 {
		fmt.Fprintf(w, "  globals:    %s\n", strings.Join(globals, ", "))
	}
	for _, s := range p.Schemas() {
		var members []string
		for _, m := range s.Members {
			members = append(members, m.Name+" "+m.Type.String())
		}
		fmt.Fprintf(w, "  schema %s { %s }\n", s.Name, strings.Join(members, "; "))
	}

	if initFn := p.InitFunction(); initFn != nil && only == "" {
		fmt.Fprintln(w)
		headColor.Fprintln(w, "<init>")
		fmt.Fprint(w, vm.DisassembleFunction(initFn))
	}
	for _, fn := range p.Functions() {
		if only != "" && !strings.Contains(fn.Signature(), only) {
			continue
		}
		fmt.Fprintln(w)
		headColor.Fprint(w, fn.Signature())
		fmt.Fprintf(w, "  in=%d out=%d", fn.NumInputs(), fn.NumOutputs())
		if blocks := fn.GuardedBlocks(); len(blocks) > 0 {
			fmt.Fprintf(w, " guarded=%d", len(blocks))
		}
		fmt.Fprintln(w)
		fmt.Fprint(w, vm.DisassembleFunction(fn))
	}
}
