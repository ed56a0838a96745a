package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/chazu/xenon/manifest"
	"github.com/chazu/xenon/vm"
)

// handleRunCommand processes the `xenon run` subcommand.
// Usage:
//
//	xenon run [-config dir] [-entry sig] [-v n] [module.xc...]
//
// Module files named on the command line are loaded in order and the last
// one is the entry program; otherwise the manifest's entry is used.
func handleRunCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configDir := fs.String("config", ".", "Directory to search for xenon.toml")
	entrySig := fs.String("entry", "", "Signature of the entry function (default from xenon.toml or \"void main()\")")
	verbosity := fs.Int("v", -1, "Log verbosity (overrides [log] verbosity)")
	listNatives := fs.Bool("natives", false, "List the host native functions and exit")
	fs.Parse(args)

	if *listNatives {
		sigs := hostNativeSignatures()
		sort.Strings(sigs)
		for _, sig := range sigs {
			fmt.Println(sig)
		}
		return 0
	}

	m, err := loadManifest(*configDir)
	if err != nil {
		return fail("loading manifest: %v", err)
	}
	configureLogging(m, *verbosity)
	if *entrySig != "" {
		m.Modules.Function = *entrySig
	}

	code, err := runProgram(m, fs.Args(), os.Stdout, os.Stderr)
	if err != nil {
		return fail("%v", err)
	}
	return code
}

// runProgram loads the entry program and its dependencies into a fresh VM,
// runs every init function in load order and then the entry function. It
// returns the process exit code.
func runProgram(m *manifest.Manifest, files []string, out, errOut io.Writer) (int, error) {
	cfg, err := m.VMConfig()
	if err != nil {
		return 1, err
	}
	machine := vm.NewVMWithConfig(cfg)
	defer func() {
		if err := machine.Dispose(); err != nil {
			noteColor.Fprintf(errOut, "warning: %v\n", err)
		}
	}()

	r := manifest.NewResolver(m)
	if err := r.Open(); err != nil {
		return 1, err
	}
	defer r.Close()
	r.Attach(machine)

	entry := m.Modules.Entry
	for _, file := range files {
		dir, err := filepath.Abs(filepath.Dir(file))
		if err != nil {
			return 1, err
		}
		m.Modules.Dirs = append([]string{dir}, m.Modules.Dirs...)
		entry = manifest.ProgramName(file)
	}
	if entry == "" && r.Bundle() != nil {
		entry = r.Bundle().Entry
	}
	if entry == "" {
		return 1, errNoEntry
	}

	for _, file := range files {
		if _, err := r.Load(manifest.ProgramName(file)); err != nil {
			return 1, err
		}
	}
	if _, err := r.Load(entry); err != nil {
		return 1, err
	}

	unbound, err := bindHostNatives(machine, out)
	if err != nil {
		return 1, err
	}
	for _, sig := range unbound {
		noteColor.Fprintf(errOut, "warning: native %s is not bound\n", sig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for _, name := range r.Loaded() {
		p := machine.FindProgram(name)
		if p == nil || p.InitFunction() == nil {
			continue
		}
		exec, err := runToEnd(ctx, machine, p.InitFunction())
		if err != nil {
			return 1, fmt.Errorf("init %s: %w", name, err)
		}
		failed := reportFailure(errOut, exec)
		exec.Dispose()
		if failed {
			return 1, nil
		}
	}

	fn := machine.FindFunction(m.Modules.Function)
	if fn == nil {
		return 1, fmt.Errorf("entry function %q is not defined", m.Modules.Function)
	}
	exec, err := runToEnd(ctx, machine, fn)
	if err != nil {
		return 1, err
	}
	defer exec.Dispose()
	if reportFailure(errOut, exec) {
		return 1, nil
	}

	code := 0
	if fn.NumOutputs() > 0 {
		v, err := exec.GetIoRegister(0)
		if err != nil {
			return 1, err
		}
		switch v.Type() {
		case vm.ValueInt32:
			code = int(v.GetInt32())
		case vm.ValueNull:
		default:
			fmt.Fprintln(out, v.String())
		}
		machine.GcExpose(v)
	}
	return code, nil
}

// runToEnd runs fn until it completes, resuming after every yield.
func runToEnd(ctx context.Context, machine *vm.VM, fn *vm.Function) (*vm.Execution, error) {
	exec, err := machine.NewExecution(fn)
	if err != nil {
		return nil, err
	}
	for !exec.Status().Finished() {
		if err := exec.RunWithContext(ctx, vm.RunContinuous); err != nil {
			if errors.Is(err, context.Canceled) {
				return exec, fmt.Errorf("%s interrupted", fn.Signature())
			}
			exec.Dispose()
			return nil, err
		}
	}
	return exec, nil
}

// reportFailure prints an unhandled exception or abort with the frame
// trace and reports whether the execution failed.
func reportFailure(w io.Writer, exec *vm.Execution) bool {
	status := exec.Status()
	switch {
	case status.Abort:
		errorColor.Fprintf(w, "aborted: ")
		fmt.Fprintf(w, "%s\n", exec.Entry().Signature())
		return true
	case status.Exception:
		exc := exec.Exception()
		defer exec.VM().GcExpose(exc)
		errorColor.Fprintf(w, "unhandled %s exception: ", exec.ExceptionSeverity())
		msg := vm.ExceptionMessage(exc)
		if msg == "" {
			msg = exc.String()
		}
		fmt.Fprintln(w, msg)
		exec.ResolveFrames(func(f vm.FrameInfo) bool {
			headColor.Fprintf(w, "  #%d ", f.Depth)
			fmt.Fprintf(w, "%s @%04d\n", f.Signature, f.PC)
			return true
		})
		return true
	}
	return false
}
