package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/chazu/xenon/vm"
)

// hostNatives are the native functions the CLI offers to scripts. A module
// declares the ones it uses as native functions with these signatures.
func hostNatives(out io.Writer) map[string]vm.NativeFunc {
	return map[string]vm.NativeFunc{
		"void print(string)": func(exec *vm.Execution, _ *vm.Function) {
			fmt.Fprint(out, exec.Arg(0).GetString())
		},
		"void println(string)": func(exec *vm.Execution, _ *vm.Function) {
			fmt.Fprintln(out, exec.Arg(0).GetString())
		},
		"void print_value(any)": func(exec *vm.Execution, _ *vm.Function) {
			fmt.Fprintln(out, exec.Arg(0).String())
		},
		"int64 clock()": func(exec *vm.Execution, _ *vm.Function) {
			v := exec.VM().NewInt64(time.Now().UnixMilli())
			exec.SetIoRegister(0, v)
			exec.VM().GcExpose(v)
		},
		"void yield()": func(exec *vm.Execution, _ *vm.Function) {
			exec.Yield()
		},
	}
}

// bindHostNatives binds every host native the loaded programs declare and
// returns the native signatures left unbound.
func bindHostNatives(machine *vm.VM, out io.Writer) ([]string, error) {
	natives := hostNatives(out)
	var unbound []string
	for _, p := range machine.Programs() {
		for _, fn := range p.Functions() {
			if !fn.IsNative() || fn.Native() != nil {
				continue
			}
			impl, ok := natives[fn.Signature()]
			if !ok {
				unbound = append(unbound, fn.Signature())
				continue
			}
			if err := machine.SetNativeBinding(fn.Signature(), impl); err != nil {
				return unbound, err
			}
		}
	}
	return unbound, nil
}

// hostNativeSignatures lists the natives bindHostNatives can provide.
func hostNativeSignatures() []string {
	var sigs []string
	for sig := range hostNatives(io.Discard) {
		sigs = append(sigs, sig)
	}
	return sigs
}

var errNoEntry = errors.New("no entry program")
