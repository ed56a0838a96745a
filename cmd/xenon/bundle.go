package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/chazu/xenon/manifest"
	"github.com/chazu/xenon/vm"
	"github.com/chazu/xenon/vm/dist"
)

// handleBundleCommand processes the `xenon bundle` subcommand.
// Usage:
//
//	xenon bundle -o app.xcb -entry app build/*.xc   # pack
//	xenon bundle -list app.xcb                      # inspect
func handleBundleCommand(args []string) int {
	fs := flag.NewFlagSet("bundle", flag.ExitOnError)
	output := fs.String("o", "", "Output bundle path")
	entry := fs.String("entry", "", "Entry program name (default: last module)")
	list := fs.Bool("list", false, "List the chunks of an existing bundle")
	fs.Parse(args)

	if *list {
		if fs.NArg() != 1 {
			return fail("bundle -list takes one bundle file")
		}
		b, err := readBundle(fs.Arg(0))
		if err != nil {
			return fail("%v", err)
		}
		listBundle(os.Stdout, b)
		return 0
	}

	if *output == "" || fs.NArg() == 0 {
		return fail("bundle needs -o and at least one module file")
	}
	modules := make(map[string][]byte, fs.NArg())
	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fail("%v", err)
		}
		name := manifest.ProgramName(path)
		if err := manifest.ValidateProgramName(name); err != nil {
			return fail("%s: %v", path, err)
		}
		modules[name] = data
	}
	if *entry == "" {
		*entry = manifest.ProgramName(fs.Arg(fs.NArg() - 1))
	}

	b, err := dist.BundleFromModules(*entry, modules)
	if err != nil {
		return fail("%v", err)
	}
	if err := b.Verify(vm.BuiltinsProgram); err != nil {
		noteColor.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	data, err := dist.MarshalBundle(b)
	if err != nil {
		return fail("%v", err)
	}
	if err := os.WriteFile(*output, data, 0644); err != nil {
		return fail("%v", err)
	}
	fmt.Printf("Wrote %s: %d modules, %d bytes\n", *output, len(b.Chunks), len(data))
	return 0
}

func readBundle(path string) (*dist.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := dist.UnmarshalBundle(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

func listBundle(w io.Writer, b *dist.Bundle) {
	headColor.Fprintf(w, "bundle v%d", b.Version)
	fmt.Fprintf(w, " entry=%s\n", b.Entry)
	for _, c := range b.Chunks {
		status := "ok"
		if err := dist.VerifyChunk(&c); err != nil {
			status = errorColor.Sprint("hash mismatch")
		}
		fmt.Fprintf(w, "  %-20s %x  %6d bytes  %s\n", c.Name, c.Hash[:8], len(c.Module), status)
		for _, dep := range c.Dependencies {
			fmt.Fprintf(w, "      needs  %s\n", dep)
		}
		for _, sig := range c.Natives {
			fmt.Fprintf(w, "      native %s\n", sig)
		}
	}
}
