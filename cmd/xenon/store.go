package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chazu/xenon/manifest"
	"github.com/chazu/xenon/store"
	"github.com/chazu/xenon/vm"
	"github.com/chazu/xenon/vm/dist"
)

// handleStoreCommand processes the `xenon store` subcommand.
// Usage:
//
//	xenon store [-db path] put module.xc...
//	xenon store [-db path] [-o file] get name
//	xenon store [-db path] list
//	xenon store [-db path] delete name
//	xenon store [-db path] import bundle.xcb
//	xenon store [-db path] export entry out.xcb
func handleStoreCommand(args []string) int {
	fs := flag.NewFlagSet("store", flag.ExitOnError)
	dbPath := fs.String("db", "", "Store database (default from xenon.toml, else .xenon/modules.db)")
	output := fs.String("o", "", "Output file for get (default stdout)")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return fail("store needs a command: put, get, list, delete, import, export")
	}
	if *dbPath == "" {
		m, err := loadManifest(".")
		if err != nil {
			return fail("loading manifest: %v", err)
		}
		*dbPath = m.StorePath()
		if *dbPath == "" {
			*dbPath = filepath.Join(m.Dir, ".xenon", "modules.db")
		}
	}
	if err := os.MkdirAll(filepath.Dir(*dbPath), 0755); err != nil {
		return fail("%v", err)
	}

	s, err := store.Open(*dbPath)
	if err != nil {
		return fail("%v", err)
	}
	defer s.Close()

	if err := runStoreCommand(s, fs.Arg(0), fs.Args()[1:], *output, os.Stdout); err != nil {
		return fail("%v", err)
	}
	return 0
}

func runStoreCommand(s *store.Store, cmd string, args []string, output string, w io.Writer) error {
	switch cmd {
	case "put":
		if len(args) == 0 {
			return fmt.Errorf("put needs module files")
		}
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			name := manifest.ProgramName(path)
			if err := manifest.ValidateProgramName(name); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if _, err := vm.DecodeModule(name, data); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			h, err := s.Put(name, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s %x\n", name, h[:8])
		}

	case "get":
		if len(args) != 1 {
			return fmt.Errorf("get takes one module name")
		}
		data, err := s.Get(args[0])
		if err != nil {
			return err
		}
		if output == "" {
			_, err = w.Write(data)
			return err
		}
		return os.WriteFile(output, data, 0644)

	case "list":
		entries, err := s.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%-20s %x  %6d bytes  %s\n", e.Name, e.Hash[:8], e.Size, e.Updated.Format("2006-01-02 15:04:05"))
		}

	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("delete takes one module name")
		}
		return s.Delete(args[0])

	case "import":
		if len(args) != 1 {
			return fmt.Errorf("import takes one bundle file")
		}
		b, err := readBundle(args[0])
		if err != nil {
			return err
		}
		if err := s.PutBundle(b, vm.BuiltinsProgram); err != nil {
			return err
		}
		fmt.Fprintf(w, "imported %d modules\n", len(b.Chunks))

	case "export":
		if len(args) != 2 {
			return fmt.Errorf("export takes an entry name and an output file")
		}
		b, err := s.Bundle(args[0])
		if err != nil {
			return err
		}
		data, err := dist.MarshalBundle(b)
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[1], data, 0644); err != nil {
			return err
		}
		fmt.Fprintf(w, "exported %d modules to %s\n", len(b.Chunks), args[1])

	default:
		return fmt.Errorf("unknown store command %q", cmd)
	}
	return nil
}
