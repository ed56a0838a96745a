// Xenon CLI - runs, inspects and packages compiled Xenon modules
package main

import (
	"fmt"
	"os"

	"github.com/chazu/xenon/manifest"
	"github.com/fatih/color"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: xenon <command> [options] [args...]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run     load modules and run the entry function\n")
	fmt.Fprintf(os.Stderr, "  dis     disassemble module files\n")
	fmt.Fprintf(os.Stderr, "  bundle  pack modules into a bundle, or list one\n")
	fmt.Fprintf(os.Stderr, "  store   manage the SQLite module store\n")
	fmt.Fprintf(os.Stderr, "  version print the version\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  xenon run build/app.xc              # run void main() in app\n")
	fmt.Fprintf(os.Stderr, "  xenon run -entry \"int32 main()\"     # entry from xenon.toml\n")
	fmt.Fprintf(os.Stderr, "  xenon dis build/app.xc\n")
	fmt.Fprintf(os.Stderr, "  xenon bundle -o app.xcb -entry app build/*.xc\n")
	fmt.Fprintf(os.Stderr, "  xenon store -db modules.db put build/*.xc\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		os.Exit(handleRunCommand(args))
	case "dis":
		os.Exit(handleDisCommand(args))
	case "bundle":
		os.Exit(handleBundleCommand(args))
	case "store":
		os.Exit(handleStoreCommand(args))
	case "version", "-version", "--version":
		fmt.Printf("xenon %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

// loadManifest finds xenon.toml from dir upwards, falling back to the
// defaults for dir.
func loadManifest(dir string) (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return manifest.Default(dir)
	}
	return m, nil
}

// configureLogging sets up the commonlog backend. A verbosity flag >= 0
// overrides the manifest.
func configureLogging(m *manifest.Manifest, verbosity int) {
	if verbosity < 0 {
		verbosity = m.Log.Verbosity
	}
	var path *string
	if p := m.LogFilePath(); p != "" {
		path = &p
	}
	commonlog.Configure(verbosity, path)
}

var (
	errorColor = color.New(color.FgRed, color.Bold)
	noteColor  = color.New(color.FgYellow)
	headColor  = color.New(color.FgCyan, color.Bold)
)

func fail(format string, args ...any) int {
	errorColor.Fprint(os.Stderr, "Error: ")
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return 1
}
