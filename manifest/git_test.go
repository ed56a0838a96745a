package manifest

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// gitRepo creates a repository holding <name>.xc, tagged v1, and returns
// its directory.
func gitRepo(t *testing.T, name string) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	writeModule(t, dir, name)
	for _, args := range [][]string{
		{"init", "--quiet"},
		{"add", "."},
		{"-c", "user.name=xenon", "-c", "user.email=xenon@example.com", "commit", "--quiet", "-m", "init"},
		{"tag", "v1"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %s: %v\n%s", args[0], err, out)
		}
	}
	return dir
}

func TestCheckoutDir(t *testing.T) {
	tests := []struct {
		dep  Dependency
		want string
	}{
		{Dependency{Git: "x", Tag: "v1.2"}, "math@v1.2"},
		{Dependency{Git: "x", Tag: "release/2"}, "math@release_2"},
		{Dependency{Git: "x"}, "math@head"},
	}
	for _, tt := range tests {
		if got := checkoutDir("deps", "math", tt.dep); got != filepath.Join("deps", tt.want) {
			t.Errorf("checkoutDir(%+v) = %s, want deps/%s", tt.dep, got, tt.want)
		}
	}
}

func TestGitDependency(t *testing.T) {
	repo := gitRepo(t, "helper")
	dir := t.TempDir()
	m, _ := Default(dir)
	m.Dependencies = map[string]Dependency{"helper": {Git: repo, Tag: "v1"}}

	data, from, err := NewResolver(m).Locate("helper")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	want := filepath.Join(m.DepsDir(), "helper@v1", "helper.xc")
	if from != want {
		t.Errorf("located at %s, want %s", from, want)
	}
	if !bytes.Equal(data, module(t, "helper")) {
		t.Error("checked out module differs")
	}

	// A pinned tag is not fetched again.
	if err := os.RemoveAll(repo); err != nil {
		t.Fatal(err)
	}
	if _, fetched, err := syncGitDependency(m.DepsDir(), "helper", Dependency{Git: repo, Tag: "v1"}); err != nil || fetched {
		t.Errorf("resync = fetched %v, %v", fetched, err)
	}
}

func TestGitDependencyErrors(t *testing.T) {
	repo := gitRepo(t, "helper")
	m, _ := Default(t.TempDir())
	m.Dependencies = map[string]Dependency{"helper": {Git: repo, Tag: "v9"}}

	_, _, err := NewResolver(m).Locate("helper")
	if !errors.Is(err, ErrDependencyFetch) {
		t.Fatalf("unknown tag: err = %v", err)
	}
	if !strings.Contains(err.Error(), "dependency helper: git clone") {
		t.Errorf("error = %q", err)
	}
	if _, statErr := os.Stat(filepath.Join(m.DepsDir(), "helper@v9")); !os.IsNotExist(statErr) {
		t.Error("failed clone left a checkout behind")
	}
}
