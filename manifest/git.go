package manifest

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrDependencyFetch is returned when a git dependency cannot be checked
// out.
var ErrDependencyFetch = errors.New("dependency fetch failed")

// checkoutDir is where a git dependency is checked out under depsDir. Each
// tag gets its own directory so projects pinning different tags of one
// repository do not disturb each other; untagged dependencies track the
// remote's default branch in <name>@head.
func checkoutDir(depsDir, name string, dep Dependency) string {
	ref := dep.Tag
	if ref == "" {
		ref = "head"
	}
	ref = strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(ref)
	return filepath.Join(depsDir, name+"@"+ref)
}

// syncGitDependency makes sure the checkout for dep exists and returns its
// directory. A tagged checkout is immutable once cloned; an untagged one
// is fast-forwarded on every sync.
func syncGitDependency(depsDir, name string, dep Dependency) (dir string, fetched bool, err error) {
	dir = checkoutDir(depsDir, name, dep)
	if _, err := os.Stat(dir); err == nil {
		if dep.Tag != "" {
			return dir, false, nil
		}
		if err := git(dir, "pull", "--quiet", "--ff-only"); err != nil {
			return "", false, err
		}
		return dir, true, nil
	}

	if err := os.MkdirAll(depsDir, 0755); err != nil {
		return "", false, err
	}
	args := []string{"clone", "--quiet", "--depth", "1"}
	if dep.Tag != "" {
		args = append(args, "--branch", dep.Tag)
	}
	args = append(args, dep.Git, dir)
	if err := git("", args...); err != nil {
		os.RemoveAll(dir)
		return "", false, err
	}
	return dir, true, nil
}

func git(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %s: %s: %w (%v)",
			args[0], strings.TrimSpace(string(out)), ErrDependencyFetch, err)
	}
	return nil
}
