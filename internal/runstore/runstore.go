// Package runstore manages one run's scoped store directory on disk (spec
// §3 Run: "Scoped store directory on disk for rollouts and logs"): creation,
// removal, and safe path resolution for claim/deliverable paths that must
// never escape the run directory (spec §4.7's "resolve deliverable_path
// against the run store (must remain inside it)", testable property #4).
package runstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir is one run's store directory.
type Dir struct {
	Root string // absolute, canonicalized path.
}

// Create makes a fresh run directory at filepath.Join(parent, runID) and
// returns a Dir for it. It fails if the directory already exists.
func Create(parent, runID string) (*Dir, error) {
	root := filepath.Join(parent, runID)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("runstore: create parent %s: %w", parent, err)
	}
	if err := os.Mkdir(root, 0o755); err != nil {
		return nil, fmt.Errorf("runstore: create run dir %s: %w", root, err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Dir{Root: abs}, nil
}

// Remove deletes the run directory and everything under it (used on spawn
// failure cleanup and on normal teardown per spec §4.7).
func (d *Dir) Remove() error {
	return os.RemoveAll(d.Root)
}

// Resolve resolves rel (relative to d.Root, or an absolute path) and
// verifies the result stays inside d.Root. It does not require the target
// to exist, only that any existing symlinked ancestors don't escape — a
// resolved path whose parent directory exists is canonicalized via that
// parent's EvalSymlinks so a symlink swap can't later redirect outside Root.
func (d *Dir) Resolve(rel string) (string, error) {
	var candidate string
	if filepath.IsAbs(rel) {
		candidate = filepath.Clean(rel)
	} else {
		candidate = filepath.Clean(filepath.Join(d.Root, rel))
	}

	if !within(d.Root, candidate) {
		return "", fmt.Errorf("runstore: path %q escapes run directory %q", rel, d.Root)
	}

	resolvedDir, err := filepath.EvalSymlinks(filepath.Dir(candidate))
	if err == nil {
		candidate = filepath.Join(resolvedDir, filepath.Base(candidate))
		if !within(d.Root, candidate) {
			return "", fmt.Errorf("runstore: path %q escapes run directory %q after symlink resolution", rel, d.Root)
		}
	}

	return candidate, nil
}

func within(root, candidate string) bool {
	root = filepath.Clean(root)
	if candidate == root {
		return true
	}
	return strings.HasPrefix(candidate, root+string(os.PathSeparator))
}

// SubDir returns (creating if needed) a subdirectory of d, e.g. one per
// spawned role's rollout files.
func (d *Dir) SubDir(name string) (string, error) {
	path := filepath.Join(d.Root, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
