package version

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arctek/agentforge/internal/errkind"
)

// validate resolves path and enforces the sandbox invariants of spec.md
// §4.4: absolute + normalized, rooted under the configured projects/
// root, never containing ".." anywhere in the raw input (not only as a
// path segment), and —
// if the path already exists — not escaping the root via a symlink.
func (s *Store) validate(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", errkind.Wrap(errkind.SandboxViolation, fmt.Errorf("path %q contains \"..\"", path))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errkind.Wrap(errkind.SandboxViolation, fmt.Errorf("failed to resolve path %q: %w", path, err))
	}
	abs = filepath.Clean(abs)

	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return "", errkind.Wrap(errkind.SandboxViolation, fmt.Errorf("failed to resolve sandbox root: %w", err))
	}
	rootAbs = filepath.Clean(rootAbs)

	if !withinRoot(abs, rootAbs) {
		return "", errkind.Wrap(errkind.SandboxViolation, fmt.Errorf("path %q escapes sandbox root %q", path, rootAbs))
	}

	if info, statErr := os.Lstat(abs); statErr == nil {
		real := abs
		if info.Mode()&os.ModeSymlink != 0 {
			resolved, evalErr := filepath.EvalSymlinks(abs)
			if evalErr != nil {
				return "", errkind.Wrap(errkind.SandboxViolation, fmt.Errorf("failed to resolve symlink %q: %w", abs, evalErr))
			}
			real = resolved
		} else {
			// Even a non-symlink leaf can sit under a symlinked
			// ancestor directory; resolve the whole chain.
			if resolved, evalErr := filepath.EvalSymlinks(abs); evalErr == nil {
				real = resolved
			}
		}
		real = filepath.Clean(real)
		if !withinRoot(real, rootAbs) {
			return "", errkind.Wrap(errkind.SandboxViolation, fmt.Errorf("path %q resolves outside sandbox root via symlink", path))
		}
	}

	return abs, nil
}

func withinRoot(abs, root string) bool {
	if abs == root {
		return true
	}
	return strings.HasPrefix(abs, root+string(filepath.Separator))
}
