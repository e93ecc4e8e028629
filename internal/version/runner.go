package version

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/arctek/agentforge/internal/errkind"
)

// runGit invokes git with an argv list (never a shell) in dir, pointing
// GIT_CONFIG_GLOBAL and GIT_CONFIG_SYSTEM at the null device so host
// config can never influence behavior (spec.md §4.4 Subprocess
// discipline), generalized from the teacher's git/worktree.go
// runGit/runGitOutput pair.
func runGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_CONFIG_GLOBAL="+os.DevNull,
		"GIT_CONFIG_SYSTEM="+os.DevNull,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if isGitNotFound(err) {
			return nil, errkind.Wrap(errkind.GitUnavailable, fmt.Errorf("git not found on PATH: %w", err))
		}
		return nil, fmt.Errorf("git %v failed: %w: %s", args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func isGitNotFound(err error) bool {
	var pathErr *exec.Error
	if errors.As(err, &pathErr) {
		return pathErr.Err == exec.ErrNotFound
	}
	return false
}
