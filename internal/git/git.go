// Package git provides a wrapper for git worktree operations via subprocess.
package git

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Common errors
var (
	// ErrNotARepository means the base path is not inside a git repository.
	ErrNotARepository = errors.New("not a git repository")
)

// DirtyError reports uncommitted work blocking a worktree removal. It
// carries the change count so callers can tell the user what would be lost.
type DirtyError struct {
	Path        string
	ChangeCount int
}

func (e *DirtyError) Error() string {
	return fmt.Sprintf("worktree %s has %d uncommitted change(s)", e.Path, e.ChangeCount)
}

// GitError contains raw output from a failed git command.
type GitError struct {
	Command string
	Args    []string
	Stdout  string
	Stderr  string
	Err     error
}

func (e *GitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %s", e.Command, e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", e.Command, e.Err)
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// Git wraps git operations for a working directory.
type Git struct {
	workDir string
}

// New creates a Git wrapper rooted at the given directory.
func New(workDir string) *Git {
	return &Git{workDir: workDir}
}

// run executes a git command and returns stdout.
func (g *Git) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if g.workDir != "" {
		cmd.Dir = g.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", g.wrapError(err, stdout.String(), stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *Git) wrapError(err error, stdout, stderr string, args []string) error {
	command := ""
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			command = arg
			break
		}
	}
	if command == "" && len(args) > 0 {
		command = args[0]
	}
	return &GitError{
		Command: command,
		Args:    args,
		Stdout:  strings.TrimSpace(stdout),
		Stderr:  strings.TrimSpace(stderr),
		Err:     err,
	}
}

// IsRepo returns true if workDir is inside a git repository.
func (g *Git) IsRepo() bool {
	_, err := g.run("rev-parse", "--git-dir")
	return err == nil
}

// RepoRoot returns the top-level directory of the repository, or
// ErrNotARepository.
func (g *Git) RepoRoot() (string, error) {
	out, err := g.run("rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotARepository, g.workDir)
	}
	return out, nil
}

// BranchExists checks whether a local branch exists.
func (g *Git) BranchExists(name string) (bool, error) {
	_, err := g.run("show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) && gitErr.Stderr == "" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CurrentBranch returns the branch checked out in workDir.
func (g *Git) CurrentBranch() (string, error) {
	return g.run("rev-parse", "--abbrev-ref", "HEAD")
}

// WorktreeAdd creates a working tree at path on branch, creating the branch
// if absent and reusing it if present.
func (g *Git) WorktreeAdd(path, branch string) error {
	if !g.IsRepo() {
		return fmt.Errorf("%w: %s", ErrNotARepository, g.workDir)
	}
	exists, err := g.BranchExists(branch)
	if err != nil {
		return err
	}
	if exists {
		_, err = g.run("worktree", "add", path, branch)
	} else {
		_, err = g.run("worktree", "add", "-b", branch, path)
	}
	return err
}

// WorktreeRemove removes a worktree. If the path no longer exists the call
// succeeds idempotently. If the tree is dirty and force is false, the
// removal fails with a DirtyError carrying the change count.
func (g *Git) WorktreeRemove(path string, force bool) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Prune any stale administrative entry left behind
		_, _ = g.run("worktree", "prune")
		return nil
	}

	if !force {
		dirty, count := g.dirtyCount(path)
		if dirty {
			return &DirtyError{Path: path, ChangeCount: count}
		}
	}

	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	if _, err := g.run(args...); err != nil {
		return err
	}
	return nil
}

// IsDirty reports whether a worktree has staged changes, unstaged changes,
// or untracked files not covered by ignore rules. Fail-safe: on error the
// tree is reported dirty so nothing is destroyed on a bad read.
func (g *Git) IsDirty(path string) bool {
	dirty, _ := g.dirtyCount(path)
	return dirty
}

// dirtyCount returns dirtiness plus the number of changed entries.
func (g *Git) dirtyCount(path string) (bool, int) {
	wt := New(path)
	out, err := wt.run("status", "--porcelain")
	if err != nil {
		return true, 0
	}
	if out == "" {
		return false, 0
	}
	return true, len(strings.Split(out, "\n"))
}

// DefaultWorktreePath computes the conventional worktree location for a
// worker: <parent_of_base_repo>/<base_repo_name>-worktrees/<worker_name>.
func DefaultWorktreePath(baseRepo, workerName string) string {
	base := filepath.Clean(baseRepo)
	return filepath.Join(filepath.Dir(base), filepath.Base(base)+"-worktrees", workerName)
}
