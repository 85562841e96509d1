package git

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// initTestRepo creates a repo with one commit so branches can be created.
func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial")

	return dir
}

func TestRepoRoot(t *testing.T) {
	dir := initTestRepo(t)

	root, err := New(dir).RepoRoot()
	if err != nil {
		t.Fatalf("RepoRoot: %v", err)
	}
	// macOS TempDir may come back through a symlink; compare resolved paths.
	wantResolved, _ := filepath.EvalSymlinks(dir)
	gotResolved, _ := filepath.EvalSymlinks(root)
	if gotResolved != wantResolved {
		t.Errorf("RepoRoot = %q, want %q", gotResolved, wantResolved)
	}
}

func TestRepoRootNotARepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	_, err := New(t.TempDir()).RepoRoot()
	if !errors.Is(err, ErrNotARepository) {
		t.Fatalf("RepoRoot = %v, want ErrNotARepository", err)
	}
}

func TestBranchExists(t *testing.T) {
	dir := initTestRepo(t)
	g := New(dir)

	current, err := g.CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	exists, err := g.BranchExists(current)
	if err != nil || !exists {
		t.Fatalf("BranchExists(%s) = %v, %v", current, exists, err)
	}

	exists, err = g.BranchExists("no-such-branch")
	if err != nil {
		t.Fatalf("BranchExists: %v", err)
	}
	if exists {
		t.Error("nonexistent branch reported as existing")
	}
}

func TestWorktreeAddCreatesBranch(t *testing.T) {
	dir := initTestRepo(t)
	g := New(dir)
	wt := filepath.Join(t.TempDir(), "wt-alpha")

	if err := g.WorktreeAdd(wt, "alpha"); err != nil {
		t.Fatalf("WorktreeAdd: %v", err)
	}
	if _, err := os.Stat(filepath.Join(wt, "README.md")); err != nil {
		t.Error("worktree missing checked-out files")
	}
	exists, _ := g.BranchExists("alpha")
	if !exists {
		t.Error("branch alpha was not created")
	}

	branch, err := New(wt).CurrentBranch()
	if err != nil || branch != "alpha" {
		t.Errorf("worktree branch = %q, %v, want alpha", branch, err)
	}
}

func TestWorktreeAddReusesBranch(t *testing.T) {
	dir := initTestRepo(t)
	g := New(dir)

	wt1 := filepath.Join(t.TempDir(), "wt1")
	if err := g.WorktreeAdd(wt1, "shared"); err != nil {
		t.Fatalf("WorktreeAdd: %v", err)
	}
	if err := g.WorktreeRemove(wt1, false); err != nil {
		t.Fatalf("WorktreeRemove: %v", err)
	}

	// Branch survives worktree removal and is reused, not duplicated.
	wt2 := filepath.Join(t.TempDir(), "wt2")
	if err := g.WorktreeAdd(wt2, "shared"); err != nil {
		t.Fatalf("WorktreeAdd (reuse): %v", err)
	}
}

func TestWorktreeAddNotARepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	g := New(t.TempDir())
	err := g.WorktreeAdd(filepath.Join(t.TempDir(), "wt"), "branch")
	if !errors.Is(err, ErrNotARepository) {
		t.Fatalf("WorktreeAdd = %v, want ErrNotARepository", err)
	}
}

func TestWorktreeRemoveIdempotent(t *testing.T) {
	dir := initTestRepo(t)
	g := New(dir)
	if err := g.WorktreeRemove(filepath.Join(t.TempDir(), "never-existed"), false); err != nil {
		t.Fatalf("WorktreeRemove on missing path = %v, want nil", err)
	}
}

func TestWorktreeRemoveDirtyProtection(t *testing.T) {
	dir := initTestRepo(t)
	g := New(dir)
	wt := filepath.Join(t.TempDir(), "wt-dirty")
	if err := g.WorktreeAdd(wt, "dirty-branch"); err != nil {
		t.Fatalf("WorktreeAdd: %v", err)
	}

	for _, name := range []string{"a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(wt, name), []byte("uncommitted\n"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	err := g.WorktreeRemove(wt, false)
	var dirty *DirtyError
	if !errors.As(err, &dirty) {
		t.Fatalf("WorktreeRemove = %v, want DirtyError", err)
	}
	if dirty.ChangeCount != 2 {
		t.Errorf("ChangeCount = %d, want 2", dirty.ChangeCount)
	}

	// force discards the changes.
	if err := g.WorktreeRemove(wt, true); err != nil {
		t.Fatalf("WorktreeRemove --force: %v", err)
	}
	if _, err := os.Stat(wt); !os.IsNotExist(err) {
		t.Error("worktree still present after forced removal")
	}
}

func TestIsDirty(t *testing.T) {
	dir := initTestRepo(t)
	g := New(dir)

	if g.IsDirty(dir) {
		t.Error("clean repo reported dirty")
	}
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !g.IsDirty(dir) {
		t.Error("repo with untracked file reported clean")
	}
}

func TestDefaultWorktreePath(t *testing.T) {
	got := DefaultWorktreePath("/home/user/myproject", "alpha")
	want := filepath.Join("/home/user", "myproject-worktrees", "alpha")
	if got != want {
		t.Errorf("DefaultWorktreePath = %q, want %q", got, want)
	}
}
