// Package worker implements the lifecycle engine: transactional spawn with
// rollback, graceful-then-forceful kill, respawn, and status refresh.
package worker

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/swarmctl/swarm/internal/detect"
	"github.com/swarmctl/swarm/internal/git"
	"github.com/swarmctl/swarm/internal/state"
	"github.com/swarmctl/swarm/internal/tmux"
)

// Common errors
var (
	ErrEmptyCommand = errors.New("command is empty")
	ErrSpawnFailed  = errors.New("spawn failed")
)

// Mode selects how a worker runs.
type Mode string

const (
	// ModeMux runs the worker in a detached tmux window.
	ModeMux Mode = "mux"
	// ModeProcess runs the worker as a bare background process.
	ModeProcess Mode = "process"
)

// WorktreeConfig requests per-worker git isolation at spawn.
type WorktreeConfig struct {
	BaseRepo string // repository the worktree is created from
	Branch   string // branch to create or reuse; default worker name
	Path     string // override for the default placement
	Parent   string // directory for default placement; empty uses the repo-adjacent convention
}

// SpawnOptions configures a spawn.
type SpawnOptions struct {
	Name         string
	Command      []string
	Mode         Mode
	Worktree     *WorktreeConfig
	Env          map[string]string
	Tags         []string
	Cwd          string
	Session      string // explicit session override; default derived from state root
	Socket       string // explicit tmux server socket
	WaitReady    bool
	ReadyTimeout time.Duration
	Ralph        bool // mark the record as ralph-driven
}

// KillOptions configures a kill.
type KillOptions struct {
	RemoveWorktree bool
	ForceDirty     bool
}

// Manager is the lifecycle engine over the registry and the adapters.
type Manager struct {
	store *state.Store
	ralph *state.RalphStore
	beats *state.HeartbeatStore
}

// NewManager creates a lifecycle manager over the given state root.
func NewManager(root string) *Manager {
	return &Manager{
		store: state.NewStore(root),
		ralph: state.NewRalphStore(root),
		beats: state.NewHeartbeatStore(root),
	}
}

// Store exposes the worker registry.
func (m *Manager) Store() *state.Store {
	return m.store
}

// mux returns a tmux wrapper for the worker's socket.
func (m *Manager) mux(socket string) *tmux.Tmux {
	if socket != "" {
		return tmux.NewWithSocket(socket)
	}
	return tmux.New()
}

// DefaultSession returns the shared per-project session name.
func (m *Manager) DefaultSession() string {
	return tmux.SessionForRoot(m.store.Root())
}

// rollback is the deferred cleanup stack: steps push their undo, commit
// clears the stack on success, and a failure drains it in reverse order.
type rollback struct {
	steps []func() error
}

func (r *rollback) push(fn func() error) {
	r.steps = append(r.steps, fn)
}

func (r *rollback) commit() {
	r.steps = nil
}

// drain runs the undo steps newest-first. Undo failures are warnings, not
// errors: the original failure is what the caller needs to see.
func (r *rollback) drain() {
	for i := len(r.steps) - 1; i >= 0; i-- {
		if err := r.steps[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: rollback step failed: %v\n", err)
		}
	}
	r.steps = nil
}

// Spawn creates a worker transactionally: validate, worktree, window or
// process, registry add. Any failure after a completed step reverts the
// completed steps in reverse order and reports the original error. A
// readiness timeout after a successful spawn is a warning, never a rollback.
func (m *Manager) Spawn(opts SpawnOptions) (*state.Worker, error) {
	// Step 1: validation. The duplicate-name probe here gives a fast
	// diagnostic; the authoritative check is inside store.Add's critical
	// section, so a concurrent spawn race still has exactly one winner.
	if len(opts.Command) == 0 {
		return nil, ErrEmptyCommand
	}
	if err := tmux.ValidateName(opts.Name); err != nil {
		return nil, err
	}
	if _, err := m.store.Get(opts.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", state.ErrWorkerExists, opts.Name)
	}
	for k := range opts.Env {
		if k == "" || strings.ContainsAny(k, "= \t") {
			return nil, fmt.Errorf("invalid environment key %q", k)
		}
	}

	var rb rollback
	var worktreeInfo *state.WorktreeInfo
	cwd := opts.Cwd

	// Step 2: worktree. A reused worktree is never pushed onto the rollback
	// stack: unwinding a failed spawn must not destroy a tree that predates
	// it.
	if opts.Worktree != nil {
		info, created, err := m.createWorktree(opts.Name, opts.Worktree)
		if err != nil {
			return nil, err
		}
		worktreeInfo = info
		cwd = info.Path
		if created {
			rb.push(func() error {
				return git.New(info.BaseRepo).WorktreeRemove(info.Path, true)
			})
		}
	}
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	now := time.Now()
	w := &state.Worker{
		Name:      opts.Name,
		Status:    state.StatusRunning,
		Command:   append([]string(nil), opts.Command...),
		StartedAt: now,
		Cwd:       cwd,
		Env:       opts.Env,
		Tags:      opts.Tags,
		Worktree:  worktreeInfo,
	}
	if opts.Ralph {
		w.Metadata = &state.WorkerMeta{Ralph: true}
	}

	// Step 3: window or process.
	switch opts.Mode {
	case ModeMux, "":
		session := opts.Session
		if session == "" {
			session = m.DefaultSession()
		}
		t := m.mux(opts.Socket)
		if err := t.EnsureSession(session, cwd); err != nil {
			rb.drain()
			return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		cmdline := tmux.QuoteCommand(opts.Command)
		if err := t.NewWindow(session, opts.Name, cwd, cmdline, opts.Env); err != nil {
			rb.drain()
			return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		rb.push(func() error { return t.KillWindow(session, opts.Name) })
		w.Mux = &state.MuxInfo{Session: session, Window: opts.Name, Socket: opts.Socket}

	case ModeProcess:
		pid, closeLogs, err := m.startProcess(opts.Name, opts.Command, cwd, opts.Env)
		if err != nil {
			rb.drain()
			return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		rb.push(func() error {
			closeLogs()
			_ = syscall.Kill(pid, syscall.SIGKILL)
			return nil
		})
		w.PID = &pid

	default:
		rb.drain()
		return nil, fmt.Errorf("unknown mode %q", opts.Mode)
	}

	// Step 4: registry add. ErrWorkerExists here means we lost the benign
	// race against a concurrent spawn; roll back our side.
	if err := m.store.Add(w); err != nil {
		rb.drain()
		return nil, err
	}
	rb.commit()

	// Step 5: optional readiness wait. Timeouts warn but never unwind a
	// healthy spawn.
	if opts.WaitReady && w.IsMux() {
		t := m.mux(opts.Socket)
		res, err := detect.WaitReady(t, w.Mux.Session, w.Mux.Window, opts.ReadyTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: readiness check failed: %v\n", err)
		} else if res.Blocked {
			fmt.Fprintf(os.Stderr, "Warning: worker %s blocked on interactive setup (matched %q)\n",
				w.Name, res.BlockedOn)
		} else if !res.Ready {
			fmt.Fprintf(os.Stderr, "Warning: worker %s not ready before timeout\n", w.Name)
		}
	}

	return w, nil
}

// createWorktree resolves defaults and creates the isolation worktree. A
// worktree left in place by an earlier incarnation of the same worker — a
// ralph restart, a respawn — is reused rather than recreated, so commits
// made there carry across. The created result reports whether this call
// made the tree.
func (m *Manager) createWorktree(name string, cfg *WorktreeConfig) (*state.WorktreeInfo, bool, error) {
	base := cfg.BaseRepo
	if base == "" {
		base, _ = os.Getwd()
	}
	g := git.New(base)
	root, err := g.RepoRoot()
	if err != nil {
		return nil, false, err
	}

	branch := cfg.Branch
	if branch == "" {
		branch = name
	}
	path := cfg.Path
	if path == "" {
		if cfg.Parent != "" {
			path = filepath.Join(cfg.Parent, name)
		} else {
			path = git.DefaultWorktreePath(root, name)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false, fmt.Errorf("resolving worktree path: %w", err)
	}

	// Reuse an existing checkout of the requested branch at the target path.
	if st, statErr := os.Stat(abs); statErr == nil && st.IsDir() {
		wt := git.New(abs)
		if top, rootErr := wt.RepoRoot(); rootErr == nil && sameDir(top, abs) {
			if cur, brErr := wt.CurrentBranch(); brErr == nil && cur == branch {
				return &state.WorktreeInfo{Path: abs, Branch: branch, BaseRepo: root}, false, nil
			}
		}
	}

	if err := git.New(root).WorktreeAdd(abs, branch); err != nil {
		return nil, false, fmt.Errorf("creating worktree: %w", err)
	}
	return &state.WorktreeInfo{Path: abs, Branch: branch, BaseRepo: root}, true, nil
}

// sameDir compares two paths with symlinks resolved (macOS /tmp is one).
func sameDir(a, b string) bool {
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		return a == b
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		return a == b
	}
	return ra == rb
}

// startProcess launches a detached process with stdout/stderr redirected to
// per-worker log files under <root>/logs/. Returns the PID and a closer for
// the log handles.
func (m *Manager) startProcess(name string, argv []string, cwd string, env map[string]string) (int, func(), error) {
	logDir := filepath.Join(m.store.Root(), "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return 0, nil, fmt.Errorf("creating log dir: %w", err)
	}

	stdout, err := os.OpenFile(filepath.Join(logDir, name+".stdout.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, nil, fmt.Errorf("opening stdout log: %w", err)
	}
	stderr, err := os.OpenFile(filepath.Join(logDir, name+".stderr.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		stdout.Close()
		return 0, nil, fmt.Errorf("opening stderr log: %w", err)
	}
	closeLogs := func() {
		stdout.Close()
		stderr.Close()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// New session so the worker survives this short-lived command exiting.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		closeLogs()
		return 0, nil, err
	}
	pid := cmd.Process.Pid
	// Reap in the background. The worker is tracked via the registry, not
	// this handle, but without a waiter the child would linger as a zombie
	// for as long as this process lives, and the signal-0 liveness probe
	// counts zombies as alive.
	go func() { _ = cmd.Wait() }()
	return pid, closeLogs, nil
}

// RefreshStatus observes current reality for a worker without mutating the
// registry: window existence for mux workers, a signal-0 probe for process
// workers.
func (m *Manager) RefreshStatus(w *state.Worker) string {
	switch {
	case w.IsMux():
		t := m.mux(w.Mux.Socket)
		exists, err := t.HasWindow(w.Mux.Session, w.Mux.Window)
		if err == nil && exists {
			return state.StatusRunning
		}
		return state.StatusStopped
	case w.IsProcess():
		if pidAlive(*w.PID) {
			return state.StatusRunning
		}
		return state.StatusStopped
	default:
		return state.StatusStopped
	}
}

// pidAlive probes a PID with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}

// killGracePeriod is how long a process gets after SIGTERM before SIGKILL.
const killGracePeriod = 5 * time.Second

// killPollInterval is the cadence of the post-SIGTERM liveness poll.
const killPollInterval = 100 * time.Millisecond

// Kill stops a worker: graceful then forceful for processes, window kill for
// mux workers. The record stays in the registry with status stopped, so
// repeated kills are idempotent. The worker's heartbeat, if any, is stopped.
// Sessions left without any registered sibling are torn down.
func (m *Manager) Kill(name string, opts KillOptions) error {
	w, err := m.store.Get(name)
	if err != nil {
		return err
	}

	switch {
	case w.IsProcess():
		m.killProcess(*w.PID)
	case w.IsMux():
		t := m.mux(w.Mux.Socket)
		if err := t.KillWindow(w.Mux.Session, w.Mux.Window); err != nil &&
			!errors.Is(err, tmux.ErrTargetMissing) && !errors.Is(err, tmux.ErrUnavailable) {
			return fmt.Errorf("killing window: %w", err)
		}
	}

	if err := m.store.Update(name, func(u *state.Worker) {
		u.Status = state.StatusStopped
	}); err != nil {
		return err
	}

	// Cross-store invariant enforced here, not assumed atomic: a killed
	// worker must not keep beating.
	if err := m.beats.Update(name, func(h *state.Heartbeat) {
		h.Status = state.HeartbeatStopped
	}); err != nil && !errors.Is(err, state.ErrHeartbeatNotFound) {
		fmt.Fprintf(os.Stderr, "Warning: stopping heartbeat: %v\n", err)
	}

	if opts.RemoveWorktree && w.Worktree != nil {
		g := git.New(w.Worktree.BaseRepo)
		if err := g.WorktreeRemove(w.Worktree.Path, opts.ForceDirty); err != nil {
			var dirty *git.DirtyError
			if errors.As(err, &dirty) {
				fmt.Fprintf(os.Stderr, "Warning: %v; pass --force-dirty to discard\n", dirty)
			} else {
				return fmt.Errorf("removing worktree: %w", err)
			}
		} else if w.Metadata != nil && w.Metadata.Ralph {
			if err := m.ralph.Remove(name); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: removing ralph state: %v\n", err)
			}
		}
	}

	if w.IsMux() {
		m.reapSession(w.Mux.Session, w.Mux.Socket, name)
	}
	return nil
}

// killProcess sends SIGTERM, polls for exit up to the grace period, then
// SIGKILLs. "No such process" at any point is silent success.
func (m *Manager) killProcess(pid int) {
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return
	}
	deadline := time.Now().Add(killGracePeriod)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return
		}
		time.Sleep(killPollInterval)
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

// reapSession kills the session iff no remaining worker references the same
// (session, socket) pair.
func (m *Manager) reapSession(session, socket, exclude string) {
	refs, err := m.store.SessionRefs(session, socket, exclude)
	if err != nil || refs > 0 {
		return
	}
	t := m.mux(socket)
	if err := t.KillSession(session); err != nil &&
		!errors.Is(err, tmux.ErrTargetMissing) && !errors.Is(err, tmux.ErrUnavailable) {
		fmt.Fprintf(os.Stderr, "Warning: killing session %s: %v\n", session, err)
	}
}

// Clean removes stopped workers' records from the registry. Running workers
// are left alone. Returns the removed names.
func (m *Manager) Clean() ([]string, error) {
	workers, err := m.store.ListAll()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, w := range workers {
		if m.RefreshStatus(w) == state.StatusRunning {
			continue
		}
		if err := m.store.Remove(w.Name); err != nil && !errors.Is(err, state.ErrWorkerNotFound) {
			return removed, err
		}
		removed = append(removed, w.Name)
	}
	return removed, nil
}

// RespawnOptions configures a respawn.
type RespawnOptions struct {
	CleanFirst   bool // remove and recreate the worktree on the same branch
	WaitReady    bool
	ReadyTimeout time.Duration
}

// Respawn restarts a worker with its original configuration: command, env,
// tags, cwd, session, and worktree are preserved; started_at and the
// window/PID are fresh. The old record is replaced, not accumulated.
func (m *Manager) Respawn(name string, opts RespawnOptions) (*state.Worker, error) {
	old, err := m.store.Get(name)
	if err != nil {
		return nil, err
	}

	if m.RefreshStatus(old) == state.StatusRunning {
		if err := m.Kill(name, KillOptions{}); err != nil {
			return nil, fmt.Errorf("killing before respawn: %w", err)
		}
	}

	if opts.CleanFirst && old.Worktree != nil {
		g := git.New(old.Worktree.BaseRepo)
		if err := g.WorktreeRemove(old.Worktree.Path, true); err != nil {
			return nil, fmt.Errorf("cleaning worktree: %w", err)
		}
		if err := g.WorktreeAdd(old.Worktree.Path, old.Worktree.Branch); err != nil {
			return nil, fmt.Errorf("recreating worktree: %w", err)
		}
	}

	fresh := old.Clone()
	fresh.StartedAt = time.Now()
	fresh.Status = state.StatusRunning

	switch {
	case old.IsMux():
		t := m.mux(old.Mux.Socket)
		if err := t.EnsureSession(old.Mux.Session, old.Cwd); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		cmdline := tmux.QuoteCommand(old.Command)
		if err := t.NewWindow(old.Mux.Session, old.Mux.Window, old.Cwd, cmdline, old.Env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
	case old.IsProcess():
		pid, _, err := m.startProcess(name, old.Command, old.Cwd, old.Env)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		fresh.PID = &pid
	}

	if err := m.store.Replace(name, fresh); err != nil {
		return nil, err
	}

	if opts.WaitReady && fresh.IsMux() {
		t := m.mux(fresh.Mux.Socket)
		res, err := detect.WaitReady(t, fresh.Mux.Session, fresh.Mux.Window, opts.ReadyTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: readiness check failed: %v\n", err)
		} else if !res.Ready {
			fmt.Fprintf(os.Stderr, "Warning: worker %s not ready before timeout\n", name)
		}
	}
	return fresh, nil
}

// ErrWaitTimeout is returned per still-running worker when Wait expires.
var ErrWaitTimeout = errors.New("wait timeout")

// Wait blocks until each named worker stops or the timeout expires. Workers
// observed stopped get their registry status updated. Returns the names
// still running on timeout, paired with ErrWaitTimeout.
func (m *Manager) Wait(names []string, timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)
	pending := append([]string(nil), names...)

	for len(pending) > 0 {
		var still []string
		for _, name := range pending {
			w, err := m.store.Get(name)
			if err != nil {
				return pending, err
			}
			if m.RefreshStatus(w) == state.StatusRunning {
				still = append(still, name)
				continue
			}
			_ = m.store.Update(name, func(u *state.Worker) {
				u.Status = state.StatusStopped
			})
		}
		pending = still
		if len(pending) == 0 {
			break
		}
		if timeout > 0 && time.Now().After(deadline) {
			return pending, fmt.Errorf("%w: %s", ErrWaitTimeout, strings.Join(pending, ", "))
		}
		time.Sleep(time.Second)
	}
	return nil, nil
}
