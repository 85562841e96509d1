// Package state persists worker, ralph-loop, and heartbeat records as
// flock-guarded JSON stores under the swarm state root.
package state

import (
	"errors"
	"fmt"
	"time"
)

// Worker status values. Status is ephemeral: it records the last observation
// and is re-validated against tmux windows or the process table before use.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// Common errors
var (
	ErrWorkerExists   = errors.New("worker already exists")
	ErrWorkerNotFound = errors.New("worker not found")
)

// MuxInfo locates a worker's tmux window. Socket selects a separate tmux
// server; empty means the default server.
type MuxInfo struct {
	Session string `json:"session"`
	Window  string `json:"window"`
	Socket  string `json:"socket,omitempty"`
}

// WorktreeInfo records the git worktree a worker owns.
type WorktreeInfo struct {
	Path     string `json:"path"`
	Branch   string `json:"branch"`
	BaseRepo string `json:"base_repo"`
}

// WorkerMeta carries ralph bookkeeping on the worker record.
type WorkerMeta struct {
	Ralph          bool `json:"ralph,omitempty"`
	RalphIteration int  `json:"ralph_iteration,omitempty"`
}

// Worker is one registry record. Exactly one of Mux and PID is set: a worker
// lives either in a tmux window or as a bare background process. The
// serialized form keeps both as optional fields for on-disk compatibility.
type Worker struct {
	Name      string            `json:"name"`
	Status    string            `json:"status"`
	Command   []string          `json:"command"`
	StartedAt time.Time         `json:"started_at"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Mux       *MuxInfo          `json:"mux_info"`
	Worktree  *WorktreeInfo     `json:"worktree_info"`
	PID       *int              `json:"pid"`
	Metadata  *WorkerMeta       `json:"metadata,omitempty"`
}

// IsMux reports whether the worker runs inside the multiplexer.
func (w *Worker) IsMux() bool {
	return w.Mux != nil
}

// IsProcess reports whether the worker runs as a bare process.
func (w *Worker) IsProcess() bool {
	return w.PID != nil
}

// HasTag reports whether the worker carries the given tag.
func (w *Worker) HasTag(tag string) bool {
	for _, t := range w.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Store snapshots hand out clones so callers
// cannot mutate registry state in place.
func (w *Worker) Clone() *Worker {
	c := *w
	c.Command = append([]string(nil), w.Command...)
	c.Tags = append([]string(nil), w.Tags...)
	if w.Env != nil {
		c.Env = make(map[string]string, len(w.Env))
		for k, v := range w.Env {
			c.Env[k] = v
		}
	}
	if w.Mux != nil {
		m := *w.Mux
		c.Mux = &m
	}
	if w.Worktree != nil {
		wt := *w.Worktree
		c.Worktree = &wt
	}
	if w.PID != nil {
		pid := *w.PID
		c.PID = &pid
	}
	if w.Metadata != nil {
		md := *w.Metadata
		c.Metadata = &md
	}
	return &c
}

// Validate checks record invariants before the store accepts it.
func (w *Worker) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("worker name is empty")
	}
	if len(w.Command) == 0 {
		return fmt.Errorf("worker %s: command is empty", w.Name)
	}
	muxSet := w.Mux != nil
	pidSet := w.PID != nil
	if muxSet == pidSet {
		return fmt.Errorf("worker %s: exactly one of mux_info and pid must be set", w.Name)
	}
	if w.Worktree != nil && w.Cwd != w.Worktree.Path {
		return fmt.Errorf("worker %s: cwd %q does not match worktree path %q", w.Name, w.Cwd, w.Worktree.Path)
	}
	return nil
}
