package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Ralph loop status values.
const (
	RalphRunning = "running"
	RalphPaused  = "paused"
	RalphStopped = "stopped"
	RalphFailed  = "failed"
)

// Exit reasons recorded when a loop reaches a terminal state.
const (
	ExitDonePattern         = "done_pattern"
	ExitMaxIterations       = "max_iterations"
	ExitKilled              = "killed"
	ExitFailed              = "failed"
	ExitMonitorDisconnected = "monitor_disconnected"
)

// Iteration log events for iterations.log lines.
const (
	EventStart  = "START"
	EventEnd    = "END"
	EventDone   = "DONE"
	EventFail   = "FAIL"
	EventPause  = "PAUSE"
	EventResume = "RESUME"
)

// ErrRalphNotFound indicates no loop state exists for a worker.
var ErrRalphNotFound = errors.New("ralph loop not found")

// DefaultInactivitySeconds is the default screen-stability timeout.
const DefaultInactivitySeconds = 180

// RalphLoop is the persistent record of one restart loop, stored at
// <root>/ralph/<worker>/state.json.
type RalphLoop struct {
	WorkerName          string     `json:"worker_name"`
	RunID               string     `json:"run_id,omitempty"`
	PromptFilePath      string     `json:"prompt_file_path"`
	MaxIterations       int        `json:"max_iterations"`
	CurrentIteration    int        `json:"current_iteration"`
	Status              string     `json:"status"`
	StartedAt           time.Time  `json:"started_at"`
	IterationStartedAt  *time.Time `json:"iteration_started_at"`
	IterationEndedAt    *time.Time `json:"iteration_ended_at"`
	IterationDurations  []float64  `json:"iteration_durations"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalFailures       int        `json:"total_failures"`
	DonePattern         string     `json:"done_pattern,omitempty"`
	InactivitySeconds   int        `json:"inactivity_timeout_seconds"`
	CheckDoneContinuous bool       `json:"check_done_continuous"`
	ExitReason          string     `json:"exit_reason,omitempty"`
	PromptBaseline      string     `json:"prompt_baseline_content,omitempty"`
}

// Terminal reports whether the loop has finished.
func (r *RalphLoop) Terminal() bool {
	return r.Status == RalphStopped || r.Status == RalphFailed
}

// ETA estimates remaining time from the mean iteration duration. Returns
// zero when no iterations have completed.
func (r *RalphLoop) ETA() time.Duration {
	if len(r.IterationDurations) == 0 {
		return 0
	}
	var total float64
	for _, d := range r.IterationDurations {
		total += d
	}
	mean := total / float64(len(r.IterationDurations))
	remaining := r.MaxIterations - r.CurrentIteration
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(mean*float64(remaining)) * time.Second
}

// RalphStore persists ralph loop records, one directory per worker.
type RalphStore struct {
	root string
}

// NewRalphStore creates a ralph store under the state root.
func NewRalphStore(root string) *RalphStore {
	return &RalphStore{root: root}
}

func (s *RalphStore) dir(worker string) string {
	return filepath.Join(s.root, "ralph", worker)
}

func (s *RalphStore) statePath(worker string) string {
	return filepath.Join(s.dir(worker), "state.json")
}

// LogPath returns the per-worker iterations.log path.
func (s *RalphStore) LogPath(worker string) string {
	return filepath.Join(s.dir(worker), "iterations.log")
}

func (s *RalphStore) withLock(worker string, fn func() error) error {
	if err := os.MkdirAll(s.dir(worker), 0755); err != nil {
		return fmt.Errorf("creating ralph dir: %w", err)
	}
	fl := flock.New(filepath.Join(s.dir(worker), "state.lock"))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquiring ralph lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}

func (s *RalphStore) load(worker string) (*RalphLoop, error) {
	data, err := os.ReadFile(s.statePath(worker))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRalphNotFound, worker)
		}
		return nil, fmt.Errorf("reading ralph state: %w", err)
	}
	var r RalphLoop
	if err := json.Unmarshal(data, &r); err != nil {
		corrupted := s.statePath(worker) + ".corrupted"
		if renameErr := os.Rename(s.statePath(worker), corrupted); renameErr == nil {
			fmt.Fprintf(os.Stderr, "Warning: corrupted ralph state moved to %s\n", corrupted)
		}
		return nil, fmt.Errorf("%w: %s", ErrRalphNotFound, worker)
	}
	return &r, nil
}

func (s *RalphStore) save(r *RalphLoop) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ralph state: %w", err)
	}
	if err := os.WriteFile(s.statePath(r.WorkerName), data, 0644); err != nil {
		return fmt.Errorf("writing ralph state: %w", err)
	}
	return nil
}

// Put writes a full record under the lock.
func (s *RalphStore) Put(r *RalphLoop) error {
	return s.withLock(r.WorkerName, func() error {
		return s.save(r)
	})
}

// Get returns a snapshot of the loop record for a worker.
func (s *RalphStore) Get(worker string) (*RalphLoop, error) {
	var result *RalphLoop
	err := s.withLock(worker, func() error {
		r, err := s.load(worker)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Update applies fn to the stored record under the lock.
func (s *RalphStore) Update(worker string, fn func(*RalphLoop)) error {
	return s.withLock(worker, func() error {
		r, err := s.load(worker)
		if err != nil {
			return err
		}
		fn(r)
		return s.save(r)
	})
}

// Remove deletes a worker's entire ralph state directory, including the
// iterations log. Idempotent.
func (s *RalphStore) Remove(worker string) error {
	return os.RemoveAll(s.dir(worker))
}

// AppendLog appends one line to iterations.log:
// <iso_timestamp> [<event>] <text>
func (s *RalphStore) AppendLog(worker, event, text string) error {
	if err := os.MkdirAll(s.dir(worker), 0755); err != nil {
		return fmt.Errorf("creating ralph dir: %w", err)
	}
	f, err := os.OpenFile(s.LogPath(worker), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening iterations log: %w", err)
	}
	defer f.Close()
	line := fmt.Sprintf("%s [%s] %s\n", time.Now().Format(time.RFC3339Nano), event, text)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("appending iterations log: %w", err)
	}
	return nil
}
