// Package heartbeat runs the scheduler that delivers periodic nudge
// messages to workers. One scheduler process serves one worker; the
// record in <root>/heartbeats/<worker>.json is the source of truth, so
// pause/resume/stop from other invocations take effect by editing it.
package heartbeat

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/swarmctl/swarm/internal/state"
	"github.com/swarmctl/swarm/internal/tmux"
	"github.com/swarmctl/swarm/internal/worker"
)

// ErrNotBeatable indicates the target worker cannot receive heartbeats:
// it is not a mux worker, so there is no pane to type into.
var ErrNotBeatable = errors.New("worker has no tmux window to heartbeat")

// Scheduler drives one worker's heartbeat to a terminal state.
type Scheduler struct {
	beats *state.HeartbeatStore
	mgr   *worker.Manager
	poll  time.Duration
}

// NewScheduler creates a scheduler over the given state root.
func NewScheduler(root string, poll time.Duration) *Scheduler {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Scheduler{
		beats: state.NewHeartbeatStore(root),
		mgr:   worker.NewManager(root),
		poll:  poll,
	}
}

// Run polls the heartbeat record until it reaches a terminal state
// (expired or stopped) or the worker dies. Between polls an fsnotify
// watch on the record file wakes the loop early, so a pause or stop
// written by another process is honored promptly rather than on the
// next poll boundary.
func (s *Scheduler) Run(workerName string) error {
	wake, closeWatch := s.watchRecord(workerName)
	defer closeWatch()

	for {
		h, err := s.beats.Get(workerName)
		if err != nil {
			// Record removed out from under us: nothing left to drive.
			if errors.Is(err, state.ErrHeartbeatNotFound) {
				return nil
			}
			return err
		}

		now := time.Now()
		switch {
		case h.Status == state.HeartbeatStopped || h.Status == state.HeartbeatExpired:
			return nil

		case h.Expired(now):
			return s.beats.Update(workerName, func(u *state.Heartbeat) {
				u.Status = state.HeartbeatExpired
			})

		case h.Status == state.HeartbeatPaused:
			// Paused records keep their schedule; beats missed while
			// paused are not replayed on resume.

		case h.Due(now):
			if err := s.beat(h); err != nil {
				if errors.Is(err, state.ErrWorkerNotFound) || errors.Is(err, ErrNotBeatable) ||
					errors.Is(err, tmux.ErrTargetMissing) || errors.Is(err, tmux.ErrUnavailable) {
					return s.beats.Update(workerName, func(u *state.Heartbeat) {
						u.Status = state.HeartbeatStopped
					})
				}
				fmt.Fprintf(os.Stderr, "Warning: heartbeat for %s failed: %v\n", workerName, err)
			}
		}

		s.sleep(wake)
	}
}

// beat verifies the worker is alive and delivers one message. Callers
// decide whether a failure is terminal for the schedule.
func (s *Scheduler) beat(h *state.Heartbeat) error {
	w, err := s.mgr.Store().Get(h.WorkerName)
	if err != nil {
		return err
	}
	if !w.IsMux() {
		return ErrNotBeatable
	}
	if s.mgr.RefreshStatus(w) != state.StatusRunning {
		return fmt.Errorf("%w: %s", state.ErrWorkerNotFound, h.WorkerName)
	}

	t := tmux.NewWithSocket(w.Mux.Socket)
	if err := t.SendMessage(w.Mux.Session, w.Mux.Window, h.Message); err != nil {
		return err
	}

	return s.beats.Update(h.WorkerName, func(u *state.Heartbeat) {
		now := time.Now()
		u.LastBeatAt = &now
		u.BeatCount++
	})
}

// sleep waits one poll interval, or less if the record file changes.
func (s *Scheduler) sleep(wake <-chan struct{}) {
	if wake == nil {
		time.Sleep(s.poll)
		return
	}
	select {
	case <-wake:
	case <-time.After(s.poll):
	}
}

// watchRecord sets up an fsnotify watch on the heartbeats directory and
// forwards events for this worker's record file. Watching the directory
// rather than the file works even before the record exists and stays live
// across a remove-and-recreate. A watch failure degrades to plain polling.
func (s *Scheduler) watchRecord(workerName string) (<-chan struct{}, func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: heartbeat watch unavailable: %v\n", err)
		return nil, func() {}
	}

	recordPath := s.beats.Path(workerName)
	if err := watcher.Add(filepath.Dir(recordPath)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: heartbeat watch unavailable: %v\n", err)
		watcher.Close()
		return nil, func() {}
	}

	wake := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != recordPath {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return wake, func() { _ = watcher.Close() }
}

// Start creates an active heartbeat record for a worker. The worker must
// exist and be a mux worker; process-mode workers have no pane to nudge.
func Start(root, workerName, message string, interval time.Duration, expireAt *time.Time) (*state.Heartbeat, error) {
	mgr := worker.NewManager(root)
	w, err := mgr.Store().Get(workerName)
	if err != nil {
		return nil, err
	}
	if !w.IsMux() {
		return nil, ErrNotBeatable
	}

	h := &state.Heartbeat{
		WorkerName:      workerName,
		IntervalSeconds: int(interval / time.Second),
		ExpireAt:        expireAt,
		Message:         message,
		CreatedAt:       time.Now(),
		Status:          state.HeartbeatActive,
	}
	if err := state.NewHeartbeatStore(root).Put(h); err != nil {
		return nil, err
	}
	return h, nil
}

// setStatus transitions a heartbeat record, rejecting transitions out of
// terminal states.
func setStatus(root, workerName, from1, from2, to string) error {
	return state.NewHeartbeatStore(root).Update(workerName, func(h *state.Heartbeat) {
		if h.Status != from1 && h.Status != from2 {
			return
		}
		h.Status = to
	})
}

// Pause suspends beats for a worker without losing the schedule.
func Pause(root, workerName string) error {
	return setStatus(root, workerName, state.HeartbeatActive, state.HeartbeatActive, state.HeartbeatPaused)
}

// Resume reactivates a paused heartbeat.
func Resume(root, workerName string) error {
	return setStatus(root, workerName, state.HeartbeatPaused, state.HeartbeatPaused, state.HeartbeatActive)
}

// Stop terminates a heartbeat. The record is kept for inspection.
func Stop(root, workerName string) error {
	return setStatus(root, workerName, state.HeartbeatActive, state.HeartbeatPaused, state.HeartbeatStopped)
}
