// Package ralph implements the autonomous restart loop: it re-invokes an
// agent across fresh context windows until a done-signal, iteration cap, or
// failure budget is reached. State persists on disk between iterations, so
// the agent stays sharp while the loop remembers.
package ralph

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/swarmctl/swarm/internal/detect"
	"github.com/swarmctl/swarm/internal/state"
	"github.com/swarmctl/swarm/internal/tmux"
	"github.com/swarmctl/swarm/internal/worker"
)

// maxConsecutiveFailures is the failure budget: the loop gives up after this
// many agent exits with a non-zero status in a row.
const maxConsecutiveFailures = 5

// maxBackoff caps the exponential inter-iteration backoff.
const maxBackoff = 300 * time.Second

// Common errors
var (
	ErrPromptUnreadable = errors.New("prompt file unreadable")
	ErrLoopTerminal     = errors.New("ralph loop already finished")
)

// Options configures a new ralph loop.
type Options struct {
	WorkerName          string
	Command             []string // agent argv, re-invoked each iteration
	PromptFile          string
	MaxIterations       int
	DonePattern         string
	InactivityTimeout   time.Duration
	CheckDoneContinuous bool
	Worktree            *worker.WorktreeConfig
	Env                 map[string]string
	Session             string
	Socket              string
	ReadyTimeout        time.Duration
}

// Runner drives one loop for one worker.
type Runner struct {
	mgr   *worker.Manager
	store *state.RalphStore
	opts  Options
	done  *regexp.Regexp
}

// NewRunner creates a runner over the given state root.
func NewRunner(root string, opts Options) (*Runner, error) {
	var done *regexp.Regexp
	if opts.DonePattern != "" {
		var err error
		done, err = regexp.Compile(opts.DonePattern)
		if err != nil {
			return nil, fmt.Errorf("compiling done pattern: %w", err)
		}
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = state.DefaultInactivitySeconds * time.Second
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 1
	}
	return &Runner{
		mgr:   worker.NewManager(root),
		store: state.NewRalphStore(root),
		opts:  opts,
		done:  done,
	}, nil
}

// Store exposes the ralph store, mainly for pause/resume commands.
func (r *Runner) Store() *state.RalphStore {
	return r.store
}

// Run executes the loop until a terminal state. Each invocation gets a fresh
// run ID so a resumed loop is distinguishable in the iterations log.
func (r *Runner) Run() (*state.RalphLoop, error) {
	loop := &state.RalphLoop{
		WorkerName:          r.opts.WorkerName,
		RunID:               ulid.Make().String(),
		PromptFilePath:      r.opts.PromptFile,
		MaxIterations:       r.opts.MaxIterations,
		Status:              state.RalphRunning,
		StartedAt:           time.Now(),
		DonePattern:         r.opts.DonePattern,
		InactivitySeconds:   int(r.opts.InactivityTimeout.Seconds()),
		CheckDoneContinuous: r.opts.CheckDoneContinuous,
	}

	// Resume over an existing record keeps iteration bookkeeping. A record
	// closed out as monitor_disconnected stays resumable: the loop itself
	// never finished, only the process watching it did.
	if prev, err := r.store.Get(r.opts.WorkerName); err == nil {
		if prev.Terminal() && prev.ExitReason != state.ExitMonitorDisconnected {
			return prev, fmt.Errorf("%w: %s (%s)", ErrLoopTerminal, prev.Status, prev.ExitReason)
		}
		loop.CurrentIteration = prev.CurrentIteration
		loop.IterationDurations = prev.IterationDurations
		loop.ConsecutiveFailures = prev.ConsecutiveFailures
		loop.TotalFailures = prev.TotalFailures
		loop.StartedAt = prev.StartedAt
	}
	if err := r.store.Put(loop); err != nil {
		return nil, err
	}
	_ = r.store.AppendLog(loop.WorkerName, state.EventStart,
		fmt.Sprintf("run %s starting at iteration %d/%d", loop.RunID, loop.CurrentIteration, loop.MaxIterations))

	for {
		// External pause or stop wins over everything else.
		if r.externalTransition(loop) {
			return loop, nil
		}

		if loop.CurrentIteration >= loop.MaxIterations {
			r.finish(loop, state.RalphStopped, state.ExitMaxIterations,
				fmt.Sprintf("reached %d iterations", loop.MaxIterations))
			return loop, nil
		}

		loop.CurrentIteration++
		iterStart := time.Now()
		loop.IterationStartedAt = &iterStart
		loop.IterationEndedAt = nil
		if err := r.store.Put(loop); err != nil {
			return loop, err
		}
		_ = r.store.AppendLog(loop.WorkerName, state.EventStart,
			fmt.Sprintf("iteration %d", loop.CurrentIteration))

		outcome, exitCode, err := r.iterate(loop)
		iterEnd := time.Now()
		loop.IterationEndedAt = &iterEnd
		loop.IterationDurations = append(loop.IterationDurations, iterEnd.Sub(iterStart).Seconds())

		if err != nil {
			r.finish(loop, state.RalphFailed, state.ExitFailed, err.Error())
			return loop, err
		}

		if terminal := r.advance(loop, outcome, exitCode); terminal {
			return loop, nil
		}

		if err := r.store.Put(loop); err != nil {
			return loop, err
		}
	}
}

// advance applies one iteration's outcome to the loop, returning true when
// the loop reached a terminal state.
func (r *Runner) advance(loop *state.RalphLoop, outcome iterOutcome, exitCode int) bool {
	switch outcome {
	case iterDone:
		r.finish(loop, state.RalphStopped, state.ExitDonePattern,
			fmt.Sprintf("done pattern matched on iteration %d", loop.CurrentIteration))
		return true

	case iterInactive:
		// Not a failure, but not a clean exit either: the failure streak
		// carries over. Only an agent exiting 0 resets it.
		_ = r.store.AppendLog(loop.WorkerName, state.EventEnd,
			fmt.Sprintf("iteration %d inactive after %ds, restarting", loop.CurrentIteration, loop.InactivitySeconds))
		if err := r.killAgent(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: killing inactive worker: %v\n", err)
		}

	case iterExited:
		if exitCode == 0 {
			loop.ConsecutiveFailures = 0
			_ = r.store.AppendLog(loop.WorkerName, state.EventEnd,
				fmt.Sprintf("iteration %d exited cleanly", loop.CurrentIteration))
		} else {
			loop.ConsecutiveFailures++
			loop.TotalFailures++
			_ = r.store.AppendLog(loop.WorkerName, state.EventFail,
				fmt.Sprintf("iteration %d exited with status %d (%d consecutive)",
					loop.CurrentIteration, exitCode, loop.ConsecutiveFailures))
			if loop.ConsecutiveFailures >= maxConsecutiveFailures {
				r.finish(loop, state.RalphFailed, state.ExitFailed,
					fmt.Sprintf("%d consecutive failures", loop.ConsecutiveFailures))
				return true
			}
			backoff := backoffFor(loop.ConsecutiveFailures)
			fmt.Fprintf(os.Stderr, "swarm: iteration failed, backing off %s\n", backoff)
			time.Sleep(backoff)
		}
	}
	return false
}

// backoffFor computes min(2^(n-1), 300) seconds for the nth consecutive
// failure.
func backoffFor(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := time.Duration(1<<(n-1)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// iteration outcomes
type iterOutcome int

const (
	iterInactive iterOutcome = iota
	iterExited
	iterDone
)

// iterate runs one full iteration: prompt read, worker ensure, injection,
// baseline capture, monitoring.
func (r *Runner) iterate(loop *state.RalphLoop) (iterOutcome, int, error) {
	prompt, err := os.ReadFile(loop.PromptFilePath)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrPromptUnreadable, err)
	}

	w, t, err := r.ensureAgent(loop)
	if err != nil {
		return 0, 0, err
	}

	session, window := w.Mux.Session, w.Mux.Window

	// Dismiss any autocomplete overlay, then paste the prompt and submit.
	if err := t.ClearInput(session, window); err != nil {
		return 0, 0, fmt.Errorf("clearing input: %w", err)
	}
	if err := t.SendMessage(session, window, string(prompt)); err != nil {
		return 0, 0, fmt.Errorf("injecting prompt: %w", err)
	}

	// Baseline right after injection, at the monitor's capture depth: the
	// injected prompt (and prior-iteration scrollback) may contain the done
	// pattern, and only output past this snapshot may match it.
	baseline, err := t.CapturePane(session, window, detect.MonitorScrollback)
	if err != nil {
		baseline = ""
	}
	loop.PromptBaseline = baseline
	if err := r.store.Put(loop); err != nil {
		return 0, 0, err
	}

	outcome, err := detect.Monitor(t, session, window, detect.MonitorConfig{
		Timeout:     time.Duration(loop.InactivitySeconds) * time.Second,
		DonePattern: r.done,
		CheckDone:   loop.CheckDoneContinuous,
		Baseline:    baseline,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("monitoring: %w", err)
	}

	switch outcome {
	case detect.DoneMatched:
		return iterDone, 0, nil
	case detect.WorkerExited:
		code := 0
		if dead, status, err := t.PaneDead(session, window); err == nil && dead {
			code = status
		}
		return iterExited, code, nil
	default:
		return iterInactive, 0, nil
	}
}

// ensureAgent spawns the worker if absent, or respawns the agent into its
// existing window when the previous iteration's process is gone. The same
// window and worktree carry across iterations, so commits made by one
// iteration are visible to the next.
func (r *Runner) ensureAgent(loop *state.RalphLoop) (*state.Worker, *tmux.Tmux, error) {
	w, err := r.mgr.Store().Get(loop.WorkerName)
	if errors.Is(err, state.ErrWorkerNotFound) {
		w, err = r.mgr.Spawn(worker.SpawnOptions{
			Name:         loop.WorkerName,
			Command:      r.opts.Command,
			Mode:         worker.ModeMux,
			Worktree:     r.opts.Worktree,
			Env:          r.opts.Env,
			Session:      r.opts.Session,
			Socket:       r.opts.Socket,
			WaitReady:    false,
			Ralph:        true,
			ReadyTimeout: r.opts.ReadyTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
	} else if err != nil {
		return nil, nil, err
	}

	t := tmux.New()
	if w.Mux == nil {
		return nil, nil, fmt.Errorf("ralph worker %s is not a mux worker", w.Name)
	}
	if w.Mux.Socket != "" {
		t = tmux.NewWithSocket(w.Mux.Socket)
	}

	// Keep the pane observable after the agent exits.
	if err := t.SetRemainOnExit(w.Mux.Session, w.Mux.Window); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: remain-on-exit: %v\n", err)
	}

	// Restart the agent in place if the previous process is gone.
	if dead, _, err := t.PaneDead(w.Mux.Session, w.Mux.Window); err == nil && dead {
		cmdline := tmux.QuoteCommand(w.Command)
		if err := t.RespawnWindow(w.Mux.Session, w.Mux.Window, w.Cwd, cmdline, w.Env); err != nil {
			return nil, nil, fmt.Errorf("respawning agent: %w", err)
		}
	}

	// Track the iteration on the worker record for ls/status output.
	_ = r.mgr.Store().Update(w.Name, func(u *state.Worker) {
		if u.Metadata == nil {
			u.Metadata = &state.WorkerMeta{Ralph: true}
		}
		u.Metadata.RalphIteration = loop.CurrentIteration
	})

	res, err := detect.WaitReady(t, w.Mux.Session, w.Mux.Window, r.opts.ReadyTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("waiting for agent: %w", err)
	}
	if res.Blocked && loop.CurrentIteration <= 1 {
		// A first-run or login dialog will never clear on its own; tell
		// the user instead of burning iterations on the timeout.
		return nil, nil, fmt.Errorf("agent requires interactive setup (matched %q): attach with "+
			"`tmux attach -t %s` and complete it, then resume", res.BlockedOn, w.Mux.Session)
	}
	if !res.Ready {
		fmt.Fprintf(os.Stderr, "Warning: agent not ready before timeout, injecting anyway\n")
	}
	return w, t, nil
}

// killAgent kills the worker window so the next iteration starts fresh.
func (r *Runner) killAgent() error {
	err := r.mgr.Kill(r.opts.WorkerName, worker.KillOptions{})
	if errors.Is(err, state.ErrWorkerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	// The registry record stays; drop it so ensureAgent spawns cleanly with
	// the preserved worktree next iteration.
	return r.mgr.Store().Remove(r.opts.WorkerName)
}

// externalTransition checks for a pause or stop written by another
// invocation. Pause takes effect at the iteration boundary: the current
// agent was not interrupted, and the loop simply declines to continue.
func (r *Runner) externalTransition(loop *state.RalphLoop) bool {
	stored, err := r.store.Get(loop.WorkerName)
	if err != nil {
		return false
	}
	switch stored.Status {
	case state.RalphPaused:
		loop.Status = state.RalphPaused
		_ = r.store.Update(loop.WorkerName, func(u *state.RalphLoop) {
			u.CurrentIteration = loop.CurrentIteration
			u.IterationDurations = loop.IterationDurations
		})
		_ = r.store.AppendLog(loop.WorkerName, state.EventPause,
			fmt.Sprintf("paused after iteration %d", loop.CurrentIteration))
		return true
	case state.RalphStopped:
		loop.Status = state.RalphStopped
		loop.ExitReason = state.ExitKilled
		return true
	}
	return false
}

// finish records a terminal transition. Every terminal status carries a
// non-null exit reason.
func (r *Runner) finish(loop *state.RalphLoop, status, reason, detail string) {
	loop.Status = status
	loop.ExitReason = reason
	now := time.Now()
	loop.IterationEndedAt = &now
	if err := r.store.Put(loop); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: saving ralph state: %v\n", err)
	}
	event := state.EventEnd
	switch reason {
	case state.ExitDonePattern:
		event = state.EventDone
	case state.ExitFailed:
		event = state.EventFail
	}
	_ = r.store.AppendLog(loop.WorkerName, event, detail)
}

// Stop marks a loop stopped so the runner exits at its next iteration
// boundary. The terminal record carries exit_reason=killed.
func Stop(root, workerName string) error {
	st := state.NewRalphStore(root)
	return st.Update(workerName, func(r *state.RalphLoop) {
		if r.Terminal() {
			return
		}
		r.Status = state.RalphStopped
		r.ExitReason = state.ExitKilled
	})
}

// Pause marks a running loop paused. The current agent is not interrupted;
// the runner observes the flag at its next iteration boundary.
func Pause(root, workerName string) error {
	st := state.NewRalphStore(root)
	return st.Update(workerName, func(r *state.RalphLoop) {
		if r.Status == state.RalphRunning {
			r.Status = state.RalphPaused
		}
	})
}

// Resume transitions a paused loop back to running so a new runner
// invocation picks it up. If the stored state claims running but no runner
// holds the loop, the stale record is closed out as monitor_disconnected
// first, and the fresh run starts clean.
func Resume(root, workerName string) error {
	st := state.NewRalphStore(root)
	loop, err := st.Get(workerName)
	if err != nil {
		return err
	}
	switch loop.Status {
	case state.RalphPaused:
		if err := st.Update(workerName, func(r *state.RalphLoop) {
			r.Status = state.RalphRunning
		}); err != nil {
			return err
		}
		return st.AppendLog(workerName, state.EventResume, "resumed")
	case state.RalphRunning:
		// The previous monitor crashed or was disconnected from its loop.
		if err := st.Update(workerName, func(r *state.RalphLoop) {
			r.Status = state.RalphStopped
			r.ExitReason = state.ExitMonitorDisconnected
		}); err != nil {
			return err
		}
		return st.AppendLog(workerName, state.EventResume, "monitor disconnected, reattaching")
	default:
		return fmt.Errorf("%w: %s", ErrLoopTerminal, loop.Status)
	}
}
