package ralph

import (
	"errors"
	"testing"
	"time"

	"github.com/swarmctl/swarm/internal/state"
)

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{9, 256 * time.Second},
		{10, 300 * time.Second}, // 512s capped
		{30, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffFor(tt.n); got != tt.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestNewRunnerDefaults(t *testing.T) {
	r, err := NewRunner(t.TempDir(), Options{
		WorkerName: "fixer",
		Command:    []string{"claude"},
		PromptFile: "/tmp/PROMPT.md",
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if r.opts.MaxIterations != 1 {
		t.Errorf("MaxIterations default = %d, want 1", r.opts.MaxIterations)
	}
	if r.opts.InactivityTimeout != state.DefaultInactivitySeconds*time.Second {
		t.Errorf("InactivityTimeout default = %v", r.opts.InactivityTimeout)
	}
	if r.done != nil {
		t.Error("done pattern compiled from empty string")
	}
}

func TestNewRunnerBadDonePattern(t *testing.T) {
	_, err := NewRunner(t.TempDir(), Options{
		WorkerName:  "fixer",
		Command:     []string{"claude"},
		PromptFile:  "/tmp/PROMPT.md",
		DonePattern: "[unclosed",
	})
	if err == nil {
		t.Fatal("expected compile error for malformed done pattern")
	}
}

func TestRunRejectsTerminalLoop(t *testing.T) {
	root := t.TempDir()
	st := state.NewRalphStore(root)
	if err := st.Put(&state.RalphLoop{
		WorkerName:     "fixer",
		PromptFilePath: "/tmp/PROMPT.md",
		MaxIterations:  5,
		Status:         state.RalphStopped,
		ExitReason:     state.ExitDonePattern,
		StartedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r, err := NewRunner(root, Options{
		WorkerName: "fixer",
		Command:    []string{"claude"},
		PromptFile: "/tmp/PROMPT.md",
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if _, err := r.Run(); !errors.Is(err, ErrLoopTerminal) {
		t.Fatalf("Run over terminal loop = %v, want ErrLoopTerminal", err)
	}
}

func TestRunResumesAfterMonitorDisconnect(t *testing.T) {
	root := t.TempDir()
	st := state.NewRalphStore(root)
	if err := st.Put(&state.RalphLoop{
		WorkerName:       "fixer",
		PromptFilePath:   "/tmp/PROMPT.md",
		MaxIterations:    3,
		CurrentIteration: 3,
		TotalFailures:    2,
		Status:           state.RalphStopped,
		ExitReason:       state.ExitMonitorDisconnected,
		StartedAt:        time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r, err := NewRunner(root, Options{
		WorkerName:    "fixer",
		Command:       []string{"claude"},
		PromptFile:    "/tmp/PROMPT.md",
		MaxIterations: 3,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	// A disconnected monitor is not a finished loop: Run reattaches with
	// carried-over bookkeeping. The iteration budget is already spent, so
	// it finishes immediately without needing an agent.
	loop, err := r.Run()
	if err != nil {
		t.Fatalf("Run over monitor_disconnected loop: %v", err)
	}
	if loop.ExitReason != state.ExitMaxIterations {
		t.Errorf("ExitReason = %q, want max_iterations", loop.ExitReason)
	}
	if loop.CurrentIteration != 3 || loop.TotalFailures != 2 {
		t.Errorf("bookkeeping not carried over: iteration=%d failures=%d",
			loop.CurrentIteration, loop.TotalFailures)
	}
}

func TestAdvanceInactivityKeepsFailureStreak(t *testing.T) {
	root := t.TempDir()
	r, err := NewRunner(root, Options{
		WorkerName:    "fixer",
		Command:       []string{"claude"},
		PromptFile:    "/tmp/PROMPT.md",
		MaxIterations: 10,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	loop := &state.RalphLoop{
		WorkerName:          "fixer",
		MaxIterations:       10,
		CurrentIteration:    4,
		ConsecutiveFailures: 3,
		TotalFailures:       3,
		Status:              state.RalphRunning,
		StartedAt:           time.Now(),
	}
	if terminal := r.advance(loop, iterInactive, 0); terminal {
		t.Fatal("inactivity restart ended the loop")
	}
	if loop.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3: only a clean exit resets the streak",
			loop.ConsecutiveFailures)
	}
}

func TestAdvanceCleanExitResetsStreak(t *testing.T) {
	root := t.TempDir()
	r, err := NewRunner(root, Options{
		WorkerName:    "fixer",
		Command:       []string{"claude"},
		PromptFile:    "/tmp/PROMPT.md",
		MaxIterations: 10,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	loop := &state.RalphLoop{
		WorkerName:          "fixer",
		MaxIterations:       10,
		CurrentIteration:    4,
		ConsecutiveFailures: 3,
		TotalFailures:       3,
		Status:              state.RalphRunning,
		StartedAt:           time.Now(),
	}
	if terminal := r.advance(loop, iterExited, 0); terminal {
		t.Fatal("clean exit ended the loop")
	}
	if loop.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after exit status 0", loop.ConsecutiveFailures)
	}
}

func TestAdvanceFailureBudget(t *testing.T) {
	root := t.TempDir()
	r, err := NewRunner(root, Options{
		WorkerName:    "fixer",
		Command:       []string{"claude"},
		PromptFile:    "/tmp/PROMPT.md",
		MaxIterations: 10,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	loop := &state.RalphLoop{
		WorkerName:          "fixer",
		MaxIterations:       10,
		CurrentIteration:    7,
		ConsecutiveFailures: 4,
		TotalFailures:       4,
		Status:              state.RalphRunning,
		StartedAt:           time.Now(),
	}
	if terminal := r.advance(loop, iterExited, 1); !terminal {
		t.Fatal("fifth consecutive failure did not end the loop")
	}
	if loop.Status != state.RalphFailed || loop.ExitReason != state.ExitFailed {
		t.Errorf("loop = %s/%s, want failed/failed", loop.Status, loop.ExitReason)
	}
	if loop.ConsecutiveFailures != 5 || loop.TotalFailures != 5 {
		t.Errorf("failure counters = %d/%d, want 5/5",
			loop.ConsecutiveFailures, loop.TotalFailures)
	}
}

func TestPauseOnlyAffectsRunning(t *testing.T) {
	root := t.TempDir()
	st := state.NewRalphStore(root)

	if err := st.Put(&state.RalphLoop{
		WorkerName:     "fixer",
		PromptFilePath: "/tmp/PROMPT.md",
		MaxIterations:  5,
		Status:         state.RalphRunning,
		StartedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := Pause(root, "fixer"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	loop, _ := st.Get("fixer")
	if loop.Status != state.RalphPaused {
		t.Errorf("Status = %q, want paused", loop.Status)
	}

	// Pausing a stopped loop is a no-op, not a resurrection.
	if err := st.Update("fixer", func(r *state.RalphLoop) {
		r.Status = state.RalphStopped
		r.ExitReason = state.ExitKilled
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := Pause(root, "fixer"); err != nil {
		t.Fatalf("Pause (stopped): %v", err)
	}
	loop, _ = st.Get("fixer")
	if loop.Status != state.RalphStopped {
		t.Errorf("Status = %q, want stopped", loop.Status)
	}
}

func TestResumePaused(t *testing.T) {
	root := t.TempDir()
	st := state.NewRalphStore(root)
	if err := st.Put(&state.RalphLoop{
		WorkerName:     "fixer",
		PromptFilePath: "/tmp/PROMPT.md",
		MaxIterations:  5,
		Status:         state.RalphPaused,
		StartedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := Resume(root, "fixer"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	loop, _ := st.Get("fixer")
	if loop.Status != state.RalphRunning {
		t.Errorf("Status = %q, want running", loop.Status)
	}
}

func TestResumeOverCrashedMonitor(t *testing.T) {
	root := t.TempDir()
	st := state.NewRalphStore(root)
	if err := st.Put(&state.RalphLoop{
		WorkerName:     "fixer",
		PromptFilePath: "/tmp/PROMPT.md",
		MaxIterations:  5,
		Status:         state.RalphRunning,
		StartedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Status says running but no monitor holds the loop: the stale record
	// closes out as monitor_disconnected.
	if err := Resume(root, "fixer"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	loop, _ := st.Get("fixer")
	if loop.Status != state.RalphStopped || loop.ExitReason != state.ExitMonitorDisconnected {
		t.Errorf("loop = %s/%s, want stopped/monitor_disconnected", loop.Status, loop.ExitReason)
	}
}

func TestResumeTerminalFails(t *testing.T) {
	root := t.TempDir()
	st := state.NewRalphStore(root)
	if err := st.Put(&state.RalphLoop{
		WorkerName:     "fixer",
		PromptFilePath: "/tmp/PROMPT.md",
		MaxIterations:  5,
		Status:         state.RalphFailed,
		ExitReason:     state.ExitFailed,
		StartedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := Resume(root, "fixer"); !errors.Is(err, ErrLoopTerminal) {
		t.Fatalf("Resume over failed loop = %v, want ErrLoopTerminal", err)
	}
}

func TestStopMarksKilled(t *testing.T) {
	root := t.TempDir()
	st := state.NewRalphStore(root)
	if err := st.Put(&state.RalphLoop{
		WorkerName:     "fixer",
		PromptFilePath: "/tmp/PROMPT.md",
		MaxIterations:  5,
		Status:         state.RalphRunning,
		StartedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := Stop(root, "fixer"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	loop, _ := st.Get("fixer")
	if loop.Status != state.RalphStopped || loop.ExitReason != state.ExitKilled {
		t.Errorf("loop = %s/%s, want stopped/killed", loop.Status, loop.ExitReason)
	}

	// Stop over an already-finished loop keeps the original exit reason.
	if err := st.Update("fixer", func(r *state.RalphLoop) {
		r.ExitReason = state.ExitDonePattern
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := Stop(root, "fixer"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	loop, _ = st.Get("fixer")
	if loop.ExitReason != state.ExitDonePattern {
		t.Errorf("ExitReason = %q, want done_pattern preserved", loop.ExitReason)
	}
}
