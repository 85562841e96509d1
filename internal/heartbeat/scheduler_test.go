package heartbeat

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/swarmctl/swarm/internal/state"
	"github.com/swarmctl/swarm/internal/worker"
)

func TestStartRequiresWorker(t *testing.T) {
	root := t.TempDir()
	_, err := Start(root, "ghost", "hi", time.Minute, nil)
	if !errors.Is(err, state.ErrWorkerNotFound) {
		t.Fatalf("Start = %v, want ErrWorkerNotFound", err)
	}
}

func TestStartRejectsProcessWorker(t *testing.T) {
	root := t.TempDir()
	mgr := worker.NewManager(root)

	w, err := mgr.Spawn(worker.SpawnOptions{
		Name:    "proc",
		Command: []string{"sleep", "60"},
		Mode:    worker.ModeProcess,
		Cwd:     root,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { _ = syscall.Kill(*w.PID, syscall.SIGKILL) })

	if _, err := Start(root, "proc", "hi", time.Minute, nil); !errors.Is(err, ErrNotBeatable) {
		t.Fatalf("Start = %v, want ErrNotBeatable", err)
	}
}

func TestStartCreatesActiveRecord(t *testing.T) {
	root := t.TempDir()
	store := state.NewStore(root)

	if err := store.Add(&state.Worker{
		Name:      "agent",
		Status:    state.StatusRunning,
		Command:   []string{"claude"},
		StartedAt: time.Now(),
		Cwd:       root,
		Mux:       &state.MuxInfo{Session: "swarm-test", Window: "agent"},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	expire := time.Now().Add(time.Hour)
	h, err := Start(root, "agent", "Check your task list", 10*time.Minute, &expire)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.Status != state.HeartbeatActive || h.IntervalSeconds != 600 {
		t.Errorf("record = %+v", h)
	}

	stored, err := state.NewHeartbeatStore(root).Get("agent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.ExpireAt == nil {
		t.Error("ExpireAt not persisted")
	}
	if !stored.Due(time.Now()) {
		t.Error("fresh heartbeat should be due immediately")
	}
}

func TestPauseResumeStopTransitions(t *testing.T) {
	root := t.TempDir()
	beats := state.NewHeartbeatStore(root)
	if err := beats.Put(&state.Heartbeat{
		WorkerName:      "agent",
		IntervalSeconds: 60,
		Message:         "hi",
		CreatedAt:       time.Now(),
		Status:          state.HeartbeatActive,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	check := func(want string) {
		t.Helper()
		h, err := beats.Get("agent")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if h.Status != want {
			t.Fatalf("Status = %q, want %q", h.Status, want)
		}
	}

	if err := Pause(root, "agent"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	check(state.HeartbeatPaused)

	if err := Resume(root, "agent"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	check(state.HeartbeatActive)

	if err := Stop(root, "agent"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	check(state.HeartbeatStopped)

	// Terminal: resume does not resurrect a stopped heartbeat.
	if err := Resume(root, "agent"); err != nil {
		t.Fatalf("Resume (stopped): %v", err)
	}
	check(state.HeartbeatStopped)
}

func TestRunExpiresImmediately(t *testing.T) {
	root := t.TempDir()
	beats := state.NewHeartbeatStore(root)
	past := time.Now().Add(-time.Minute)
	if err := beats.Put(&state.Heartbeat{
		WorkerName:      "agent",
		IntervalSeconds: 60,
		Message:         "hi",
		CreatedAt:       time.Now().Add(-time.Hour),
		ExpireAt:        &past,
		Status:          state.HeartbeatActive,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s := NewScheduler(root, time.Second)
	done := make(chan error, 1)
	go func() { done <- s.Run("agent") }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not notice the expiry")
	}

	h, _ := beats.Get("agent")
	if h.Status != state.HeartbeatExpired {
		t.Errorf("Status = %q, want expired", h.Status)
	}
}

func TestRunStopsWhenWorkerGone(t *testing.T) {
	root := t.TempDir()
	beats := state.NewHeartbeatStore(root)
	if err := beats.Put(&state.Heartbeat{
		WorkerName:      "agent",
		IntervalSeconds: 60,
		Message:         "hi",
		CreatedAt:       time.Now(),
		Status:          state.HeartbeatActive,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Due immediately, but no worker exists: the schedule stops itself.
	s := NewScheduler(root, time.Second)
	done := make(chan error, 1)
	go func() { done <- s.Run("agent") }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop on a missing worker")
	}

	h, _ := beats.Get("agent")
	if h.Status != state.HeartbeatStopped {
		t.Errorf("Status = %q, want stopped", h.Status)
	}
}

func TestRunReactsToStopEdit(t *testing.T) {
	root := t.TempDir()
	beats := state.NewHeartbeatStore(root)
	recent := time.Now()
	if err := beats.Put(&state.Heartbeat{
		WorkerName:      "agent",
		IntervalSeconds: 3600,
		Message:         "hi",
		CreatedAt:       recent,
		LastBeatAt:      &recent, // not due for an hour
		Status:          state.HeartbeatActive,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s := NewScheduler(root, time.Hour) // poll would take an hour without the watch
	done := make(chan error, 1)
	go func() { done <- s.Run("agent") }()

	time.Sleep(300 * time.Millisecond) // let the watch establish
	if err := Stop(root, "agent"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not react to the record edit")
	}
}
