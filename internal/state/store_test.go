package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func testWorker(name string) *Worker {
	return &Worker{
		Name:      name,
		Status:    StatusRunning,
		Command:   []string{"claude", "--dangerously-skip-permissions"},
		StartedAt: time.Now(),
		Cwd:       "/tmp",
		Mux:       &MuxInfo{Session: "swarm-abc", Window: name},
	}
}

func TestStoreAddGet(t *testing.T) {
	s := NewStore(t.TempDir())

	if err := s.Add(testWorker("alpha")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	w, err := s.Get("alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if w.Name != "alpha" {
		t.Errorf("Name = %q, want alpha", w.Name)
	}
	if !w.IsMux() {
		t.Error("expected mux worker")
	}
}

func TestStoreAddDuplicate(t *testing.T) {
	s := NewStore(t.TempDir())

	if err := s.Add(testWorker("alpha")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	err := s.Add(testWorker("alpha"))
	if !errors.Is(err, ErrWorkerExists) {
		t.Fatalf("Add duplicate = %v, want ErrWorkerExists", err)
	}
}

func TestStoreAddValidates(t *testing.T) {
	s := NewStore(t.TempDir())

	w := testWorker("bad")
	w.Command = nil
	if err := s.Add(w); err == nil {
		t.Fatal("expected validation error for empty command")
	}

	pid := 1234
	both := testWorker("both")
	both.PID = &pid
	if err := s.Add(both); err == nil {
		t.Fatal("expected validation error for mux+pid both set")
	}
}

func TestStoreGetNotFound(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Get("ghost")
	if !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("Get = %v, want ErrWorkerNotFound", err)
	}
}

func TestStoreRemove(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Add(testWorker("alpha")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Remove("alpha"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get("alpha"); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatal("worker still present after Remove")
	}
	if err := s.Remove("alpha"); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("second Remove = %v, want ErrWorkerNotFound", err)
	}
}

func TestStoreUpdate(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Add(testWorker("alpha")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := s.Update("alpha", func(w *Worker) {
		w.Status = StatusStopped
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	w, err := s.Get("alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if w.Status != StatusStopped {
		t.Errorf("Status = %q, want stopped", w.Status)
	}
}

func TestStoreUpdateRejectsInvalid(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Add(testWorker("alpha")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := s.Update("alpha", func(w *Worker) {
		w.Mux = nil // leaves neither mux nor pid
	})
	if err == nil {
		t.Fatal("expected validation error")
	}

	// Stored record untouched.
	w, _ := s.Get("alpha")
	if w.Mux == nil {
		t.Error("invalid update leaked into the store")
	}
}

func TestStoreSnapshotsAreIsolated(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := s.Add(testWorker("alpha")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	w, _ := s.Get("alpha")
	w.Status = "mangled"
	w.Mux.Window = "mangled"
	w.Command[0] = "mangled"

	fresh, _ := s.Get("alpha")
	if fresh.Status == "mangled" || fresh.Mux.Window == "mangled" || fresh.Command[0] == "mangled" {
		t.Error("mutating a snapshot changed stored state")
	}
}

func TestStoreListAll(t *testing.T) {
	s := NewStore(t.TempDir())
	for _, name := range []string{"a", "b", "c"} {
		if err := s.Add(testWorker(name)); err != nil {
			t.Fatalf("Add %s: %v", name, err)
		}
	}
	workers, err := s.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(workers) != 3 {
		t.Fatalf("len = %d, want 3", len(workers))
	}
}

func TestStoreCorruptedFileRecovers(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	workers, err := s.ListAll()
	if err != nil {
		t.Fatalf("ListAll after corruption: %v", err)
	}
	if len(workers) != 0 {
		t.Fatalf("len = %d, want 0", len(workers))
	}
	if _, err := os.Stat(path + ".corrupted"); err != nil {
		t.Error("corrupted file was not moved aside")
	}

	// Store is usable again.
	if err := s.Add(testWorker("alpha")); err != nil {
		t.Fatalf("Add after recovery: %v", err)
	}
}

func TestStoreWireFormat(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	w := testWorker("alpha")
	w.Worktree = &WorktreeInfo{Path: "/tmp", Branch: "alpha", BaseRepo: "/repo"}
	if err := s.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var wf struct {
		Workers []map[string]any `json:"workers"`
	}
	if err := json.Unmarshal(data, &wf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(wf.Workers) != 1 {
		t.Fatalf("workers = %d, want 1", len(wf.Workers))
	}

	rec := wf.Workers[0]
	// pid is serialized as an explicit null for mux workers.
	if v, present := rec["pid"]; !present || v != nil {
		t.Errorf("pid = %v (present=%v), want explicit null", v, present)
	}
	if _, present := rec["mux_info"]; !present {
		t.Error("mux_info missing from wire format")
	}
	if _, present := rec["worktree_info"]; !present {
		t.Error("worktree_info missing from wire format")
	}
}

func TestStoreConcurrentAddsSingleWinner(t *testing.T) {
	s := NewStore(t.TempDir())

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Add(testWorker("contested"))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrWorkerExists) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}

	workers, _ := s.ListAll()
	if len(workers) != 1 {
		t.Fatalf("stored records = %d, want 1", len(workers))
	}
}

func TestSessionRefs(t *testing.T) {
	s := NewStore(t.TempDir())

	a := testWorker("a")
	b := testWorker("b")
	b.Mux.Window = "b"
	other := testWorker("other")
	other.Mux = &MuxInfo{Session: "different", Window: "other"}
	for _, w := range []*Worker{a, b, other} {
		if err := s.Add(w); err != nil {
			t.Fatalf("Add %s: %v", w.Name, err)
		}
	}

	refs, err := s.SessionRefs("swarm-abc", "", "a")
	if err != nil {
		t.Fatalf("SessionRefs: %v", err)
	}
	if refs != 1 {
		t.Errorf("refs = %d, want 1 (just b)", refs)
	}

	refs, _ = s.SessionRefs("swarm-abc", "other-socket", "a")
	if refs != 0 {
		t.Errorf("refs with mismatched socket = %d, want 0", refs)
	}
}

func TestWorkerHasTag(t *testing.T) {
	w := testWorker("alpha")
	w.Tags = []string{"team/auth", "review"}
	if !w.HasTag("review") {
		t.Error("HasTag(review) = false")
	}
	if w.HasTag("missing") {
		t.Error("HasTag(missing) = true")
	}
}

func TestValidateCwdWorktreeMismatch(t *testing.T) {
	w := testWorker("alpha")
	w.Worktree = &WorktreeInfo{Path: "/elsewhere", Branch: "alpha", BaseRepo: "/repo"}
	err := w.Validate()
	if err == nil || !strings.Contains(err.Error(), "does not match worktree path") {
		t.Fatalf("Validate = %v, want cwd/worktree mismatch", err)
	}
}
