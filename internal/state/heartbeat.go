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

// Heartbeat status values.
const (
	HeartbeatActive  = "active"
	HeartbeatPaused  = "paused"
	HeartbeatExpired = "expired"
	HeartbeatStopped = "stopped"
)

// ErrHeartbeatNotFound indicates no heartbeat record exists for a worker.
var ErrHeartbeatNotFound = errors.New("heartbeat not found")

// Heartbeat is the persistent record of a periodic nudge, stored at
// <root>/heartbeats/<worker>.json.
type Heartbeat struct {
	WorkerName      string     `json:"worker_name"`
	IntervalSeconds int        `json:"interval_seconds"`
	ExpireAt        *time.Time `json:"expire_at,omitempty"`
	Message         string     `json:"message"`
	CreatedAt       time.Time  `json:"created_at"`
	LastBeatAt      *time.Time `json:"last_beat_at,omitempty"`
	BeatCount       int        `json:"beat_count"`
	Status          string     `json:"status"`
}

// Interval returns the beat interval as a duration.
func (h *Heartbeat) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// Due reports whether the next beat time has arrived.
func (h *Heartbeat) Due(now time.Time) bool {
	if h.LastBeatAt == nil {
		return true
	}
	return !now.Before(h.LastBeatAt.Add(h.Interval()))
}

// Expired reports whether the heartbeat's hard expiry has passed.
func (h *Heartbeat) Expired(now time.Time) bool {
	return h.ExpireAt != nil && !now.Before(*h.ExpireAt)
}

// HeartbeatStore persists heartbeat records, one file per worker.
type HeartbeatStore struct {
	root string
}

// NewHeartbeatStore creates a heartbeat store under the state root.
func NewHeartbeatStore(root string) *HeartbeatStore {
	return &HeartbeatStore{root: root}
}

func (s *HeartbeatStore) dir() string {
	return filepath.Join(s.root, "heartbeats")
}

// Path returns the record file for a worker. The scheduler watches this path
// with fsnotify to react to pause/stop edits between polls.
func (s *HeartbeatStore) Path(worker string) string {
	return filepath.Join(s.dir(), worker+".json")
}

func (s *HeartbeatStore) withLock(worker string, fn func() error) error {
	if err := os.MkdirAll(s.dir(), 0755); err != nil {
		return fmt.Errorf("creating heartbeats dir: %w", err)
	}
	fl := flock.New(filepath.Join(s.dir(), worker+".lock"))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquiring heartbeat lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}

func (s *HeartbeatStore) load(worker string) (*Heartbeat, error) {
	data, err := os.ReadFile(s.Path(worker))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrHeartbeatNotFound, worker)
		}
		return nil, fmt.Errorf("reading heartbeat: %w", err)
	}
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		corrupted := s.Path(worker) + ".corrupted"
		if renameErr := os.Rename(s.Path(worker), corrupted); renameErr == nil {
			fmt.Fprintf(os.Stderr, "Warning: corrupted heartbeat moved to %s\n", corrupted)
		}
		return nil, fmt.Errorf("%w: %s", ErrHeartbeatNotFound, worker)
	}
	return &h, nil
}

func (s *HeartbeatStore) save(h *Heartbeat) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding heartbeat: %w", err)
	}
	if err := os.WriteFile(s.Path(h.WorkerName), data, 0644); err != nil {
		return fmt.Errorf("writing heartbeat: %w", err)
	}
	return nil
}

// Put writes a full record under the lock.
func (s *HeartbeatStore) Put(h *Heartbeat) error {
	return s.withLock(h.WorkerName, func() error {
		return s.save(h)
	})
}

// Get returns a snapshot of the heartbeat for a worker.
func (s *HeartbeatStore) Get(worker string) (*Heartbeat, error) {
	var result *Heartbeat
	err := s.withLock(worker, func() error {
		h, err := s.load(worker)
		if err != nil {
			return err
		}
		result = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Update applies fn to the stored record under the lock.
func (s *HeartbeatStore) Update(worker string, fn func(*Heartbeat)) error {
	return s.withLock(worker, func() error {
		h, err := s.load(worker)
		if err != nil {
			return err
		}
		fn(h)
		return s.save(h)
	})
}

// Remove deletes a worker's heartbeat record. Idempotent.
func (s *HeartbeatStore) Remove(worker string) error {
	err := os.Remove(s.Path(worker))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns snapshots of all heartbeat records.
func (s *HeartbeatStore) List() ([]*Heartbeat, error) {
	entries, err := os.ReadDir(s.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var result []*Heartbeat
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		h, err := s.Get(name[:len(name)-len(".json")])
		if err != nil {
			continue
		}
		result = append(result, h)
	}
	return result, nil
}
