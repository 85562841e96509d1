package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// workerFile wraps the worker array for the on-disk format.
type workerFile struct {
	Workers []*Worker `json:"workers"`
}

// Store is the worker registry: <root>/state.json guarded by <root>/state.lock.
// Every mutation holds the exclusive lock across its full read-modify-write
// cycle; releasing between read and write would lose concurrent updates.
type Store struct {
	root     string
	path     string
	lockPath string
}

// NewStore creates a worker store rooted at the state directory.
func NewStore(root string) *Store {
	return &Store{
		root:     root,
		path:     filepath.Join(root, "state.json"),
		lockPath: filepath.Join(root, "state.lock"),
	}
}

// Root returns the state root directory.
func (s *Store) Root() string {
	return s.root
}

// withLock runs fn while holding the store's exclusive advisory lock.
// Acquisition blocks with no timeout: contention is rare and all callers are
// short-lived commands.
func (s *Store) withLock(fn func() error) error {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return fmt.Errorf("creating state root: %w", err)
	}
	fl := flock.New(s.lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquiring state lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}

// load reads the worker file. Missing file initializes empty; a malformed
// file is renamed aside and a fresh store is started, with a warning so the
// operator knows records were lost. Must be called under the lock.
func (s *Store) load() (*workerFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &workerFile{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	var wf workerFile
	if err := json.Unmarshal(data, &wf); err != nil {
		corrupted := s.path + ".corrupted"
		if renameErr := os.Rename(s.path, corrupted); renameErr == nil {
			fmt.Fprintf(os.Stderr, "Warning: corrupted state file moved to %s, starting fresh\n", corrupted)
		} else {
			fmt.Fprintf(os.Stderr, "Warning: corrupted state file %s could not be moved aside: %v\n", s.path, renameErr)
		}
		return &workerFile{}, nil
	}
	return &wf, nil
}

// save writes the worker file. Must be called under the lock.
func (s *Store) save(wf *workerFile) error {
	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	return nil
}

// Add inserts a new worker. The duplicate-name check runs inside the critical
// section, so concurrent spawns of the same name serialize here and the loser
// gets ErrWorkerExists.
func (s *Store) Add(w *Worker) error {
	if err := w.Validate(); err != nil {
		return err
	}
	return s.withLock(func() error {
		wf, err := s.load()
		if err != nil {
			return err
		}
		for _, existing := range wf.Workers {
			if existing.Name == w.Name {
				return fmt.Errorf("%w: %s", ErrWorkerExists, w.Name)
			}
		}
		wf.Workers = append(wf.Workers, w.Clone())
		return s.save(wf)
	})
}

// Remove deletes a worker record by name.
func (s *Store) Remove(name string) error {
	return s.withLock(func() error {
		wf, err := s.load()
		if err != nil {
			return err
		}
		for i, w := range wf.Workers {
			if w.Name == name {
				wf.Workers = append(wf.Workers[:i], wf.Workers[i+1:]...)
				return s.save(wf)
			}
		}
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	})
}

// Update applies fn to a copy of the named record and replaces the stored
// record with the result, all under the lock. fn must not retain the record.
func (s *Store) Update(name string, fn func(*Worker)) error {
	return s.withLock(func() error {
		wf, err := s.load()
		if err != nil {
			return err
		}
		for i, w := range wf.Workers {
			if w.Name == name {
				updated := w.Clone()
				fn(updated)
				if err := updated.Validate(); err != nil {
					return err
				}
				wf.Workers[i] = updated
				return s.save(wf)
			}
		}
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	})
}

// Replace swaps the named record for a fresh one under the lock. Used by
// respawn, where everything but name and preserved config changes.
func (s *Store) Replace(name string, w *Worker) error {
	if err := w.Validate(); err != nil {
		return err
	}
	return s.withLock(func() error {
		wf, err := s.load()
		if err != nil {
			return err
		}
		for i, existing := range wf.Workers {
			if existing.Name == name {
				wf.Workers[i] = w.Clone()
				return s.save(wf)
			}
		}
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	})
}

// Get returns a snapshot of the named worker, or ErrWorkerNotFound.
func (s *Store) Get(name string) (*Worker, error) {
	var result *Worker
	err := s.withLock(func() error {
		wf, err := s.load()
		if err != nil {
			return err
		}
		for _, w := range wf.Workers {
			if w.Name == name {
				result = w.Clone()
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, name)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListAll returns snapshots of every worker record.
func (s *Store) ListAll() ([]*Worker, error) {
	var result []*Worker
	err := s.withLock(func() error {
		wf, err := s.load()
		if err != nil {
			return err
		}
		result = make([]*Worker, 0, len(wf.Workers))
		for _, w := range wf.Workers {
			result = append(result, w.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SessionRefs counts workers (other than exclude) that reference the given
// (session, socket) pair. Kill uses this to decide whether a session can be
// torn down with its last window.
func (s *Store) SessionRefs(session, socket, exclude string) (int, error) {
	workers, err := s.ListAll()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, w := range workers {
		if w.Name == exclude || w.Mux == nil {
			continue
		}
		if w.Mux.Session == session && w.Mux.Socket == socket {
			count++
		}
	}
	return count, nil
}
