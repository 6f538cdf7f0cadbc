// Package status persists one JSON progress record per participant.
//
// The store is single-process by design: each participant's record is
// guarded by a per-participant mutex so concurrent requests for the same
// participant serialize, while different participants proceed in parallel.
// Writes go through a temp file and rename so a reader never observes a
// partial record.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pguan/chatlab/internal/experiment"
)

// ErrNotFound reports that a participant has no status record yet. Callers
// on idempotent initialization paths may treat it as "needs init"; flow
// control paths must surface it instead.
var ErrNotFound = errors.New("participant status not found")

// Store reads and writes participant status records under a data directory.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates the data directory if needed and returns a store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) lockFor(pid string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[pid]
	if !ok {
		l = &sync.Mutex{}
		s.locks[pid] = l
	}
	return l
}

func (s *Store) path(pid string) string {
	return filepath.Join(s.dir, "P_"+pid+"_status.json")
}

// Read returns the status record for a participant. A missing file yields
// ErrNotFound; a file that exists but cannot be decoded is a hard error,
// never silently treated as uninitialized.
func (s *Store) Read(pid string) (experiment.Status, error) {
	l := s.lockFor(pid)
	l.Lock()
	defer l.Unlock()
	return s.read(pid)
}

func (s *Store) read(pid string) (experiment.Status, error) {
	data, err := os.ReadFile(s.path(pid))
	if errors.Is(err, os.ErrNotExist) {
		return experiment.Status{}, fmt.Errorf("%w: %s", ErrNotFound, pid)
	}
	if err != nil {
		return experiment.Status{}, fmt.Errorf("read status for %s: %w", pid, err)
	}
	var st experiment.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return experiment.Status{}, fmt.Errorf("corrupt status for %s: %w", pid, err)
	}
	return st, nil
}

// Write overwrites the full status record for a participant.
func (s *Store) Write(pid string, st experiment.Status) error {
	l := s.lockFor(pid)
	l.Lock()
	defer l.Unlock()
	return s.write(pid, st)
}

func (s *Store) write(pid string, st experiment.Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status for %s: %w", pid, err)
	}
	tmp, err := os.CreateTemp(s.dir, "P_"+pid+"_status.*.tmp")
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write status for %s: %w", pid, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp status file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(pid)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace status for %s: %w", pid, err)
	}
	return nil
}

// Update performs a read-modify-write of one participant's record under that
// participant's lock. If fn returns an error the record is left untouched.
// This is the only safe way to advance the step cursor or apply the washout
// transition.
func (s *Store) Update(pid string, fn func(*experiment.Status) error) (experiment.Status, error) {
	l := s.lockFor(pid)
	l.Lock()
	defer l.Unlock()

	st, err := s.read(pid)
	if err != nil {
		return experiment.Status{}, err
	}
	if err := fn(&st); err != nil {
		return st, err
	}
	if err := s.write(pid, st); err != nil {
		return experiment.Status{}, err
	}
	return st, nil
}
