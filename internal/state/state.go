// Package state persists the server lifecycle across agent restarts.
package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const fileName = "lifecycle.json"

// Snapshot is what the agent remembers about the server between runs.
type Snapshot struct {
	// DesiredRunning is true after a start and false after an operator stop
	// or kill. A crash leaves it set.
	DesiredRunning bool       `json:"desired_running"`
	LastState      string     `json:"last_state"`
	LastStart      *time.Time `json:"last_start,omitempty"`
	LastStop       *time.Time `json:"last_stop,omitempty"`
	LastExitCode   *int       `json:"last_exit_code,omitempty"`
	LastPID        int        `json:"last_pid,omitempty"`
	CrashCount     int        `json:"crash_count"`
	LastCrash      *time.Time `json:"last_crash,omitempty"`
	Updated        time.Time  `json:"updated"`
}

func Save(dir string, snap Snapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fileName)
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads the snapshot. A missing file yields the zero snapshot.
func Load(dir string) (Snapshot, error) {
	var snap Snapshot
	b, err := os.ReadFile(filepath.Join(dir, fileName))
	if errors.Is(err, os.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// Store keeps the snapshot in memory and writes it through on every update.
type Store struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	snap Snapshot
}

func Open(dir string) (*Store, error) {
	snap, err := Load(dir)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir, now: time.Now, snap: snap}, nil
}

func (s *Store) Get() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Update applies fn and persists the result.
func (s *Store) Update(fn func(*Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snap
	fn(&next)
	next.Updated = s.now().UTC()
	if err := Save(s.dir, next); err != nil {
		return err
	}
	s.snap = next
	return nil
}
