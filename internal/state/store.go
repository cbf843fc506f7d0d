// Package state - Runtime State Store
// Crash-safe JSON persistence for running dev-server records. On load every
// record's port is re-probed so stale entries from an unclean shutdown are
// reclaimed instead of blocking their ports forever.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"sitesmith/internal/logging"
)

// Record is the durable projection of one running dev server. It carries no
// process handle; the supervisor owns those.
type Record struct {
	Name        string    `json:"name"`
	Port        int       `json:"port"`
	PID         int       `json:"pid"`
	URL         string    `json:"url"`
	ProjectPath string    `json:"project_path"`
	StartedAt   time.Time `json:"started_at"`
}

// ProbeFunc reports whether a port is still serving. Injected so tests never
// need real sockets.
type ProbeFunc func(port int) bool

// Store persists records to a single JSON file, rewritten atomically on every
// mutation.
type Store struct {
	path  string
	probe ProbeFunc

	mu      sync.RWMutex
	records map[string]Record
}

// NewStore creates a store backed by path. Call Load before first use.
func NewStore(path string, probe ProbeFunc) *Store {
	return &Store{
		path:    path,
		probe:   probe,
		records: make(map[string]Record),
	}
}

// Load reads the state file and validates every record against its port. A
// missing file is a clean first run, not an error. Records whose port no
// longer answers are dropped and the pruned set is persisted back.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		// A corrupt state file must not block startup; start fresh.
		logging.S().Warnf("StateStore: corrupt state file %s, starting empty: %v", s.path, err)
		s.records = make(map[string]Record)
		return s.persistLocked()
	}

	dropped := 0
	for name, rec := range records {
		if rec.Name == "" {
			rec.Name = name
		}
		if s.probe != nil && !s.probe(rec.Port) {
			logging.S().Infof("StateStore: reclaiming stale record %s (port %d dead)", rec.Name, rec.Port)
			dropped++
			continue
		}
		s.records[rec.Name] = rec
	}
	if dropped > 0 {
		return s.persistLocked()
	}
	return nil
}

// Put adds or replaces a record and persists immediately.
func (s *Store) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Name] = rec
	return s.persistLocked()
}

// Remove deletes a record by name and persists. Removing an absent name is a
// no-op.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[name]; !ok {
		return nil
	}
	delete(s.records, name)
	return s.persistLocked()
}

// Get returns the record for name, if present.
func (s *Store) Get(name string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	return rec, ok
}

// List returns all records sorted by name.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReconcileStale re-probes every record and drops the dead ones, returning
// how many were reclaimed.
func (s *Store) ReconcileStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for name, rec := range s.records {
		if s.probe != nil && !s.probe(rec.Port) {
			logging.S().Infof("StateStore: reconciling dead record %s (port %d)", name, rec.Port)
			delete(s.records, name)
			dropped++
		}
	}
	if dropped > 0 {
		if err := s.persistLocked(); err != nil {
			logging.S().Errorf("StateStore: persist after reconcile: %v", err)
		}
	}
	return dropped
}

// Run drives the periodic maintenance timers until ctx is cancelled: resync
// rewrites the file so an external truncation heals, reconcile prunes records
// whose process died without a Stop call.
func (s *Store) Run(ctx context.Context, resync, reconcile time.Duration) {
	resyncTicker := time.NewTicker(resync)
	reconcileTicker := time.NewTicker(reconcile)
	defer resyncTicker.Stop()
	defer reconcileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-resyncTicker.C:
			s.mu.Lock()
			if err := s.persistLocked(); err != nil {
				logging.S().Errorf("StateStore: resync persist: %v", err)
			}
			s.mu.Unlock()
		case <-reconcileTicker.C:
			s.ReconcileStale()
		}
	}
}

// persistLocked atomically rewrites the state file as a name-keyed JSON map.
// Callers hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("state dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state tmp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
