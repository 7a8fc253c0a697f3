package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/denizumutdereli/neurosim/pkg/core"
)

// Entry describes one completed run
type Entry struct {
	RunID     core.RunID         `json:"runId"`
	Scenario  string             `json:"scenario"`
	CreatedAt time.Time          `json:"createdAt"`
	Duration  float64            `json:"durationSeconds"`
	Dt        float64            `json:"dtSeconds"`
	Steps     int64              `json:"steps"`
	Seed      int64              `json:"seed"`
	Spikes    int                `json:"spikes"`
	Elapsed   time.Duration      `json:"elapsedNs"`
	Saved     bool               `json:"saved"` // a recording file exists
	Summary   map[string]float64 `json:"summary,omitempty"`
}

// Store keeps the run index in a JSON file
type Store struct {
	entries  map[core.RunID]*Entry
	mu       sync.RWMutex
	filePath string
}

// NewStore opens or creates the run index under dataPath
func NewStore(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry path: %w", err)
	}

	s := &Store{
		entries:  make(map[core.RunID]*Entry),
		filePath: filepath.Join(dataPath, "runs.json"),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return s, nil
}

// Add records a run. Returns error if the run ID is already indexed.
func (s *Store) Add(e Entry) error {
	if e.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[e.RunID]; exists {
		return fmt.Errorf("run already registered: %s", e.RunID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.entries[e.RunID] = &e

	if err := s.save(); err != nil {
		delete(s.entries, e.RunID)
		return fmt.Errorf("failed to persist: %w", err)
	}
	return nil
}

// Get returns a copy of the entry for id
func (s *Store) Get(id core.RunID) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", core.ErrRunNotFound, id)
	}
	return *e, nil
}

// List returns all runs, oldest first; scenario filters when non-empty
func (s *Store) List(scenario string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if scenario != "" && e.Scenario != scenario {
			continue
		}
		result = append(result, *e)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].RunID < result[j].RunID
	})
	return result
}

// Delete removes a run from the index
func (s *Store) Delete(id core.RunID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted, exists := s.entries[id]
	if !exists {
		return fmt.Errorf("%w: %s", core.ErrRunNotFound, id)
	}
	delete(s.entries, id)

	if err := s.save(); err != nil {
		s.entries[id] = deleted
		return fmt.Errorf("failed to persist: %w", err)
	}
	return nil
}

// Count returns the number of indexed runs
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ── Persistence ──────────────────────────────────────────────

func (s *Store) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No file yet
		}
		return err
	}

	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	for _, e := range entries {
		s.entries[e.RunID] = e
	}
	return nil
}

func (s *Store) save() error {
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RunID < entries[j].RunID })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.filePath)
}
