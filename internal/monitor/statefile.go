// Package monitor receives lifecycle notifications from instances and keeps a
// persistent record of their last known state.
package monitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jamesprial/virt-mcp/internal/vm"
	"gopkg.in/yaml.v3"
)

// Record is what the state file keeps per instance.
type Record struct {
	State     vm.State  `yaml:"state"`
	UpdatedAt time.Time `yaml:"updated_at"`
	Resumes   int       `yaml:"resumes"`
	Suspends  int       `yaml:"suspends"`
	Shutdowns int       `yaml:"shutdowns"`
}

type document struct {
	Instances map[string]Record `yaml:"instances"`
}

// StateFile is a YAML file holding a Record per instance. Every change is
// written through atomically. A StateFile without a path lives in memory.
type StateFile struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	records map[string]Record
}

// OpenStateFile loads the file at path if it exists.
func OpenStateFile(path string) (*StateFile, error) {
	s := &StateFile{
		path:    path,
		now:     time.Now,
		records: make(map[string]Record),
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	for name, r := range doc.Instances {
		s.records[name] = r
	}
	return s, nil
}

// Path returns the backing file path, empty for an in-memory StateFile.
func (s *StateFile) Path() string { return s.path }

// Get returns the record for name.
func (s *StateFile) Get(name string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[name]
	return r, ok
}

// SetState records state as the last known state of name.
func (s *StateFile) SetState(name string, state vm.State) error {
	return s.update(name, func(r *Record) { r.State = state })
}

func (s *StateFile) update(name string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.records[name]
	fn(&r)
	r.UpdatedAt = s.now().UTC()
	s.records[name] = r
	return s.save()
}

// save writes the file via a temporary sibling and rename. s.mu must be held.
func (s *StateFile) save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := yaml.Marshal(document{Instances: s.records})
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
