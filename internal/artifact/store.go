package artifact

import (
	"fmt"
	"sort"
	"sync"
)

// Store holds the latest artifact per stage. Reads and writes copy, so a
// reader never observes a partially written artifact.
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{artifacts: make(map[string]*Artifact)}
}

// Put publishes an artifact under its name.
func (s *Store) Put(a *Artifact) error {
	if a == nil || a.Name == "" {
		return fmt.Errorf("artifact: cannot store unnamed artifact")
	}
	cp := a.Clone()
	s.mu.Lock()
	s.artifacts[a.Name] = cp
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the named artifact.
func (s *Store) Get(name string) (*Artifact, error) {
	s.mu.RLock()
	a, ok := s.artifacts[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return a.Clone(), nil
}

// State returns the named artifact's state.
func (s *Store) State(name string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[name]
	if !ok {
		return "", false
	}
	return a.State, true
}

// Names returns stored stage names in sorted order.
func (s *Store) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.artifacts))
	for name := range s.artifacts {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Snapshot returns a deep copy of every artifact.
func (s *Store) Snapshot() map[string]*Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Artifact, len(s.artifacts))
	for name, a := range s.artifacts {
		out[name] = a.Clone()
	}
	return out
}

// Load replaces the store contents with copies of the given artifacts.
func (s *Store) Load(artifacts map[string]*Artifact) {
	next := make(map[string]*Artifact, len(artifacts))
	for name, a := range artifacts {
		next[name] = a.Clone()
	}
	s.mu.Lock()
	s.artifacts = next
	s.mu.Unlock()
}
