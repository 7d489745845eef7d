package store

import (
	"sync"

	"github.com/SpecterOps/CertHound/internal/types"
)

// FindingStore is the deduplicated collection of findings produced by the
// technique rule engine. Insertion order is preserved so reports are stable
// across identical scans.
type FindingStore struct {
	mu       sync.RWMutex
	findings []types.Finding
	keys     map[string]struct{}
}

// NewFindingStore creates an empty finding store.
func NewFindingStore() *FindingStore {
	return &FindingStore{keys: make(map[string]struct{})}
}

// Add inserts a finding unless one with the same (object, technique,
// principal) key already exists. It reports whether the finding was inserted;
// a duplicate is not an error, just suppressed.
func (s *FindingStore) Add(f types.Finding) bool {
	key := f.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.keys[key]; dup {
		return false
	}
	s.keys[key] = struct{}{}
	s.findings = append(s.findings, f)
	return true
}

// Contains reports whether a finding with the same key is already stored.
func (s *FindingStore) Contains(f types.Finding) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[f.Key()]
	return ok
}

// All returns a copy of the stored findings in insertion order.
func (s *FindingStore) All() []types.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Finding, len(s.findings))
	copy(out, s.findings)
	return out
}

// ByTechnique returns the stored findings for one technique, in insertion
// order.
func (s *FindingStore) ByTechnique(technique string) []types.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Finding
	for _, f := range s.findings {
		if f.Technique == technique {
			out = append(out, f)
		}
	}
	return out
}

// Len returns the number of stored findings.
func (s *FindingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.findings)
}

// Clear drops all findings. Used by the rescan trigger before re-running the
// scan phases.
func (s *FindingStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = nil
	s.keys = make(map[string]struct{})
}
