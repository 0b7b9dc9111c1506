package custody

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a process-local ResourceStore used in development and tests.
// It does not implement Transactor, so the recorder takes its append-then-update
// path against it.
type MemoryStore struct {
	mu        sync.RWMutex
	specimens map[string]*Specimen
	events    []Event
	seq       int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{specimens: make(map[string]*Specimen)}
}

// PutSpecimen inserts or replaces a specimen without validation.
func (s *MemoryStore) PutSpecimen(sp *Specimen) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specimens[sp.ID] = sp.clone()
}

func (s *MemoryStore) CreateSpecimen(_ context.Context, sp *Specimen) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.specimens[sp.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSpecimenExists, sp.ID)
	}
	s.specimens[sp.ID] = sp.clone()
	return nil
}

func (s *MemoryStore) GetSpecimen(_ context.Context, id string) (*Specimen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.specimens[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sp.clone(), nil
}

func (s *MemoryStore) UpdateSpecimen(_ context.Context, sp *Specimen) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.specimens[sp.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sp.ID)
	}
	if cur.VersionID != sp.VersionID-1 {
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, sp.ID, cur.VersionID)
	}
	s.specimens[sp.ID] = sp.clone()
	return nil
}

func (s *MemoryStore) AppendAuditRecord(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	ev.Sequence = s.seq
	ev.AuditRecordID = fmt.Sprintf("audit-%d", s.seq)
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryStore) QueryAuditRecords(_ context.Context, f AuditFilter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for i := range s.events {
		if f.Matches(&s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	SortEvents(out)
	return out, nil
}

// SpecimenIDs lists stored specimens, sorted.
func (s *MemoryStore) SpecimenIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.specimens))
	for id := range s.specimens {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
