package custody

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrReconciliationNotFound = errors.New("reconciliation entry not found")
	ErrAlreadyReconciled      = errors.New("reconciliation entry already closed")
)

type ReconciliationState string

const (
	ReconciliationPending    ReconciliationState = "pending"
	ReconciliationReconciled ReconciliationState = "reconciled"
)

// ReconciliationEntry describes an event whose specimen snapshot update failed.
type ReconciliationEntry struct {
	EventID      uuid.UUID           `json:"event_id"`
	SpecimenID   string              `json:"specimen_id"`
	Kind         EventKind           `json:"kind"`
	RecordedAt   time.Time           `json:"recorded_at"`
	Error        string              `json:"error"`
	Intended     Specimen            `json:"intended_snapshot"`
	State        ReconciliationState `json:"state"`
	ReconciledAt *time.Time          `json:"reconciled_at,omitempty"`
	ReconciledBy string              `json:"reconciled_by,omitempty"`
}

// ReconciliationLog is the operator-facing list of partial writes.
type ReconciliationLog struct {
	mu      sync.RWMutex
	entries []*ReconciliationEntry
	byEvent map[uuid.UUID]*ReconciliationEntry
}

func NewReconciliationLog() *ReconciliationLog {
	return &ReconciliationLog{byEvent: make(map[uuid.UUID]*ReconciliationEntry)}
}

func (l *ReconciliationLog) Add(e ReconciliationEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.State == "" {
		e.State = ReconciliationPending
	}
	entry := &e
	l.entries = append(l.entries, entry)
	l.byEvent[e.EventID] = entry
}

func (l *ReconciliationLog) Get(eventID uuid.UUID) (ReconciliationEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byEvent[eventID]
	if !ok {
		return ReconciliationEntry{}, false
	}
	return *e, true
}

// List returns entries in the order they were added. pendingOnly filters out
// reconciled entries.
func (l *ReconciliationLog) List(pendingOnly bool) []ReconciliationEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ReconciliationEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if pendingOnly && e.State != ReconciliationPending {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// HasPending reports whether the specimen has an unreconciled snapshot.
func (l *ReconciliationLog) HasPending(specimenID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.SpecimenID == specimenID && e.State == ReconciliationPending {
			return true
		}
	}
	return false
}

// closeSpecimen marks every pending entry of a specimen reconciled.
func (l *ReconciliationLog) closeSpecimen(specimenID, by string, at time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.SpecimenID == specimenID && e.State == ReconciliationPending {
			t := at
			e.State = ReconciliationReconciled
			e.ReconciledAt = &t
			e.ReconciledBy = by
			n++
		}
	}
	return n
}
