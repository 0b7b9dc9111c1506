package compliance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/custody/internal/domain/audittrail"
	"github.com/ehr/custody/internal/platform/db"
)

// Resolution records who closed a violation and when.
type Resolution struct {
	ViolationID uuid.UUID `json:"violation_id"`
	SpecimenID  string    `json:"specimen_id"`
	ResolvedBy  string    `json:"resolved_by"`
	ResolvedAt  time.Time `json:"resolved_at"`
	Note        string    `json:"note,omitempty"`
}

// ResolutionStore persists resolutions. Save returns
// audittrail.ErrViolationAlreadyResolved for a violation that already has one.
type ResolutionStore interface {
	Save(ctx context.Context, r Resolution) error
	ForSpecimen(ctx context.Context, specimenID string) (map[uuid.UUID]Resolution, error)
}

// ApplyResolutions marks resolved violations and recomputes the verdicts.
// status is not modified.
func ApplyResolutions(status audittrail.ComplianceStatus, res map[uuid.UUID]Resolution, p Policy) audittrail.ComplianceStatus {
	if len(res) == 0 {
		return status
	}
	violations := make([]audittrail.Violation, len(status.Violations))
	copy(violations, status.Violations)
	for i := range violations {
		r, ok := res[violations[i].ID]
		if !ok || violations[i].Resolved {
			continue
		}
		_ = violations[i].Resolve(r.ResolvedBy, r.ResolvedAt)
	}
	return p.Status(violations)
}

type MemoryResolutionStore struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]Resolution
}

func NewMemoryResolutionStore() *MemoryResolutionStore {
	return &MemoryResolutionStore{byID: make(map[uuid.UUID]Resolution)}
}

func (s *MemoryResolutionStore) Save(_ context.Context, r Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ViolationID]; ok {
		return audittrail.ErrViolationAlreadyResolved
	}
	s.byID[r.ViolationID] = r
	return nil
}

func (s *MemoryResolutionStore) ForSpecimen(_ context.Context, specimenID string) (map[uuid.UUID]Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]Resolution)
	for id, r := range s.byID {
		if r.SpecimenID == specimenID {
			out[id] = r
		}
	}
	return out, nil
}

type ResolutionRepoPG struct {
	pool *pgxpool.Pool
}

func NewResolutionRepoPG(pool *pgxpool.Pool) *ResolutionRepoPG {
	return &ResolutionRepoPG{pool: pool}
}

func (r *ResolutionRepoPG) Save(ctx context.Context, res Resolution) error {
	var note *string
	if res.Note != "" {
		note = &res.Note
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO compliance_resolution (violation_id, specimen_id, resolved_by, resolved_at, note)
		VALUES ($1, $2, $3, $4, $5)`,
		res.ViolationID.String(), res.SpecimenID, res.ResolvedBy, res.ResolvedAt, note)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return audittrail.ErrViolationAlreadyResolved
	}
	if err != nil {
		return fmt.Errorf("insert resolution: %w", err)
	}
	return nil
}

func (r *ResolutionRepoPG) ForSpecimen(ctx context.Context, specimenID string) (map[uuid.UUID]Resolution, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT violation_id, specimen_id, resolved_by, resolved_at, note
		FROM compliance_resolution WHERE specimen_id = $1`, specimenID)
	if err != nil {
		return nil, fmt.Errorf("query resolutions: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]Resolution)
	for rows.Next() {
		var (
			res  Resolution
			id   string
			note *string
		)
		if err := rows.Scan(&id, &res.SpecimenID, &res.ResolvedBy, &res.ResolvedAt, &note); err != nil {
			return nil, err
		}
		res.ViolationID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse violation id %q: %w", id, err)
		}
		if note != nil {
			res.Note = *note
		}
		out[res.ViolationID] = res
	}
	return out, rows.Err()
}
