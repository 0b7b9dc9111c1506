package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/custody/internal/platform/db"
)

// StorePG keeps specimens and custody events in PostgreSQL. Writes issued inside
// WithinTx share one transaction.
type StorePG struct {
	pool *pgxpool.Pool
}

func NewStorePG(pool *pgxpool.Pool) *StorePG {
	return &StorePG{pool: pool}
}

func (s *StorePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

func (s *StorePG) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, s.pool, fn)
}

const specimenCols = `id, accession_number, type_code, status, current_location, notes, version_id, updated_at`

func scanSpecimen(row pgx.Row) (*Specimen, error) {
	var sp Specimen
	var accession, typeCode, location *string
	if err := row.Scan(&sp.ID, &accession, &typeCode, &sp.Status, &location, &sp.Notes, &sp.VersionID, &sp.UpdatedAt); err != nil {
		return nil, err
	}
	sp.AccessionNumber = deref(accession)
	sp.Type = deref(typeCode)
	sp.CurrentLocation = deref(location)
	return &sp, nil
}

func (s *StorePG) GetSpecimen(ctx context.Context, id string) (*Specimen, error) {
	return s.getSpecimen(ctx, `SELECT `+specimenCols+` FROM specimen WHERE id = $1`, id)
}

// GetSpecimenForUpdate locks the specimen row until the surrounding
// transaction ends. Outside WithinTx the lock is released immediately.
func (s *StorePG) GetSpecimenForUpdate(ctx context.Context, id string) (*Specimen, error) {
	return s.getSpecimen(ctx, `SELECT `+specimenCols+` FROM specimen WHERE id = $1 FOR UPDATE`, id)
}

func (s *StorePG) getSpecimen(ctx context.Context, query, id string) (*Specimen, error) {
	sp, err := scanSpecimen(s.conn(ctx).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sp, err
}

func (s *StorePG) CreateSpecimen(ctx context.Context, sp *Specimen) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO specimen (id, accession_number, type_code, status, current_location, notes, version_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sp.ID, nullable(sp.AccessionNumber), nullable(sp.Type), sp.Status, nullable(sp.CurrentLocation),
		notes(sp.Notes), sp.VersionID, sp.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrSpecimenExists, sp.ID)
	}
	return err
}

func (s *StorePG) UpdateSpecimen(ctx context.Context, sp *Specimen) error {
	q := s.conn(ctx)
	tag, err := q.Exec(ctx, `
		UPDATE specimen SET status = $2, current_location = $3, notes = $4, version_id = $5, updated_at = $6
		WHERE id = $1 AND version_id = $7`,
		sp.ID, sp.Status, nullable(sp.CurrentLocation), notes(sp.Notes), sp.VersionID, sp.UpdatedAt, sp.VersionID-1)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM specimen WHERE id = $1)`, sp.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, sp.ID)
	}
	return fmt.Errorf("%w: %s", ErrVersionConflict, sp.ID)
}

func (s *StorePG) AppendAuditRecord(ctx context.Context, ev *Event) error {
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO custody_event (id, specimen_id, kind, occurred_at, from_location, to_location,
			from_status, to_status, station_id, performer_id, performer_name, performer_role,
			comments, qr_code_scanned, outcome, temperature_c)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING seq`,
		ev.ID, ev.SpecimenID, ev.Kind, ev.Timestamp, nullable(ev.FromLocation), nullable(ev.ToLocation),
		nullable(string(ev.FromStatus)), nullable(string(ev.ToStatus)), nullable(ev.StationID),
		ev.Performer.ID, ev.Performer.DisplayName, nullable(ev.Performer.Role),
		nullable(ev.Comments), ev.QRCodeScanned, ev.Outcome, ev.TemperatureC,
	).Scan(&ev.Sequence)
	if err != nil {
		return err
	}
	ev.AuditRecordID = fmt.Sprintf("audit-%d", ev.Sequence)
	return nil
}

const eventCols = `id, specimen_id, kind, occurred_at, seq, from_location, to_location,
	from_status, to_status, station_id, performer_id, performer_name, performer_role,
	comments, qr_code_scanned, outcome, temperature_c`

func (s *StorePG) QueryAuditRecords(ctx context.Context, f AuditFilter) ([]Event, error) {
	query := `SELECT ` + eventCols + ` FROM custody_event WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.SpecimenID != "" {
		query += fmt.Sprintf(` AND specimen_id = $%d`, idx)
		args = append(args, f.SpecimenID)
		idx++
	}
	if !f.Since.IsZero() {
		query += fmt.Sprintf(` AND occurred_at >= $%d`, idx)
		args = append(args, f.Since)
		idx++
	}
	if !f.Until.IsZero() {
		query += fmt.Sprintf(` AND occurred_at <= $%d`, idx)
		args = append(args, f.Until)
	}
	query += ` ORDER BY occurred_at, seq`

	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var fromLoc, toLoc, fromStatus, toStatus, station, role, comments *string
		if err := rows.Scan(&ev.ID, &ev.SpecimenID, &ev.Kind, &ev.Timestamp, &ev.Sequence,
			&fromLoc, &toLoc, &fromStatus, &toStatus, &station,
			&ev.Performer.ID, &ev.Performer.DisplayName, &role,
			&comments, &ev.QRCodeScanned, &ev.Outcome, &ev.TemperatureC); err != nil {
			return nil, err
		}
		ev.FromLocation = deref(fromLoc)
		ev.ToLocation = deref(toLoc)
		ev.FromStatus = Status(deref(fromStatus))
		ev.ToStatus = Status(deref(toStatus))
		ev.StationID = deref(station)
		ev.Performer.Role = deref(role)
		ev.Comments = deref(comments)
		ev.AuditRecordID = fmt.Sprintf("audit-%d", ev.Sequence)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func notes(n []string) []string {
	if n == nil {
		return []string{}
	}
	return n
}
