package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/custody/internal/domain/audittrail"
	"github.com/ehr/custody/internal/platform/db"
	"github.com/ehr/custody/pkg/pagination"
)

type ReportType string

const (
	ReportDaily   ReportType = "daily"
	ReportWeekly  ReportType = "weekly"
	ReportMonthly ReportType = "monthly"
	ReportCustom  ReportType = "custom"
)

func (t ReportType) Valid() bool {
	switch t {
	case ReportDaily, ReportWeekly, ReportMonthly, ReportCustom:
		return true
	}
	return false
}

var (
	ErrReportNotFound = errors.New("compliance report not found")
	ErrInvalidReport  = errors.New("invalid report request")
	ErrReportTimeout  = errors.New("compliance report generation timed out")
)

// TrendEntry summarizes the specimens whose trails ended on one UTC day.
type TrendEntry struct {
	Date           string  `json:"date"`
	Specimens      int     `json:"specimens"`
	Compliant      int     `json:"compliant"`
	Violations     int     `json:"violations"`
	ComplianceRate float64 `json:"compliance_rate"`
}

// Report is immutable once generated.
type Report struct {
	ID                   uuid.UUID                        `json:"id"`
	Type                 ReportType                       `json:"type"`
	PeriodStart          time.Time                        `json:"period_start"`
	PeriodEnd            time.Time                        `json:"period_end"`
	TotalSpecimens       int                              `json:"total_specimens"`
	CompliantSpecimens   int                              `json:"compliant_specimens"`
	TotalViolations      int                              `json:"total_violations"`
	CriticalViolations   int                              `json:"critical_violations"`
	ViolationsByType     map[audittrail.ViolationType]int `json:"violations_by_type"`
	Violations           []audittrail.Violation           `json:"violations"`
	AverageHandlingHours float64                          `json:"average_handling_hours"`
	ComplianceRate       float64                          `json:"compliance_rate"`
	Trends               []TrendEntry                     `json:"trends"`
	Recommendations      []string                         `json:"recommendations"`
	GeneratedAt          time.Time                        `json:"generated_at"`
	GeneratedBy          string                           `json:"generated_by"`
}

// ReportRepository stores generated reports.
type ReportRepository interface {
	Save(ctx context.Context, r *Report) error
	Get(ctx context.Context, id uuid.UUID) (*Report, error)
	List(ctx context.Context, p pagination.Params) ([]*Report, int, error)
}

type MemoryReportRepo struct {
	mu      sync.RWMutex
	reports []*Report
}

func NewMemoryReportRepo() *MemoryReportRepo {
	return &MemoryReportRepo{}
}

func (m *MemoryReportRepo) Save(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return nil
}

func (m *MemoryReportRepo) Get(_ context.Context, id uuid.UUID) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reports {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, ErrReportNotFound
}

// List returns reports newest first.
func (m *MemoryReportRepo) List(_ context.Context, p pagination.Params) ([]*Report, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sorted := append([]*Report(nil), m.reports...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].GeneratedAt.After(sorted[j].GeneratedAt) })
	return pagination.Slice(sorted, p), len(sorted), nil
}

// ReportRepoPG keeps the full report as JSONB next to the columns used for
// listing.
type ReportRepoPG struct {
	pool *pgxpool.Pool
}

func NewReportRepoPG(pool *pgxpool.Pool) *ReportRepoPG {
	return &ReportRepoPG{pool: pool}
}

func (r *ReportRepoPG) Save(ctx context.Context, rep *Report) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO compliance_report (id, report_type, period_start, period_end, compliance_rate, generated_at, generated_by, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rep.ID, string(rep.Type), rep.PeriodStart, rep.PeriodEnd, rep.ComplianceRate, rep.GeneratedAt, rep.GeneratedBy, body)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (r *ReportRepoPG) Get(ctx context.Context, id uuid.UUID) (*Report, error) {
	var body []byte
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT body FROM compliance_report WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	var rep Report
	if err := json.Unmarshal(body, &rep); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", id, err)
	}
	return &rep, nil
}

func (r *ReportRepoPG) List(ctx context.Context, p pagination.Params) ([]*Report, int, error) {
	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM compliance_report`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT body FROM compliance_report ORDER BY generated_at DESC `+p.SQL())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Report
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, 0, err
		}
		var rep Report
		if err := json.Unmarshal(body, &rep); err != nil {
			return nil, 0, fmt.Errorf("decode report: %w", err)
		}
		out = append(out, &rep)
	}
	return out, total, rows.Err()
}
