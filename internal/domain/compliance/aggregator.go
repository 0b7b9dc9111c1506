package compliance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/custody/internal/domain/audittrail"
	"github.com/ehr/custody/internal/domain/custody"
	"github.com/ehr/custody/internal/platform/metrics"
)

// SpecimenReader resolves a specimen's type for requirement applicability.
type SpecimenReader interface {
	GetSpecimen(ctx context.Context, id string) (*custody.Specimen, error)
}

// AggregatorDeps groups the collaborators of an Aggregator. Specimens,
// Resolutions, Reports, Identity and Metrics are optional.
type AggregatorDeps struct {
	Events       audittrail.EventSource
	Specimens    SpecimenReader
	Evaluator    *Evaluator
	TrailPolicy  audittrail.Policy
	Requirements []Requirement
	Resolutions  ResolutionStore
	Reports      ReportRepository
	Identity     custody.IdentityProvider
	Concurrency  int
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// Aggregator builds compliance reports over many trails. It takes no
// specimen locks; each trail is built from the event snapshot read at the
// start of the run.
type Aggregator struct {
	deps AggregatorDeps
	now  func() time.Time
}

func NewAggregator(deps AggregatorDeps) *Aggregator {
	if deps.Concurrency < 1 {
		deps.Concurrency = 1
	}
	return &Aggregator{deps: deps, now: time.Now}
}

type specimenResult struct {
	lastEvent  time.Time
	handling   time.Duration
	measured   bool
	compliant  bool
	violations []audittrail.Violation
}

// Window resolves the reporting period. A zero end means now; a zero start is
// derived from end for the fixed-length report types.
func Window(t ReportType, start, end, now time.Time) (time.Time, time.Time, error) {
	if !t.Valid() {
		return start, end, fmt.Errorf("%w: unknown report type %q", ErrInvalidReport, t)
	}
	if end.IsZero() {
		end = now
	}
	if start.IsZero() {
		switch t {
		case ReportDaily:
			start = end.AddDate(0, 0, -1)
		case ReportWeekly:
			start = end.AddDate(0, 0, -7)
		case ReportMonthly:
			start = end.AddDate(0, -1, 0)
		default:
			return start, end, fmt.Errorf("%w: custom reports need a start", ErrInvalidReport)
		}
	}
	if start.After(end) {
		return start, end, fmt.Errorf("%w: start %s is after end %s", ErrInvalidReport,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return start.UTC(), end.UTC(), nil
}

// GenerateReport evaluates every specimen whose trail ends within
// [start, end]. If ctx expires first nothing is returned or saved and the
// error wraps both ErrReportTimeout and the context error.
func (a *Aggregator) GenerateReport(ctx context.Context, reportType ReportType, start, end time.Time) (rep *Report, err error) {
	began := a.now()
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, ErrReportTimeout):
			result = "timeout"
		case err != nil:
			result = "error"
		}
		a.deps.Metrics.ObserveReport(string(reportType), result, a.now().Sub(began))
	}()

	start, end, err = Window(reportType, start, end, began)
	if err != nil {
		return nil, err
	}

	events, err := a.deps.Events.QueryAuditRecords(ctx, custody.AuditFilter{Until: end})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrReportTimeout, ctxErr)
		}
		return nil, &custody.StoreUnavailableError{Op: "query audit records", Err: err}
	}
	groups := custody.GroupBySpecimen(events)
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]*specimenResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.deps.Concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := a.evaluate(gctx, id, groups[id], start)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrReportTimeout, ctxErr)
		}
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrReportTimeout, ctxErr)
	}

	rep = a.assemble(ctx, reportType, start, end, results)
	if a.deps.Reports != nil {
		if err := a.deps.Reports.Save(ctx, rep); err != nil {
			return nil, fmt.Errorf("save report: %w", err)
		}
	}
	a.deps.Logger.Info().
		Str("report_id", rep.ID.String()).
		Str("type", string(rep.Type)).
		Int("specimens", rep.TotalSpecimens).
		Float64("compliance_rate", rep.ComplianceRate).
		Msg("compliance report generated")
	return rep, nil
}

func (a *Aggregator) evaluate(ctx context.Context, specimenID string, events []custody.Event, start time.Time) (*specimenResult, error) {
	trail := audittrail.Build(specimenID, events, a.deps.TrailPolicy)
	last := trail.LastEvent()
	if last == nil || last.Timestamp.Before(start) {
		return nil, nil
	}

	reqs := a.deps.Requirements
	if a.deps.Specimens != nil {
		sp, err := a.deps.Specimens.GetSpecimen(ctx, specimenID)
		switch {
		case err == nil:
			reqs = Applicable(reqs, sp.Type)
		case errors.Is(err, custody.ErrNotFound):
			reqs = Applicable(reqs, "")
		default:
			return nil, &custody.StoreUnavailableError{Op: "get specimen", Err: err}
		}
	}

	status := a.deps.Evaluator.Evaluate(trail, reqs)
	if a.deps.Resolutions != nil {
		res, err := a.deps.Resolutions.ForSpecimen(ctx, specimenID)
		if err != nil {
			return nil, &custody.StoreUnavailableError{Op: "load resolutions", Err: err}
		}
		status = ApplyResolutions(status, res, a.deps.Evaluator.Policy())
	}

	out := &specimenResult{
		lastEvent: last.Timestamp,
		compliant: status.Overall == audittrail.VerdictCompliant,
	}
	if len(trail.Events) >= 2 {
		out.handling = trail.Span()
		out.measured = true
	}
	for _, v := range status.Violations {
		if !v.Resolved {
			out.violations = append(out.violations, v)
		}
	}
	return out, nil
}

func (a *Aggregator) assemble(ctx context.Context, reportType ReportType, start, end time.Time, results []*specimenResult) *Report {
	rep := &Report{
		ID:               uuid.New(),
		Type:             reportType,
		PeriodStart:      start,
		PeriodEnd:        end,
		ViolationsByType: make(map[audittrail.ViolationType]int),
		Violations:       []audittrail.Violation{},
		Trends:           []TrendEntry{},
		GeneratedAt:      a.now().UTC(),
		GeneratedBy:      "system",
	}
	if a.deps.Identity != nil {
		if actor, err := a.deps.Identity.CurrentActor(ctx); err == nil && actor.ID != "" {
			rep.GeneratedBy = actor.ID
		}
	}

	var handling time.Duration
	measured := 0
	days := make(map[string]*TrendEntry)
	for _, r := range results {
		if r == nil {
			continue
		}
		rep.TotalSpecimens++
		day := r.lastEvent.UTC().Format("2006-01-02")
		trend, ok := days[day]
		if !ok {
			trend = &TrendEntry{Date: day}
			days[day] = trend
		}
		trend.Specimens++
		if r.compliant {
			rep.CompliantSpecimens++
			trend.Compliant++
		}
		if r.measured {
			handling += r.handling
			measured++
		}
		trend.Violations += len(r.violations)
		for _, v := range r.violations {
			rep.TotalViolations++
			rep.ViolationsByType[v.Type]++
			if v.Severity == audittrail.SeverityCritical {
				rep.CriticalViolations++
			}
			rep.Violations = append(rep.Violations, v)
		}
	}

	rep.ComplianceRate = rate(rep.CompliantSpecimens, rep.TotalSpecimens)
	if measured > 0 {
		rep.AverageHandlingHours = handling.Hours() / float64(measured)
	}
	for _, t := range days {
		t.ComplianceRate = rate(t.Compliant, t.Specimens)
		rep.Trends = append(rep.Trends, *t)
	}
	sort.Slice(rep.Trends, func(i, j int) bool { return rep.Trends[i].Date < rep.Trends[j].Date })
	rep.Recommendations = recommend(rep.ComplianceRate, rep.ViolationsByType, rep.TotalViolations)
	return rep
}

// rate is the compliant percentage; an empty set is fully compliant.
func rate(compliant, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(compliant) / float64(total) * 100
}
