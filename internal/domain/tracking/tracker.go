package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/custody/internal/domain/audittrail"
	"github.com/ehr/custody/internal/domain/compliance"
	"github.com/ehr/custody/internal/domain/custody"
	"github.com/ehr/custody/internal/platform/metrics"
	"github.com/ehr/custody/internal/platform/stream"
)

var ErrViolationNotFound = errors.New("violation not found")

// Publisher is satisfied by *stream.Hub and *stream.RedisRelay.
type Publisher interface {
	Publish(s stream.EventSummary)
}

// SpecimenReader looks up specimens for existence checks and requirement
// applicability.
type SpecimenReader interface {
	GetSpecimen(ctx context.Context, id string) (*custody.Specimen, error)
}

type Deps struct {
	Builder      *audittrail.Builder
	Cache        *audittrail.Cache
	Evaluator    *compliance.Evaluator
	Requirements []compliance.Requirement
	Resolutions  compliance.ResolutionStore
	Specimens    SpecimenReader
	Locks        *custody.KeyedMutex
	Identity     custody.IdentityProvider
	Publisher    Publisher
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// Tracker keeps each specimen's cached trail and compliance status current
// and publishes what changed. It is the recorder's observer, so
// EventRecorded and PartialWrite run under the specimen's lock.
type Tracker struct {
	d   Deps
	now func() time.Time
}

func NewTracker(d Deps) *Tracker {
	return &Tracker{d: d, now: time.Now}
}

// EventRecorded applies ev to the cached trail, or rebuilds it from the log
// on a cache miss, then re-evaluates compliance.
func (t *Tracker) EventRecorded(ctx context.Context, ev custody.Event) {
	var (
		next     *audittrail.AuditTrail
		previous audittrail.Verdict
	)
	if cached, ok := t.d.Cache.Get(ev.SpecimenID); ok {
		previous = cached.Compliance.Overall
		next = audittrail.Apply(cached, ev, t.d.Builder.Policy())
		if next == cached {
			return
		}
	} else {
		rebuilt, err := t.d.Builder.BuildTrail(ctx, ev.SpecimenID)
		if err != nil {
			t.d.Logger.Warn().Err(err).Str("specimen_id", ev.SpecimenID).Msg("trail rebuild failed")
			t.d.Cache.Invalidate(ev.SpecimenID)
			t.publishEvent(ev, "")
			return
		}
		t.d.Metrics.IncTrailRebuild()
		next = rebuilt
	}

	next.Compliance = t.evaluate(ctx, next)
	t.d.Cache.Put(next)

	t.publishEvent(ev, next.Compliance.Overall)
	t.flagIfChanged(ev.SpecimenID, previous, next.Compliance)
}

func (t *Tracker) PartialWrite(_ context.Context, entry custody.ReconciliationEntry) {
	t.d.Publisher.Publish(stream.EventSummary{
		Kind:       stream.KindPartialWrite,
		SpecimenID: entry.SpecimenID,
		EventID:    entry.EventID.String(),
		EventKind:  string(entry.Kind),
		Message:    "specimen snapshot not updated; queued for reconciliation",
	})
}

func (t *Tracker) publishEvent(ev custody.Event, verdict audittrail.Verdict) {
	t.d.Publisher.Publish(stream.EventSummary{
		Kind:       stream.KindCustodyEvent,
		SpecimenID: ev.SpecimenID,
		EventID:    ev.ID.String(),
		EventKind:  string(ev.Kind),
		Location:   ev.ToLocation,
		Status:     string(ev.ToStatus),
		Performer:  ev.Performer.DisplayName,
		Outcome:    string(ev.Outcome),
		Verdict:    string(verdict),
	})
}

// flagIfChanged publishes a compliance flag when the verdict moves. A trail
// seen for the first time is flagged only if it is not compliant.
func (t *Tracker) flagIfChanged(specimenID string, previous audittrail.Verdict, status audittrail.ComplianceStatus) {
	current := status.Overall
	if current == previous || (previous == "" && current == audittrail.VerdictCompliant) {
		return
	}
	open := 0
	for _, v := range status.Violations {
		if !v.Resolved {
			open++
		}
	}
	t.d.Metrics.IncVerdictChange(string(current))
	t.d.Publisher.Publish(stream.EventSummary{
		Kind:       stream.KindComplianceFlag,
		SpecimenID: specimenID,
		Verdict:    string(current),
		Previous:   string(previous),
		Message:    fmt.Sprintf("%d unresolved violation(s)", open),
	})
}

// evaluate runs the requirements that apply to the specimen's type and
// re-applies stored resolutions.
func (t *Tracker) evaluate(ctx context.Context, trail *audittrail.AuditTrail) audittrail.ComplianceStatus {
	specimenType := ""
	if t.d.Specimens != nil {
		sp, err := t.d.Specimens.GetSpecimen(ctx, trail.SpecimenID)
		if err != nil {
			t.d.Logger.Warn().Err(err).Str("specimen_id", trail.SpecimenID).Msg("specimen lookup failed, using type-independent requirements")
		} else {
			specimenType = sp.Type
		}
	}
	status := t.d.Evaluator.Evaluate(trail, compliance.Applicable(t.d.Requirements, specimenType))
	if t.d.Resolutions == nil {
		return status
	}
	res, err := t.d.Resolutions.ForSpecimen(ctx, trail.SpecimenID)
	if err != nil {
		t.d.Logger.Warn().Err(err).Str("specimen_id", trail.SpecimenID).Msg("loading resolutions failed")
		return status
	}
	return compliance.ApplyResolutions(status, res, t.d.Evaluator.Policy())
}

// Trail returns the specimen's current trail, building and caching it under
// the specimen lock on a miss.
func (t *Tracker) Trail(ctx context.Context, specimenID string) (*audittrail.AuditTrail, error) {
	if cached, ok := t.d.Cache.Get(specimenID); ok {
		return cached, nil
	}
	unlock := t.d.Locks.Lock(specimenID)
	defer unlock()
	return t.trailLocked(ctx, specimenID)
}

func (t *Tracker) trailLocked(ctx context.Context, specimenID string) (*audittrail.AuditTrail, error) {
	if cached, ok := t.d.Cache.Get(specimenID); ok {
		return cached, nil
	}
	if _, err := t.d.Specimens.GetSpecimen(ctx, specimenID); err != nil {
		if errors.Is(err, custody.ErrNotFound) {
			return nil, &custody.SpecimenNotFoundError{SpecimenID: specimenID}
		}
		return nil, &custody.StoreUnavailableError{Op: "get specimen", Err: err}
	}
	trail, err := t.d.Builder.BuildTrail(ctx, specimenID)
	if err != nil {
		return nil, err
	}
	t.d.Metrics.IncTrailRebuild()
	trail.Compliance = t.evaluate(ctx, trail)
	t.d.Cache.Put(trail)
	return trail, nil
}

// Baseline evaluates only the built-in rules against the current trail.
func (t *Tracker) Baseline(ctx context.Context, specimenID string) (audittrail.ComplianceStatus, error) {
	trail, err := t.Trail(ctx, specimenID)
	if err != nil {
		return audittrail.ComplianceStatus{}, err
	}
	return t.d.Evaluator.EvaluateOne(trail), nil
}

// Resolve closes one violation on behalf of the current actor, persists the
// resolution and refreshes the cached compliance status.
func (t *Tracker) Resolve(ctx context.Context, specimenID string, violationID uuid.UUID, note string) (*audittrail.Violation, error) {
	actor, err := t.d.Identity.CurrentActor(ctx)
	if err != nil || actor.ID == "" {
		return nil, &custody.UnauthenticatedError{}
	}

	unlock := t.d.Locks.Lock(specimenID)
	defer unlock()

	trail, err := t.trailLocked(ctx, specimenID)
	if err != nil {
		return nil, err
	}
	var target *audittrail.Violation
	for i := range trail.Compliance.Violations {
		if trail.Compliance.Violations[i].ID == violationID {
			v := trail.Compliance.Violations[i]
			target = &v
			break
		}
	}
	if target == nil {
		return nil, ErrViolationNotFound
	}
	if err := target.Resolve(actor.ID, t.now()); err != nil {
		return nil, err
	}

	res := compliance.Resolution{
		ViolationID: violationID,
		SpecimenID:  specimenID,
		ResolvedBy:  actor.ID,
		ResolvedAt:  *target.ResolvedAt,
		Note:        note,
	}
	if err := t.d.Resolutions.Save(ctx, res); err != nil {
		if errors.Is(err, audittrail.ErrViolationAlreadyResolved) {
			return nil, err
		}
		return nil, &custody.StoreUnavailableError{Op: "save resolution", Err: err}
	}

	next := *trail
	next.Compliance = compliance.ApplyResolutions(trail.Compliance,
		map[uuid.UUID]compliance.Resolution{violationID: res}, t.d.Evaluator.Policy())
	t.d.Cache.Put(&next)
	t.d.Logger.Info().
		Str("specimen_id", specimenID).
		Str("violation_id", violationID.String()).
		Str("resolved_by", actor.ID).
		Msg("violation resolved")
	t.flagIfChanged(specimenID, trail.Compliance.Overall, next.Compliance)
	return target, nil
}

// InvalidateRemote drops cached trails for specimens changed by other server
// instances, as seen on the relayed stream. It returns when ctx ends or sub
// is closed.
func (t *Tracker) InvalidateRemote(ctx context.Context, sub *stream.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-sub.C:
			if !ok {
				return
			}
			if s.Origin == "" || s.Kind != stream.KindCustodyEvent {
				continue
			}
			unlock := t.d.Locks.Lock(s.SpecimenID)
			t.d.Cache.Invalidate(s.SpecimenID)
			unlock()
		}
	}
}
