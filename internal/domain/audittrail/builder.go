package audittrail

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/custody/internal/domain/custody"
)

// EventSource is the read side of the custody log.
type EventSource interface {
	QueryAuditRecords(ctx context.Context, f custody.AuditFilter) ([]custody.Event, error)
}

// Builder loads a specimen's events and derives its trail.
type Builder struct {
	source EventSource
	policy Policy
}

func NewBuilder(source EventSource, policy Policy) *Builder {
	return &Builder{source: source, policy: policy}
}

func (b *Builder) Policy() Policy { return b.policy }

// BuildTrail performs a full rebuild from the store. Store failures are
// returned as *custody.StoreUnavailableError.
func (b *Builder) BuildTrail(ctx context.Context, specimenID string) (*AuditTrail, error) {
	events, err := b.source.QueryAuditRecords(ctx, custody.AuditFilter{SpecimenID: specimenID})
	if err != nil {
		return nil, &custody.StoreUnavailableError{Op: "query audit records", Err: err}
	}
	return Build(specimenID, events, b.policy), nil
}

// Build derives a trail from events. It does not modify events, and the
// result depends only on its arguments. Malformed events are skipped and
// counted; repeated event IDs are ignored.
func Build(specimenID string, events []custody.Event, p Policy) *AuditTrail {
	sorted := append([]custody.Event(nil), events...)
	custody.SortEvents(sorted)

	t := &AuditTrail{SpecimenID: specimenID}
	seen := make(map[uuid.UUID]bool, len(sorted))
	for _, ev := range sorted {
		if malformed(&ev, specimenID) {
			t.SkippedEvents++
			continue
		}
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		t.step(ev, p)
	}
	t.summarize(p)
	return t
}

// Apply returns the trail with ev added, leaving trail untouched. An event
// older than the trail's last event triggers a full rebuild so the result
// always equals Build over the combined log.
func Apply(trail *AuditTrail, ev custody.Event, p Policy) *AuditTrail {
	if trail == nil {
		return Build(ev.SpecimenID, []custody.Event{ev}, p)
	}
	if malformed(&ev, trail.SpecimenID) {
		next := trail.clone()
		next.Compliance = ComplianceStatus{}
		next.SkippedEvents++
		next.summarize(p)
		return next
	}
	// A repeated ID keeps whichever copy sorts first, as Build does.
	rebuild := false
	for i := range trail.Events {
		if trail.Events[i].ID == ev.ID {
			if !ev.Before(&trail.Events[i]) {
				return trail
			}
			rebuild = true
			break
		}
	}

	if last := trail.LastEvent(); rebuild || (last != nil && ev.Before(last)) {
		events := append(append([]custody.Event(nil), trail.Events...), ev)
		next := Build(trail.SpecimenID, events, p)
		next.SkippedEvents += trail.SkippedEvents
		next.summarize(p)
		return next
	}

	next := trail.clone()
	next.Compliance = ComplianceStatus{}
	next.step(ev, p)
	next.summarize(p)
	return next
}

// step appends one in-order event and records any handoff or gap it closes.
func (t *AuditTrail) step(ev custody.Event, p Policy) {
	prev := t.LastEvent()
	if prev != nil && prev.Kind.ChangesLocation() && ev.Kind.ChangesLocation() {
		delta := ev.Timestamp.Sub(prev.Timestamp)
		minutes := delta.Minutes()
		t.Integrity.Handoffs = append(t.Integrity.Handoffs, Handoff{
			FromEventID:     prev.ID,
			ToEventID:       ev.ID,
			FromPerformer:   prev.Performer,
			ToPerformer:     ev.Performer,
			FromLocation:    prev.ToLocation,
			ToLocation:      ev.ToLocation,
			At:              ev.Timestamp,
			DurationMinutes: minutes,
			QRCodeScanned:   ev.QRCodeScanned,
		})
		if delta > p.GapThreshold {
			sev := SeverityMedium
			if delta > p.HighSeverityGap {
				sev = SeverityHigh
			}
			t.Integrity.Gaps = append(t.Integrity.Gaps, Gap{
				FromEventID:     prev.ID,
				ToEventID:       ev.ID,
				Start:           prev.Timestamp,
				End:             ev.Timestamp,
				DurationMinutes: minutes,
				Severity:        sev,
			})
		}
	}
	if ev.Outcome == custody.OutcomeFailure {
		t.FailedEvents++
	}
	t.Events = append(t.Events, ev)
	t.LastUpdated = ev.Timestamp
}

func malformed(ev *custody.Event, specimenID string) bool {
	switch {
	case ev.ID == uuid.Nil:
		return true
	case ev.SpecimenID == "" || ev.SpecimenID != specimenID:
		return true
	case ev.Timestamp.IsZero():
		return true
	case !ev.Kind.Valid():
		return true
	case ev.Outcome != custody.OutcomeSuccess && ev.Outcome != custody.OutcomeFailure:
		return true
	}
	return false
}
