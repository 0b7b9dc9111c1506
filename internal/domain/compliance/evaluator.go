package compliance

import (
	"fmt"
	"time"

	"github.com/ehr/custody/internal/domain/audittrail"
	"github.com/ehr/custody/internal/domain/custody"
	"github.com/ehr/custody/internal/domain/registry"
)

// LocationCategories resolves a location to its category. *registry.Registry
// satisfies it.
type LocationCategories interface {
	CategoryOf(locationID string) (registry.Category, bool)
}

// Evaluator applies baseline rules and catalog requirements to a trail. It
// keeps no state between calls.
type Evaluator struct {
	policy    Policy
	locations LocationCategories
}

func NewEvaluator(policy Policy, locations LocationCategories) *Evaluator {
	return &Evaluator{policy: policy, locations: locations}
}

func (e *Evaluator) Policy() Policy { return e.policy }

// EvaluateOne runs only the baseline rules.
func (e *Evaluator) EvaluateOne(trail *audittrail.AuditTrail) audittrail.ComplianceStatus {
	return e.policy.Status(baseline(trail))
}

// Evaluate runs the baseline rules followed by each requirement in order.
// Callers pass only the requirements that apply to the specimen's type.
func (e *Evaluator) Evaluate(trail *audittrail.AuditTrail, reqs []Requirement) audittrail.ComplianceStatus {
	violations := baseline(trail)
	for _, r := range reqs {
		violations = append(violations, e.requirement(trail, r)...)
	}
	return e.policy.Status(violations)
}

func newViolation(trail *audittrail.AuditTrail, rule, key string, typ audittrail.ViolationType,
	sev audittrail.Severity, at time.Time, reqID, desc string) audittrail.Violation {
	return audittrail.Violation{
		ID:            audittrail.ViolationID(trail.SpecimenID, rule, key),
		SpecimenID:    trail.SpecimenID,
		Type:          typ,
		Severity:      sev,
		Description:   desc,
		Timestamp:     at,
		RequirementID: reqID,
	}
}

func baseline(trail *audittrail.AuditTrail) []audittrail.Violation {
	var out []audittrail.Violation
	in := trail.Integrity

	if in.Status == audittrail.IntegrityBroken {
		at := trail.LastUpdated
		for _, g := range in.Gaps {
			if g.Severity == audittrail.SeverityHigh {
				at = g.End
				break
			}
		}
		out = append(out, newViolation(trail, "baseline:broken", "", audittrail.ViolationChainOfCustody,
			audittrail.SeverityHigh, at, "", "Chain of custody broken by an undocumented interval over the high severity threshold"))
	}
	for _, g := range in.Gaps {
		if g.Severity != audittrail.SeverityHigh {
			continue
		}
		out = append(out, newViolation(trail, "baseline:gap", g.ToEventID.String(), audittrail.ViolationChainOfCustody,
			audittrail.SeverityMedium, g.End, "", fmt.Sprintf("Custody gap of %.0f minutes", g.DurationMinutes)))
	}
	for _, ev := range trail.Events {
		if ev.Outcome != custody.OutcomeFailure {
			continue
		}
		desc := fmt.Sprintf("Handling failure during %s", ev.Kind)
		if ev.Comments != "" {
			desc += ": " + ev.Comments
		}
		out = append(out, newViolation(trail, "baseline:failure", ev.ID.String(), audittrail.ViolationProcedure,
			audittrail.SeverityMedium, ev.Timestamp, "", desc))
	}
	return out
}

func penalty(text string) string {
	if text == "" {
		return ""
	}
	return " " + text
}

func (e *Evaluator) requirement(trail *audittrail.AuditTrail, r Requirement) []audittrail.Violation {
	var out []audittrail.Violation
	c := r.Controls
	rule := func(name string) string { return "req:" + r.ID + ":" + name }

	if c.ChainOfCustody && trail.Integrity.Status != audittrail.IntegrityIntact {
		sev, text := audittrail.SeverityMedium, r.Penalties.Violation
		if trail.Integrity.Status == audittrail.IntegrityBroken {
			sev, text = audittrail.SeverityCritical, r.Penalties.Critical
		}
		out = append(out, newViolation(trail, rule("custody"), "", audittrail.ViolationChainOfCustody, sev,
			trail.LastUpdated, r.ID, fmt.Sprintf("%s: chain of custody integrity is %s.%s", r.Name, trail.Integrity.Status, penalty(text))))
	}

	if c.MaxProcessingHours > 0 {
		hours := trail.Span().Hours()
		if hours > c.MaxProcessingHours {
			sev, text := audittrail.SeverityHigh, r.Penalties.Violation
			if hours > 2*c.MaxProcessingHours {
				sev, text = audittrail.SeverityCritical, r.Penalties.Critical
			}
			out = append(out, newViolation(trail, rule("processing"), "", audittrail.ViolationTime, sev, trail.LastUpdated, r.ID,
				fmt.Sprintf("%s: processing took %.1f hours, limit %.1f.%s", r.Name, hours, c.MaxProcessingHours, penalty(text))))
		}
	}

	if c.MaxStorageHours > 0 {
		hours := e.storageHours(trail)
		if hours > c.MaxStorageHours {
			out = append(out, newViolation(trail, rule("storage"), "", audittrail.ViolationTime, audittrail.SeverityHigh, trail.LastUpdated, r.ID,
				fmt.Sprintf("%s: stored for %.1f hours, limit %.1f.%s", r.Name, hours, c.MaxStorageHours, penalty(r.Penalties.Violation))))
		}
	}

	for _, field := range r.RequiredDocumentation {
		missing := 0
		var first time.Time
		for i := range trail.Events {
			present, known := trail.Events[i].HasField(field)
			if known && !present {
				if missing == 0 {
					first = trail.Events[i].Timestamp
				}
				missing++
			}
		}
		if missing > 0 {
			out = append(out, newViolation(trail, rule("doc"), field, audittrail.ViolationDocumentation, audittrail.SeverityMedium, first, r.ID,
				fmt.Sprintf("%s: %d event(s) missing %s.%s", r.Name, missing, field, penalty(r.Penalties.Warning))))
		}
	}

	if c.TemperatureControl {
		out = append(out, temperature(trail, r, rule("temperature"))...)
	}
	return out
}

func temperature(trail *audittrail.AuditTrail, r Requirement, rule string) []audittrail.Violation {
	c := r.Controls
	excursions := 0
	var first *custody.Event
	for i := range trail.Events {
		t := trail.Events[i].TemperatureC
		if t == nil || (*t >= c.TemperatureMinC && *t <= c.TemperatureMaxC) {
			continue
		}
		if first == nil {
			first = &trail.Events[i]
		}
		excursions++
	}
	if first == nil {
		return nil
	}
	return []audittrail.Violation{newViolation(trail, rule, "", audittrail.ViolationTemperature, audittrail.SeverityHigh, first.Timestamp, r.ID,
		fmt.Sprintf("%s: %d reading(s) outside %.1f-%.1f C, first %.1f C.%s", r.Name, excursions,
			c.TemperatureMinC, c.TemperatureMaxC, *first.TemperatureC, penalty(r.Penalties.Violation)))}
}

// storageHours sums the time the specimen sat at storage-category locations
// between its first and last event.
func (e *Evaluator) storageHours(trail *audittrail.AuditTrail) float64 {
	if e.locations == nil {
		return 0
	}
	var total time.Duration
	for i := 0; i+1 < len(trail.Events); i++ {
		cat, ok := e.locations.CategoryOf(trail.Events[i].ToLocation)
		if ok && cat == registry.CategoryStorage {
			total += trail.Events[i+1].Timestamp.Sub(trail.Events[i].Timestamp)
		}
	}
	return total.Hours()
}
