package audittrail

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/custody/internal/domain/custody"
)

type IntegrityStatus string

const (
	IntegrityIntact       IntegrityStatus = "intact"
	IntegrityQuestionable IntegrityStatus = "questionable"
	IntegrityBroken       IntegrityStatus = "broken"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Gap is an interval between two adjacent location changes longer than the
// policy's gap threshold.
type Gap struct {
	FromEventID     uuid.UUID `json:"from_event_id"`
	ToEventID       uuid.UUID `json:"to_event_id"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes float64   `json:"duration_minutes"`
	Severity        Severity  `json:"severity"`
}

// Handoff is a transfer between two adjacent location-changing events.
type Handoff struct {
	FromEventID     uuid.UUID     `json:"from_event_id"`
	ToEventID       uuid.UUID     `json:"to_event_id"`
	FromPerformer   custody.Actor `json:"from_performer"`
	ToPerformer     custody.Actor `json:"to_performer"`
	FromLocation    string        `json:"from_location,omitempty"`
	ToLocation      string        `json:"to_location,omitempty"`
	At              time.Time     `json:"at"`
	DurationMinutes float64       `json:"duration_minutes"`
	QRCodeScanned   bool          `json:"qr_code_scanned"`
}

type Integrity struct {
	Status                IntegrityStatus `json:"status"`
	Gaps                  []Gap           `json:"gaps"`
	Handoffs              []Handoff       `json:"handoffs"`
	TotalHandoffs         int             `json:"total_handoffs"`
	AverageHandoffMinutes float64         `json:"average_handoff_minutes"`
	LongestGapMinutes     float64         `json:"longest_gap_minutes"`
}

type QualityCategory string

const (
	QualityExcellent QualityCategory = "excellent"
	QualityGood      QualityCategory = "good"
	QualityAverage   QualityCategory = "average"
	QualityPoor      QualityCategory = "poor"
)

// Quality holds scores in [0,100].
type Quality struct {
	Handling      float64         `json:"handling"`
	Timeliness    float64         `json:"timeliness"`
	Documentation float64         `json:"documentation"`
	Overall       float64         `json:"overall"`
	Category      QualityCategory `json:"category"`
}

type Verdict string

const (
	VerdictCompliant    Verdict = "compliant"
	VerdictWarning      Verdict = "warning"
	VerdictNonCompliant Verdict = "non-compliant"
)

// ComplianceStatus is the evaluator's output for one trail.
type ComplianceStatus struct {
	Overall       Verdict     `json:"overall"`
	Custody       Verdict     `json:"custody"`
	Temperature   Verdict     `json:"temperature"`
	Timing        Verdict     `json:"timing"`
	Documentation Verdict     `json:"documentation"`
	Violations    []Violation `json:"violations"`
}

// AuditTrail is the derived view of one specimen's custody log. Values
// returned by Build and Apply are not modified afterwards; Apply returns a
// new trail.
type AuditTrail struct {
	SpecimenID    string           `json:"specimen_id"`
	Events        []custody.Event  `json:"events"`
	Integrity     Integrity        `json:"integrity"`
	Quality       Quality          `json:"quality"`
	Compliance    ComplianceStatus `json:"compliance"`
	FailedEvents  int              `json:"failed_events"`
	SkippedEvents int              `json:"skipped_events"`
	LastUpdated   time.Time        `json:"last_updated"`
}

// FirstEvent and LastEvent return nil on an empty trail.
func (t *AuditTrail) FirstEvent() *custody.Event {
	if len(t.Events) == 0 {
		return nil
	}
	return &t.Events[0]
}

func (t *AuditTrail) LastEvent() *custody.Event {
	if len(t.Events) == 0 {
		return nil
	}
	return &t.Events[len(t.Events)-1]
}

// Span is the time between the first and last event.
func (t *AuditTrail) Span() time.Duration {
	if len(t.Events) < 2 {
		return 0
	}
	return t.Events[len(t.Events)-1].Timestamp.Sub(t.Events[0].Timestamp)
}

func (t *AuditTrail) clone() *AuditTrail {
	cp := *t
	cp.Events = append([]custody.Event(nil), t.Events...)
	cp.Integrity.Gaps = append([]Gap(nil), t.Integrity.Gaps...)
	cp.Integrity.Handoffs = append([]Handoff(nil), t.Integrity.Handoffs...)
	cp.Compliance.Violations = append([]Violation(nil), t.Compliance.Violations...)
	return &cp
}
