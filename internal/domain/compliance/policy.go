package compliance

import (
	"fmt"

	"github.com/ehr/custody/internal/domain/audittrail"
)

// Policy holds the verdict thresholds.
type Policy struct {
	// MaxHighViolations is the number of unresolved high-severity violations
	// tolerated before a trail is non-compliant.
	MaxHighViolations int
}

func DefaultPolicy() Policy {
	return Policy{MaxHighViolations: 2}
}

func (p Policy) Validate() error {
	if p.MaxHighViolations < 0 {
		return fmt.Errorf("max high violations must not be negative, got %d", p.MaxHighViolations)
	}
	return nil
}

// Verdict classifies a violation set. Resolved violations are ignored.
func (p Policy) Verdict(violations []audittrail.Violation) audittrail.Verdict {
	high, open := 0, 0
	for _, v := range violations {
		if v.Resolved {
			continue
		}
		open++
		switch v.Severity {
		case audittrail.SeverityCritical:
			return audittrail.VerdictNonCompliant
		case audittrail.SeverityHigh:
			high++
		}
	}
	switch {
	case high > p.MaxHighViolations:
		return audittrail.VerdictNonCompliant
	case open > 0:
		return audittrail.VerdictWarning
	}
	return audittrail.VerdictCompliant
}

// Status derives the overall verdict and the per-area sub-verdicts.
func (p Policy) Status(violations []audittrail.Violation) audittrail.ComplianceStatus {
	return audittrail.ComplianceStatus{
		Overall:       p.Verdict(violations),
		Custody:       p.Verdict(ofType(violations, audittrail.ViolationChainOfCustody)),
		Temperature:   p.Verdict(ofType(violations, audittrail.ViolationTemperature)),
		Timing:        p.Verdict(ofType(violations, audittrail.ViolationTime)),
		Documentation: p.Verdict(ofType(violations, audittrail.ViolationDocumentation)),
		Violations:    violations,
	}
}

func ofType(violations []audittrail.Violation, t audittrail.ViolationType) []audittrail.Violation {
	var out []audittrail.Violation
	for _, v := range violations {
		if v.Type == t {
			out = append(out, v)
		}
	}
	return out
}
