package audittrail

import (
	"fmt"
	"time"
)

// Policy holds the thresholds used when deriving a trail.
type Policy struct {
	GapThreshold    time.Duration
	HighSeverityGap time.Duration
	// MalformedEventPenalty is subtracted from the documentation score for
	// every skipped event.
	MalformedEventPenalty float64
}

func DefaultPolicy() Policy {
	return Policy{
		GapThreshold:          30 * time.Minute,
		HighSeverityGap:       2 * time.Hour,
		MalformedEventPenalty: 10,
	}
}

func (p Policy) Validate() error {
	if p.GapThreshold <= 0 {
		return fmt.Errorf("gap threshold must be positive, got %s", p.GapThreshold)
	}
	if p.HighSeverityGap <= p.GapThreshold {
		return fmt.Errorf("high severity gap %s must exceed gap threshold %s", p.HighSeverityGap, p.GapThreshold)
	}
	if p.MalformedEventPenalty < 0 || p.MalformedEventPenalty > 100 {
		return fmt.Errorf("malformed event penalty must be within [0,100], got %v", p.MalformedEventPenalty)
	}
	return nil
}
