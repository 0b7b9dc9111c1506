package audittrail

const (
	brokenPenalty       = 30
	questionablePenalty = 15
	failurePenalty      = 10
	latenessPenalty     = 25
)

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func categorize(overall float64) QualityCategory {
	switch {
	case overall >= 90:
		return QualityExcellent
	case overall >= 75:
		return QualityGood
	case overall >= 60:
		return QualityAverage
	}
	return QualityPoor
}

func classify(gaps []Gap) IntegrityStatus {
	status := IntegrityIntact
	for _, g := range gaps {
		if g.Severity == SeverityHigh {
			return IntegrityBroken
		}
		status = IntegrityQuestionable
	}
	return status
}

// summarize recomputes every aggregate of t from its event, handoff and gap
// lists.
func (t *AuditTrail) summarize(p Policy) {
	in := &t.Integrity
	in.Status = classify(in.Gaps)
	in.TotalHandoffs = len(in.Handoffs)
	in.AverageHandoffMinutes = 0
	if len(in.Handoffs) > 0 {
		var sum float64
		for _, h := range in.Handoffs {
			sum += h.DurationMinutes
		}
		in.AverageHandoffMinutes = sum / float64(len(in.Handoffs))
	}
	in.LongestGapMinutes = 0
	for _, g := range in.Gaps {
		if g.DurationMinutes > in.LongestGapMinutes {
			in.LongestGapMinutes = g.DurationMinutes
		}
	}

	handling := 100.0
	switch in.Status {
	case IntegrityBroken:
		handling -= brokenPenalty
	case IntegrityQuestionable:
		handling -= questionablePenalty
	}
	handling -= failurePenalty * float64(t.FailedEvents)

	timeliness := 100.0
	if in.LongestGapMinutes > p.HighSeverityGap.Minutes() {
		timeliness -= latenessPenalty
	}

	documentation := 100.0 - p.MalformedEventPenalty*float64(t.SkippedEvents)

	q := &t.Quality
	q.Handling = clampScore(handling)
	q.Timeliness = clampScore(timeliness)
	q.Documentation = clampScore(documentation)
	q.Overall = clampScore((q.Handling + q.Timeliness + q.Documentation) / 3)
	q.Category = categorize(q.Overall)
}
