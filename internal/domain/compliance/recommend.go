package compliance

import "github.com/ehr/custody/internal/domain/audittrail"

const (
	RecommendProcedureReview = "Compliance rate is below 90%: review specimen handling procedures with every station lead."
	RecommendQRScanning      = "Enforce QR code scanning at every custody handoff."
	RecommendCustodyTraining = "Schedule chain-of-custody refresher training for handling staff."
	RecommendBottleneck      = "Review workflow bottlenecks behind processing and storage time overruns."
	RecommendContinue        = "No compliance violations this period: continue current practices."
)

// recommend derives report recommendations from the rate and the violation
// counts. The output order is fixed.
func recommend(rate float64, byType map[audittrail.ViolationType]int, total int) []string {
	var out []string
	if rate < 90 {
		out = append(out, RecommendProcedureReview)
	}
	if byType[audittrail.ViolationChainOfCustody] > 0 {
		out = append(out, RecommendQRScanning, RecommendCustodyTraining)
	}
	if byType[audittrail.ViolationTime] > 0 {
		out = append(out, RecommendBottleneck)
	}
	if total == 0 {
		out = append(out, RecommendContinue)
	}
	return out
}
