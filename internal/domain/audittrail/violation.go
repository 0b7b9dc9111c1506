package audittrail

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrViolationAlreadyResolved = errors.New("violation already resolved")
	ErrResolverRequired         = errors.New("resolver identity is required")
)

type ViolationType string

const (
	ViolationChainOfCustody ViolationType = "chain-of-custody"
	ViolationTemperature    ViolationType = "temperature"
	ViolationTime           ViolationType = "time"
	ViolationDocumentation  ViolationType = "documentation"
	ViolationProcedure      ViolationType = "procedure"
)

// Violation is a compliance finding against one specimen. It moves from
// unresolved to resolved only through Resolve.
type Violation struct {
	ID            uuid.UUID     `json:"id"`
	SpecimenID    string        `json:"specimen_id"`
	Type          ViolationType `json:"type"`
	Severity      Severity      `json:"severity"`
	Description   string        `json:"description"`
	Timestamp     time.Time     `json:"timestamp"`
	RequirementID string        `json:"requirement_id,omitempty"`
	Resolved      bool          `json:"resolved"`
	ResolvedBy    string        `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`
}

var violationNamespace = uuid.MustParse("6f1c2a7e-4b8d-5e3f-9a10-c7d2e4b6f801")

// ViolationID derives a stable identifier so re-evaluating the same trail
// yields the same violation IDs. key distinguishes findings of one rule.
func ViolationID(specimenID, rule, key string) uuid.UUID {
	return uuid.NewSHA1(violationNamespace, []byte(specimenID+"|"+rule+"|"+key))
}

func (v *Violation) Resolve(by string, at time.Time) error {
	if v.Resolved {
		return ErrViolationAlreadyResolved
	}
	if by == "" {
		return ErrResolverRequired
	}
	t := at.UTC()
	v.Resolved = true
	v.ResolvedBy = by
	v.ResolvedAt = &t
	return nil
}
