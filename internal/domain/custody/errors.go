package custody

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Category sentinels. Every typed error below matches exactly one of them
// through errors.Is.
var (
	ErrValidation       = errors.New("custody: validation failed")
	ErrUnauthenticated  = errors.New("custody: no authenticated actor")
	ErrStoreUnavailable = errors.New("custody: resource store unavailable")
)

// Store-level sentinels returned by ResourceStore implementations.
var (
	ErrNotFound        = errors.New("custody: specimen not found")
	ErrSpecimenExists  = errors.New("custody: specimen already exists")
	ErrVersionConflict = errors.New("custody: specimen modified concurrently")
)

type StationNotFoundError struct {
	StationID string
}

func (e *StationNotFoundError) Error() string {
	return fmt.Sprintf("station %q not found", e.StationID)
}

func (e *StationNotFoundError) Is(target error) bool { return target == ErrValidation }

type LocationNotFoundError struct {
	LocationID string
}

func (e *LocationNotFoundError) Error() string {
	return fmt.Sprintf("location %q not found", e.LocationID)
}

func (e *LocationNotFoundError) Is(target error) bool { return target == ErrValidation }

type SpecimenNotFoundError struct {
	SpecimenID string
}

func (e *SpecimenNotFoundError) Error() string {
	return fmt.Sprintf("specimen %q not found", e.SpecimenID)
}

func (e *SpecimenNotFoundError) Is(target error) bool { return target == ErrValidation }

type InvalidStatusTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %q to %q", e.From, e.To)
}

func (e *InvalidStatusTransitionError) Is(target error) bool { return target == ErrValidation }

// ReconciliationPendingError rejects new events for a specimen whose snapshot
// is stale after a partial write.
type ReconciliationPendingError struct {
	SpecimenID string
}

func (e *ReconciliationPendingError) Error() string {
	return fmt.Sprintf("specimen %q has a pending snapshot reconciliation", e.SpecimenID)
}

func (e *ReconciliationPendingError) Is(target error) bool { return target == ErrValidation }

// InvalidInputError rejects a malformed request field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Is(target error) bool { return target == ErrValidation }

type UnauthenticatedError struct{}

func (e *UnauthenticatedError) Error() string { return "no authenticated actor" }

func (e *UnauthenticatedError) Is(target error) bool { return target == ErrUnauthenticated }

// StoreUnavailableError wraps any Resource Store failure other than not-found.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("resource store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

// PartialWriteError reports an event that was appended while the specimen
// snapshot update failed. The event is durable; the snapshot is stale until
// reconciled.
type PartialWriteError struct {
	SpecimenID string
	EventID    uuid.UUID
	Err        error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("custody event %s for specimen %s recorded but snapshot update failed: %v",
		e.EventID, e.SpecimenID, e.Err)
}

func (e *PartialWriteError) Unwrap() error { return e.Err }
