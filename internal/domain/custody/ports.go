package custody

import "context"

// ResourceStore owns specimens and the audit record log. Implementations
// return ErrNotFound (possibly wrapped) for unknown specimens.
type ResourceStore interface {
	GetSpecimen(ctx context.Context, id string) (*Specimen, error)
	// UpdateSpecimen replaces the snapshot only when the stored VersionID is
	// sp.VersionID-1 and returns ErrVersionConflict otherwise.
	UpdateSpecimen(ctx context.Context, sp *Specimen) error
	// AppendAuditRecord persists ev and sets its Sequence and AuditRecordID.
	AppendAuditRecord(ctx context.Context, ev *Event) error
	// QueryAuditRecords returns matching events in canonical order.
	QueryAuditRecords(ctx context.Context, f AuditFilter) ([]Event, error)
}

// Transactor is implemented by stores that can run several writes atomically.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SpecimenLocker is implemented by transactional stores that can read a
// snapshot and hold it against other writers until the transaction ends.
type SpecimenLocker interface {
	GetSpecimenForUpdate(ctx context.Context, id string) (*Specimen, error)
}

// SpecimenCreator is implemented by stores that accept new specimens.
type SpecimenCreator interface {
	CreateSpecimen(ctx context.Context, sp *Specimen) error
}

type IdentityProvider interface {
	CurrentActor(ctx context.Context) (Actor, error)
}

// Observer is told about every appended event while the recorder still holds
// the specimen's lock.
type Observer interface {
	EventRecorded(ctx context.Context, ev Event)
	PartialWrite(ctx context.Context, entry ReconciliationEntry)
}
