package custody

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/custody/internal/domain/registry"
	"github.com/ehr/custody/internal/platform/metrics"
)

// RecordOption adds optional detail to a recorded event.
type RecordOption func(*Event)

// WithTemperature attaches a temperature reading in degrees Celsius.
func WithTemperature(celsius float64) RecordOption {
	return func(e *Event) { e.TemperatureC = &celsius }
}

// WithStation attributes an event to a station when the operation does not
// already imply one.
func WithStation(stationID string) RecordOption {
	return func(e *Event) {
		if e.StationID == "" {
			e.StationID = stationID
		}
	}
}

// Recorder validates custody actions and persists them as events plus an
// updated specimen snapshot. All writes for one specimen are serialized.
type Recorder struct {
	store    ResourceStore
	registry *registry.Registry
	identity IdentityProvider
	locks    *KeyedMutex
	recon    *ReconciliationLog
	observer Observer
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewRecorder(store ResourceStore, reg *registry.Registry, identity IdentityProvider,
	locks *KeyedMutex, recon *ReconciliationLog, logger zerolog.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{
		store:    store,
		registry: reg,
		identity: identity,
		locks:    locks,
		recon:    recon,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// SetObserver installs the component notified of each appended event.
func (r *Recorder) SetObserver(o Observer) { r.observer = o }

// move is the state change an operation asks for, computed from the current
// snapshot.
type move struct {
	kind      EventKind
	toStatus  Status
	toLoc     string
	stationID string
	qr        bool
	outcome   Outcome
}

func (r *Recorder) RecordCheckIn(ctx context.Context, specimenID, stationID string, qrScanned bool, comments string, opts ...RecordOption) (*Event, error) {
	actor, err := r.currentActor(ctx)
	if err != nil {
		return nil, err
	}
	_, loc, err := r.stationLocation(stationID)
	if err != nil {
		return nil, err
	}
	return r.record(ctx, actor, specimenID, comments, opts, func(sp *Specimen) move {
		return move{kind: KindCheckIn, toStatus: StatusAvailable, toLoc: loc.ID, stationID: stationID, qr: qrScanned}
	})
}

// RecordCheckOut releases a specimen from fromStationID. Without a destination
// the specimen is in transit: unavailable with no location.
func (r *Recorder) RecordCheckOut(ctx context.Context, specimenID, fromStationID, toStationID, comments string, opts ...RecordOption) (*Event, error) {
	actor, err := r.currentActor(ctx)
	if err != nil {
		return nil, err
	}
	if _, _, err := r.stationLocation(fromStationID); err != nil {
		return nil, err
	}
	m := move{kind: KindCheckOut, toStatus: StatusUnavailable, stationID: fromStationID}
	if toStationID != "" {
		_, dest, err := r.stationLocation(toStationID)
		if err != nil {
			return nil, err
		}
		m.toStatus = StatusAvailable
		m.toLoc = dest.ID
	}
	return r.record(ctx, actor, specimenID, comments, opts, func(*Specimen) move { return m })
}

// RecordLocationUpdate moves a specimen to locationID. An empty status keeps
// the current one.
func (r *Recorder) RecordLocationUpdate(ctx context.Context, specimenID, locationID string, status Status, comments string, opts ...RecordOption) (*Event, error) {
	actor, err := r.currentActor(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := r.registry.Location(locationID); err != nil {
		return nil, &LocationNotFoundError{LocationID: locationID}
	}
	return r.record(ctx, actor, specimenID, comments, opts, func(sp *Specimen) move {
		to := status
		if to == "" {
			to = sp.Status
		}
		return move{kind: KindLocationUpdate, toStatus: to, toLoc: locationID}
	})
}

// RecordHandlingIncident logs a failed handling step without moving the specimen.
func (r *Recorder) RecordHandlingIncident(ctx context.Context, specimenID, comments string, opts ...RecordOption) (*Event, error) {
	actor, err := r.currentActor(ctx)
	if err != nil {
		return nil, err
	}
	return r.record(ctx, actor, specimenID, comments, opts, func(sp *Specimen) move {
		return move{kind: KindHandlingIncident, toStatus: sp.Status, toLoc: sp.CurrentLocation, outcome: OutcomeFailure}
	})
}

// RegisterSpecimen adds a new specimen to stores that support creation.
func (r *Recorder) RegisterSpecimen(ctx context.Context, sp *Specimen) error {
	if _, err := r.identity.CurrentActor(ctx); err != nil {
		return &UnauthenticatedError{}
	}
	creator, ok := r.store.(SpecimenCreator)
	if !ok {
		return &StoreUnavailableError{Op: "create specimen", Err: errors.New("store does not accept new specimens")}
	}
	if strings.TrimSpace(sp.ID) == "" {
		return &InvalidInputError{Field: "id", Reason: "is required"}
	}
	if sp.Status == "" {
		sp.Status = StatusAvailable
	}
	if !sp.Status.Valid() {
		return &InvalidInputError{Field: "status", Reason: fmt.Sprintf("unknown status %q", sp.Status)}
	}
	if sp.CurrentLocation != "" {
		if _, err := r.registry.Location(sp.CurrentLocation); err != nil {
			return &LocationNotFoundError{LocationID: sp.CurrentLocation}
		}
	}
	sp.VersionID = 1
	sp.UpdatedAt = r.now().UTC()

	unlock := r.locks.Lock(sp.ID)
	defer unlock()
	if err := creator.CreateSpecimen(ctx, sp); err != nil {
		if errors.Is(err, ErrSpecimenExists) {
			return err
		}
		return &StoreUnavailableError{Op: "create specimen", Err: err}
	}
	return nil
}

// GetSpecimen reads a snapshot with the recorder's error mapping.
func (r *Recorder) GetSpecimen(ctx context.Context, id string) (*Specimen, error) {
	sp, err := r.store.GetSpecimen(ctx, id)
	if err != nil {
		return nil, r.mapGetErr(id, err)
	}
	return sp, nil
}

// Events returns a specimen's custody log in canonical order.
func (r *Recorder) Events(ctx context.Context, specimenID string) ([]Event, error) {
	if _, err := r.GetSpecimen(ctx, specimenID); err != nil {
		return nil, err
	}
	events, err := r.store.QueryAuditRecords(ctx, AuditFilter{SpecimenID: specimenID})
	if err != nil {
		return nil, &StoreUnavailableError{Op: "query audit records", Err: err}
	}
	SortEvents(events)
	return events, nil
}

func (r *Recorder) stationLocation(stationID string) (registry.Station, registry.Location, error) {
	st, loc, err := r.registry.StationLocation(stationID)
	switch {
	case errors.Is(err, registry.ErrStationNotFound):
		return st, loc, &StationNotFoundError{StationID: stationID}
	case err != nil:
		return st, loc, &LocationNotFoundError{LocationID: st.LocationID}
	}
	return st, loc, nil
}

func (r *Recorder) mapGetErr(id string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return &SpecimenNotFoundError{SpecimenID: id}
	}
	return &StoreUnavailableError{Op: "get specimen", Err: err}
}

func (r *Recorder) currentActor(ctx context.Context) (Actor, error) {
	actor, err := r.identity.CurrentActor(ctx)
	if err != nil || actor.ID == "" {
		r.metrics.IncRecordFailure("unauthenticated")
		return Actor{}, &UnauthenticatedError{}
	}
	return actor, nil
}

// record appends one event and advances the snapshot. A specimen with a
// pending reconciliation accepts no events until its snapshot is repaired.
func (r *Recorder) record(ctx context.Context, actor Actor, specimenID, comments string, opts []RecordOption, plan func(*Specimen) move) (*Event, error) {
	unlock := r.locks.Lock(specimenID)
	defer unlock()

	if r.recon.HasPending(specimenID) {
		r.metrics.IncRecordFailure("validation")
		return nil, &ReconciliationPendingError{SpecimenID: specimenID}
	}
	if tx, ok := r.store.(Transactor); ok {
		return r.recordInTx(ctx, tx, actor, specimenID, comments, opts, plan)
	}

	sp, err := r.store.GetSpecimen(ctx, specimenID)
	if err != nil {
		err = r.mapGetErr(specimenID, err)
		r.countFailure(err)
		return nil, err
	}
	ev, next, err := r.prepare(sp, actor, comments, opts, plan)
	if err != nil {
		r.countFailure(err)
		return nil, err
	}

	// Append first so the log stays authoritative.
	if err := r.store.AppendAuditRecord(ctx, ev); err != nil {
		err := &StoreUnavailableError{Op: "append audit record", Err: err}
		r.countFailure(err)
		return nil, err
	}
	if err := r.store.UpdateSpecimen(ctx, next); err != nil {
		pw := &PartialWriteError{
			SpecimenID: ev.SpecimenID,
			EventID:    ev.ID,
			Err:        &StoreUnavailableError{Op: "update specimen", Err: err},
		}
		r.partialWrite(ctx, ev, next, pw)
		return ev, pw
	}
	r.recorded(ctx, ev)
	return ev, nil
}

// recordInTx reads, validates and writes inside one transaction. The snapshot
// row stays locked against other server instances until commit.
func (r *Recorder) recordInTx(ctx context.Context, tx Transactor, actor Actor, specimenID, comments string, opts []RecordOption, plan func(*Specimen) move) (*Event, error) {
	var ev *Event
	err := tx.WithinTx(ctx, func(ctx context.Context) error {
		sp, err := r.lockSpecimen(ctx, specimenID)
		if err != nil {
			return r.mapGetErr(specimenID, err)
		}
		e, next, err := r.prepare(sp, actor, comments, opts, plan)
		if err != nil {
			return err
		}
		// Versioned update before append: a conflict leaves nothing appended.
		if err := r.store.UpdateSpecimen(ctx, next); err != nil {
			return &StoreUnavailableError{Op: "update specimen", Err: err}
		}
		if err := r.store.AppendAuditRecord(ctx, e); err != nil {
			return &StoreUnavailableError{Op: "append audit record", Err: err}
		}
		ev = e
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrValidation) && !errors.Is(err, ErrStoreUnavailable) {
			err = &StoreUnavailableError{Op: "record event", Err: err}
		}
		r.countFailure(err)
		return nil, err
	}
	r.recorded(ctx, ev)
	return ev, nil
}

func (r *Recorder) lockSpecimen(ctx context.Context, id string) (*Specimen, error) {
	if l, ok := r.store.(SpecimenLocker); ok {
		return l.GetSpecimenForUpdate(ctx, id)
	}
	return r.store.GetSpecimen(ctx, id)
}

// prepare builds the event and the next snapshot from sp, or rejects the move.
func (r *Recorder) prepare(sp *Specimen, actor Actor, comments string, opts []RecordOption, plan func(*Specimen) move) (*Event, *Specimen, error) {
	m := plan(sp)
	if err := ValidateTransition(sp.Status, m.toStatus); err != nil {
		return nil, nil, err
	}

	now := r.now().UTC()
	if m.outcome == "" {
		m.outcome = OutcomeSuccess
	}
	ev := &Event{
		ID:            uuid.New(),
		SpecimenID:    sp.ID,
		Kind:          m.kind,
		Timestamp:     now,
		FromLocation:  sp.CurrentLocation,
		ToLocation:    m.toLoc,
		FromStatus:    sp.Status,
		ToStatus:      m.toStatus,
		StationID:     m.stationID,
		Performer:     actor,
		Comments:      comments,
		QRCodeScanned: m.qr,
		Outcome:       m.outcome,
	}
	for _, opt := range opts {
		opt(ev)
	}

	next := sp.clone()
	next.Status = m.toStatus
	next.CurrentLocation = m.toLoc
	next.VersionID = sp.VersionID + 1
	next.UpdatedAt = now
	if comments != "" {
		next.Notes = append(next.Notes, fmt.Sprintf("%s %s by %s: %s", now.Format(time.RFC3339), m.kind, actor.DisplayName, comments))
	}
	return ev, next, nil
}

func (r *Recorder) recorded(ctx context.Context, ev *Event) {
	r.metrics.IncEventRecorded(string(ev.Kind), string(ev.Outcome))
	if r.observer != nil {
		r.observer.EventRecorded(ctx, *ev)
	}
}

func (r *Recorder) partialWrite(ctx context.Context, ev *Event, next *Specimen, pw *PartialWriteError) {
	entry := ReconciliationEntry{
		EventID:    ev.ID,
		SpecimenID: ev.SpecimenID,
		Kind:       ev.Kind,
		RecordedAt: ev.Timestamp,
		Error:      pw.Err.Error(),
		Intended:   *next,
		State:      ReconciliationPending,
	}
	r.recon.Add(entry)
	r.metrics.IncPartialWrite()
	r.metrics.IncEventRecorded(string(ev.Kind), string(ev.Outcome))
	r.logger.Error().
		Err(pw.Err).
		Str("specimen_id", ev.SpecimenID).
		Str("event_id", ev.ID.String()).
		Str("kind", string(ev.Kind)).
		Msg("custody event appended but specimen snapshot update failed")

	if r.observer != nil {
		r.observer.PartialWrite(ctx, entry)
		r.observer.EventRecorded(ctx, *ev)
	}
}

func (r *Recorder) countFailure(err error) {
	switch {
	case errors.Is(err, ErrValidation):
		r.metrics.IncRecordFailure("validation")
	case errors.Is(err, ErrStoreUnavailable):
		r.metrics.IncRecordFailure("store")
	}
}

// Reconcile rewrites a specimen's snapshot from the last event in its log and
// closes every pending reconciliation entry for that specimen.
func (r *Recorder) Reconcile(ctx context.Context, eventID uuid.UUID) (*Specimen, error) {
	actor, err := r.identity.CurrentActor(ctx)
	if err != nil || actor.ID == "" {
		return nil, &UnauthenticatedError{}
	}
	entry, ok := r.recon.Get(eventID)
	if !ok {
		return nil, ErrReconciliationNotFound
	}
	if entry.State != ReconciliationPending {
		return nil, ErrAlreadyReconciled
	}

	unlock := r.locks.Lock(entry.SpecimenID)
	defer unlock()

	sp, err := r.store.GetSpecimen(ctx, entry.SpecimenID)
	if err != nil {
		return nil, r.mapGetErr(entry.SpecimenID, err)
	}
	events, err := r.store.QueryAuditRecords(ctx, AuditFilter{SpecimenID: entry.SpecimenID})
	if err != nil {
		return nil, &StoreUnavailableError{Op: "query audit records", Err: err}
	}
	if len(events) == 0 {
		return nil, ErrReconciliationNotFound
	}
	last := events[len(events)-1]

	now := r.now().UTC()
	next := sp.clone()
	next.Status = last.ToStatus
	next.CurrentLocation = last.ToLocation
	next.VersionID = sp.VersionID + 1
	next.UpdatedAt = now
	next.Notes = append(next.Notes, fmt.Sprintf("%s snapshot reconciled from event %s by %s", now.Format(time.RFC3339), last.ID, actor.DisplayName))

	if err := r.store.UpdateSpecimen(ctx, next); err != nil {
		return nil, &StoreUnavailableError{Op: "update specimen", Err: err}
	}
	closed := r.recon.closeSpecimen(entry.SpecimenID, actor.ID, now)
	r.logger.Info().
		Str("specimen_id", entry.SpecimenID).
		Int("entries", closed).
		Str("by", actor.ID).
		Msg("specimen snapshot reconciled")
	return next, nil
}

// Reconciliation exposes the partial-write log.
func (r *Recorder) Reconciliation() *ReconciliationLog { return r.recon }
