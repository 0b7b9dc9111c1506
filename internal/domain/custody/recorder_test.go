package custody

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ehr/custody/internal/domain/registry"
)

type staticIdentity struct {
	actor Actor
	err   error
}

func (s staticIdentity) CurrentActor(context.Context) (Actor, error) {
	return s.actor, s.err
}

var techActor = Actor{ID: "tech-1", DisplayName: "Lab Tech", Role: "lab_tech"}

// flakyStore wraps MemoryStore with switchable failures.
type flakyStore struct {
	*MemoryStore
	failGet    bool
	failAppend bool
	failUpdate bool
}

var errStoreDown = errors.New("connection refused")

func (s *flakyStore) GetSpecimen(ctx context.Context, id string) (*Specimen, error) {
	if s.failGet {
		return nil, errStoreDown
	}
	return s.MemoryStore.GetSpecimen(ctx, id)
}

func (s *flakyStore) AppendAuditRecord(ctx context.Context, ev *Event) error {
	if s.failAppend {
		return errStoreDown
	}
	return s.MemoryStore.AppendAuditRecord(ctx, ev)
}

func (s *flakyStore) UpdateSpecimen(ctx context.Context, sp *Specimen) error {
	if s.failUpdate {
		return errStoreDown
	}
	return s.MemoryStore.UpdateSpecimen(ctx, sp)
}

// txStore runs fn directly and counts transactions.
type txStore struct {
	*MemoryStore
	txs int
}

func (s *txStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txs++
	return fn(ctx)
}

type recordingObserver struct {
	mu       sync.Mutex
	events   []Event
	partials []ReconciliationEntry
}

func (o *recordingObserver) EventRecorded(_ context.Context, ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) PartialWrite(_ context.Context, entry ReconciliationEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.partials = append(o.partials, entry)
}

type RecorderSuite struct {
	suite.Suite
	store    *flakyStore
	observer *recordingObserver
	rec      *Recorder
	ctx      context.Context
}

func TestRecorderSuite(t *testing.T) {
	suite.Run(t, new(RecorderSuite))
}

func (s *RecorderSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = &flakyStore{MemoryStore: NewMemoryStore()}
	s.store.PutSpecimen(&Specimen{ID: "sp-1", Status: StatusAvailable, CurrentLocation: "reception", VersionID: 1})
	s.observer = &recordingObserver{}
	s.rec = NewRecorder(s.store, registry.Default(), staticIdentity{actor: techActor},
		NewKeyedMutex(), NewReconciliationLog(), zerolog.Nop(), nil)
	s.rec.SetObserver(s.observer)
}

func (s *RecorderSuite) events() []Event {
	evs, err := s.store.MemoryStore.QueryAuditRecords(s.ctx, AuditFilter{SpecimenID: "sp-1"})
	s.Require().NoError(err)
	return evs
}

func (s *RecorderSuite) snapshot() *Specimen {
	sp, err := s.store.MemoryStore.GetSpecimen(s.ctx, "sp-1")
	s.Require().NoError(err)
	return sp
}

func (s *RecorderSuite) TestCheckInMovesSpecimenAndAppendsEvent() {
	ev, err := s.rec.RecordCheckIn(s.ctx, "sp-1", "centrifuge-1", true, "spun down", WithTemperature(4.5))
	s.Require().NoError(err)

	s.Equal(KindCheckIn, ev.Kind)
	s.Equal("reception", ev.FromLocation)
	s.Equal("processing", ev.ToLocation)
	s.Equal("centrifuge-1", ev.StationID)
	s.Equal(techActor, ev.Performer)
	s.Equal(OutcomeSuccess, ev.Outcome)
	s.True(ev.QRCodeScanned)
	s.Require().NotNil(ev.TemperatureC)
	s.InDelta(4.5, *ev.TemperatureC, 0.001)
	s.Equal(int64(1), ev.Sequence)
	s.Equal("audit-1", ev.AuditRecordID)

	sp := s.snapshot()
	s.Equal("processing", sp.CurrentLocation)
	s.Equal(StatusAvailable, sp.Status)
	s.Equal(2, sp.VersionID)
	s.Require().Len(sp.Notes, 1)
	s.Contains(sp.Notes[0], "spun down")

	s.Len(s.events(), 1)
	s.Len(s.observer.events, 1)
}

func (s *RecorderSuite) TestCheckOutWithoutDestinationIsInTransit() {
	ev, err := s.rec.RecordCheckOut(s.ctx, "sp-1", "accession-1", "", "")
	s.Require().NoError(err)
	s.Equal(StatusUnavailable, ev.ToStatus)
	s.Empty(ev.ToLocation)

	sp := s.snapshot()
	s.Equal(StatusUnavailable, sp.Status)
	s.Empty(sp.CurrentLocation)
	s.Empty(sp.Notes)
}

func (s *RecorderSuite) TestCheckOutToDestination() {
	s.store.PutSpecimen(&Specimen{ID: "sp-1", Status: StatusUnavailable, VersionID: 3})
	ev, err := s.rec.RecordCheckOut(s.ctx, "sp-1", "accession-1", "chem-analyzer", "to chemistry")
	s.Require().NoError(err)
	s.Equal(StatusAvailable, ev.ToStatus)
	s.Equal("chemistry", ev.ToLocation)
	s.Equal(4, s.snapshot().VersionID)
}

func (s *RecorderSuite) TestLocationUpdateKeepsStatusWhenEmpty() {
	ev, err := s.rec.RecordLocationUpdate(s.ctx, "sp-1", "freezer-a", "", "", WithStation("freezer-a-rack"))
	s.Require().NoError(err)
	s.Equal(StatusAvailable, ev.ToStatus)
	s.Equal("freezer-a-rack", ev.StationID)
	s.Equal("freezer-a", s.snapshot().CurrentLocation)
}

func (s *RecorderSuite) TestHandlingIncidentRecordsFailureWithoutMoving() {
	ev, err := s.rec.RecordHandlingIncident(s.ctx, "sp-1", "tube cracked")
	s.Require().NoError(err)
	s.Equal(OutcomeFailure, ev.Outcome)
	s.Equal(ev.FromLocation, ev.ToLocation)
	s.Equal("reception", s.snapshot().CurrentLocation)
}

func (s *RecorderSuite) TestValidationErrorsPersistNothing() {
	_, err := s.rec.RecordCheckIn(s.ctx, "sp-1", "no-such-station", false, "")
	var stErr *StationNotFoundError
	s.ErrorAs(err, &stErr)
	s.ErrorIs(err, ErrValidation)

	_, err = s.rec.RecordLocationUpdate(s.ctx, "sp-1", "mars", "", "")
	var locErr *LocationNotFoundError
	s.ErrorAs(err, &locErr)

	_, err = s.rec.RecordCheckIn(s.ctx, "sp-404", "accession-1", false, "")
	var spErr *SpecimenNotFoundError
	s.ErrorAs(err, &spErr)
	s.ErrorIs(err, ErrValidation)

	s.Empty(s.events())
	s.Equal(1, s.snapshot().VersionID)
	s.Empty(s.observer.events)
}

// An entered-in-error specimen cannot be revived.
func (s *RecorderSuite) TestTerminalStatusRejected() {
	s.store.PutSpecimen(&Specimen{ID: "sp-1", Status: StatusEnteredInError, CurrentLocation: "reception", VersionID: 5})

	_, err := s.rec.RecordLocationUpdate(s.ctx, "sp-1", "processing", StatusAvailable, "")
	var trErr *InvalidStatusTransitionError
	s.Require().ErrorAs(err, &trErr)
	s.Equal(StatusEnteredInError, trErr.From)
	s.Equal(StatusAvailable, trErr.To)

	sp := s.snapshot()
	s.Equal(StatusEnteredInError, sp.Status)
	s.Equal("reception", sp.CurrentLocation)
	s.Equal(5, sp.VersionID)
	s.Empty(s.events())
}

func (s *RecorderSuite) TestUnauthenticated() {
	s.rec.identity = staticIdentity{err: errors.New("no user")}
	_, err := s.rec.RecordCheckIn(s.ctx, "sp-1", "accession-1", false, "")
	s.ErrorIs(err, ErrUnauthenticated)
	s.Empty(s.events())
}

func (s *RecorderSuite) TestUnauthenticatedCheckedBeforeStation() {
	s.rec.identity = staticIdentity{err: errors.New("no user")}
	_, err := s.rec.RecordCheckIn(s.ctx, "sp-1", "no-such-station", false, "")
	s.ErrorIs(err, ErrUnauthenticated)
	s.NotErrorIs(err, ErrValidation)

	_, err = s.rec.RecordLocationUpdate(s.ctx, "sp-1", "mars", "", "")
	s.ErrorIs(err, ErrUnauthenticated)
}

func (s *RecorderSuite) TestStoreUnavailableOnRead() {
	s.store.failGet = true
	_, err := s.rec.RecordCheckIn(s.ctx, "sp-1", "accession-1", false, "")
	s.ErrorIs(err, ErrStoreUnavailable)
	s.ErrorIs(err, errStoreDown)
	s.NotErrorIs(err, ErrValidation)
}

func (s *RecorderSuite) TestStoreUnavailableOnAppend() {
	s.store.failAppend = true
	ev, err := s.rec.RecordCheckIn(s.ctx, "sp-1", "accession-1", false, "")
	s.Nil(ev)
	s.ErrorIs(err, ErrStoreUnavailable)
	s.Equal(1, s.snapshot().VersionID)
	s.Empty(s.observer.events)
}

func (s *RecorderSuite) TestPartialWriteQueuesReconciliation() {
	s.store.failUpdate = true
	ev, err := s.rec.RecordCheckIn(s.ctx, "sp-1", "centrifuge-1", true, "")

	var pw *PartialWriteError
	s.Require().ErrorAs(err, &pw)
	s.Require().NotNil(ev)
	s.Equal(ev.ID, pw.EventID)
	s.ErrorIs(err, ErrStoreUnavailable)

	s.Len(s.events(), 1)
	s.Equal("reception", s.snapshot().CurrentLocation)

	pending := s.rec.Reconciliation().List(true)
	s.Require().Len(pending, 1)
	s.Equal(ev.ID, pending[0].EventID)
	s.Equal("processing", pending[0].Intended.CurrentLocation)
	s.True(s.rec.Reconciliation().HasPending("sp-1"))

	s.Len(s.observer.partials, 1)
	s.Len(s.observer.events, 1)

	s.store.failUpdate = false
	sp, err := s.rec.Reconcile(s.ctx, ev.ID)
	s.Require().NoError(err)
	s.Equal("processing", sp.CurrentLocation)
	s.Equal("processing", s.snapshot().CurrentLocation)
	s.False(s.rec.Reconciliation().HasPending("sp-1"))

	_, err = s.rec.Reconcile(s.ctx, ev.ID)
	s.ErrorIs(err, ErrAlreadyReconciled)
}

// The log, not the stale snapshot, decides what may follow a partial write.
func (s *RecorderSuite) TestRecordAfterPartialWriteRefusedUntilReconciled() {
	_, err := s.rec.RecordLocationUpdate(s.ctx, "sp-1", "processing", StatusUnsatisfactory, "hemolyzed")
	s.Require().NoError(err)

	s.store.failUpdate = true
	_, err = s.rec.RecordLocationUpdate(s.ctx, "sp-1", "processing", StatusEnteredInError, "wrong patient")
	var pw *PartialWriteError
	s.Require().ErrorAs(err, &pw)
	s.store.failUpdate = false
	s.Equal(StatusUnsatisfactory, s.snapshot().Status)

	_, err = s.rec.RecordCheckIn(s.ctx, "sp-1", "accession-1", true, "")
	var pending *ReconciliationPendingError
	s.Require().ErrorAs(err, &pending)
	s.Equal("sp-1", pending.SpecimenID)
	s.ErrorIs(err, ErrValidation)

	_, err = s.rec.RecordHandlingIncident(s.ctx, "sp-1", "spill")
	s.ErrorAs(err, &pending)

	evs := s.events()
	s.Require().Len(evs, 2)
	s.Equal(StatusEnteredInError, evs[1].ToStatus)
	s.Len(s.observer.events, 2)

	sp, err := s.rec.Reconcile(s.ctx, pw.EventID)
	s.Require().NoError(err)
	s.Equal(StatusEnteredInError, sp.Status)

	_, err = s.rec.RecordCheckIn(s.ctx, "sp-1", "accession-1", true, "")
	var trErr *InvalidStatusTransitionError
	s.Require().ErrorAs(err, &trErr)
	s.Equal(StatusEnteredInError, trErr.From)
	s.Len(s.events(), 2)
}

func (s *RecorderSuite) TestReconcileUnknownEvent() {
	ev, err := s.rec.RecordCheckIn(s.ctx, "sp-1", "accession-1", false, "")
	s.Require().NoError(err)
	_, err = s.rec.Reconcile(s.ctx, ev.ID)
	s.ErrorIs(err, ErrReconciliationNotFound)
}

func (s *RecorderSuite) TestRegisterSpecimen() {
	sp := &Specimen{ID: "sp-2", AccessionNumber: "ACC-2", Type: "blood", CurrentLocation: "reception"}
	s.Require().NoError(s.rec.RegisterSpecimen(s.ctx, sp))
	s.Equal(StatusAvailable, sp.Status)
	s.Equal(1, sp.VersionID)

	err := s.rec.RegisterSpecimen(s.ctx, &Specimen{ID: "sp-2"})
	s.ErrorIs(err, ErrSpecimenExists)

	var inErr *InvalidInputError
	s.ErrorAs(s.rec.RegisterSpecimen(s.ctx, &Specimen{ID: " "}), &inErr)
	s.ErrorAs(s.rec.RegisterSpecimen(s.ctx, &Specimen{ID: "sp-3", Status: "lost"}), &inErr)

	var locErr *LocationNotFoundError
	s.ErrorAs(s.rec.RegisterSpecimen(s.ctx, &Specimen{ID: "sp-4", CurrentLocation: "mars"}), &locErr)
}

func (s *RecorderSuite) TestEventsSorted() {
	for _, st := range []string{"accession-1", "centrifuge-1", "chem-analyzer"} {
		_, err := s.rec.RecordCheckIn(s.ctx, "sp-1", st, true, "")
		s.Require().NoError(err)
	}
	evs, err := s.rec.Events(s.ctx, "sp-1")
	s.Require().NoError(err)
	s.Require().Len(evs, 3)
	for i := 1; i < len(evs); i++ {
		s.False(evs[i].Before(&evs[i-1]))
	}

	_, err = s.rec.Events(s.ctx, "missing")
	var spErr *SpecimenNotFoundError
	s.ErrorAs(err, &spErr)
}

func TestRecorder_TransactorPath(t *testing.T) {
	store := &txStore{MemoryStore: NewMemoryStore()}
	store.PutSpecimen(&Specimen{ID: "sp-1", Status: StatusAvailable, VersionID: 1})
	rec := NewRecorder(store, registry.Default(), staticIdentity{actor: techActor},
		NewKeyedMutex(), NewReconciliationLog(), zerolog.Nop(), nil)

	_, err := rec.RecordCheckIn(context.Background(), "sp-1", "accession-1", true, "")
	require.NoError(t, err)
	assert.Equal(t, 1, store.txs)

	sp, err := store.GetSpecimen(context.Background(), "sp-1")
	require.NoError(t, err)
	assert.Equal(t, "reception", sp.CurrentLocation)
}

type txCtxKey struct{}

// lockingTxStore marks the transaction on ctx and records row-lock reads.
type lockingTxStore struct {
	*MemoryStore
	locked     int
	lockedInTx bool
}

func (s *lockingTxStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, txCtxKey{}, true))
}

func (s *lockingTxStore) GetSpecimenForUpdate(ctx context.Context, id string) (*Specimen, error) {
	s.locked++
	s.lockedInTx, _ = ctx.Value(txCtxKey{}).(bool)
	return s.MemoryStore.GetSpecimen(ctx, id)
}

func TestRecorder_TransactorLocksSpecimenRow(t *testing.T) {
	store := &lockingTxStore{MemoryStore: NewMemoryStore()}
	store.PutSpecimen(&Specimen{ID: "sp-1", Status: StatusAvailable, VersionID: 1})
	rec := NewRecorder(store, registry.Default(), staticIdentity{actor: techActor},
		NewKeyedMutex(), NewReconciliationLog(), zerolog.Nop(), nil)

	_, err := rec.RecordCheckIn(context.Background(), "sp-1", "accession-1", true, "")
	require.NoError(t, err)
	assert.Equal(t, 1, store.locked)
	assert.True(t, store.lockedInTx)
}

// racingStore lets another writer advance the snapshot right after each read,
// as a second server instance would.
type racingStore struct {
	*txStore
}

func (s *racingStore) GetSpecimen(ctx context.Context, id string) (*Specimen, error) {
	sp, err := s.MemoryStore.GetSpecimen(ctx, id)
	if err != nil {
		return nil, err
	}
	other := sp.clone()
	other.Status = StatusUnavailable
	other.VersionID++
	s.PutSpecimen(other)
	return sp, nil
}

func TestRecorder_ConcurrentWriterRejected(t *testing.T) {
	store := &racingStore{txStore: &txStore{MemoryStore: NewMemoryStore()}}
	store.PutSpecimen(&Specimen{ID: "sp-1", Status: StatusAvailable, VersionID: 3})
	obs := &recordingObserver{}
	rec := NewRecorder(store, registry.Default(), staticIdentity{actor: techActor},
		NewKeyedMutex(), NewReconciliationLog(), zerolog.Nop(), nil)
	rec.SetObserver(obs)

	ev, err := rec.RecordLocationUpdate(context.Background(), "sp-1", "processing", StatusUnsatisfactory, "")
	assert.Nil(t, ev)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, ErrVersionConflict)

	evs, err := store.QueryAuditRecords(context.Background(), AuditFilter{SpecimenID: "sp-1"})
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Empty(t, obs.events)

	sp, err := store.MemoryStore.GetSpecimen(context.Background(), "sp-1")
	require.NoError(t, err)
	assert.Equal(t, StatusUnavailable, sp.Status)
	assert.Equal(t, 4, sp.VersionID)
}

func TestRecorder_ConcurrentWritesSerialized(t *testing.T) {
	store := NewMemoryStore()
	store.PutSpecimen(&Specimen{ID: "sp-1", Status: StatusAvailable, VersionID: 1})
	locks := NewKeyedMutex()
	rec := NewRecorder(store, registry.Default(), staticIdentity{actor: techActor},
		locks, NewReconciliationLog(), zerolog.Nop(), nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rec.RecordLocationUpdate(context.Background(), "sp-1", "processing", "", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sp, err := store.GetSpecimen(context.Background(), "sp-1")
	require.NoError(t, err)
	assert.Equal(t, n+1, sp.VersionID)
	assert.Equal(t, 0, locks.Len())
}

func TestRecorder_TimestampsUTC(t *testing.T) {
	store := NewMemoryStore()
	store.PutSpecimen(&Specimen{ID: "sp-1", Status: StatusAvailable, VersionID: 1})
	rec := NewRecorder(store, registry.Default(), staticIdentity{actor: techActor},
		NewKeyedMutex(), NewReconciliationLog(), zerolog.Nop(), nil)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("EST", -5*3600))
	rec.now = func() time.Time { return fixed }

	ev, err := rec.RecordCheckIn(context.Background(), "sp-1", "accession-1", false, "")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
	assert.True(t, ev.Timestamp.Equal(fixed))
}
