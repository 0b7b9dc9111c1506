package custody

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusAvailable      Status = "available"
	StatusUnavailable    Status = "unavailable"
	StatusUnsatisfactory Status = "unsatisfactory"
	StatusEnteredInError Status = "entered-in-error"
)

// Specimen is the Resource Store's snapshot of a physical specimen.
type Specimen struct {
	ID              string    `json:"id"`
	AccessionNumber string    `json:"accession_number,omitempty"`
	Type            string    `json:"type,omitempty"`
	Status          Status    `json:"status"`
	CurrentLocation string    `json:"current_location,omitempty"`
	Notes           []string  `json:"notes,omitempty"`
	VersionID       int       `json:"version_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (sp *Specimen) clone() *Specimen {
	cp := *sp
	cp.Notes = append([]string(nil), sp.Notes...)
	return &cp
}

type EventKind string

const (
	KindCheckIn          EventKind = "check-in"
	KindCheckOut         EventKind = "check-out"
	KindLocationUpdate   EventKind = "location-update"
	KindHandlingIncident EventKind = "handling-incident"
)

func (k EventKind) Valid() bool {
	switch k {
	case KindCheckIn, KindCheckOut, KindLocationUpdate, KindHandlingIncident:
		return true
	}
	return false
}

// ChangesLocation reports whether events of this kind take part in handoff
// and gap detection.
func (k EventKind) ChangesLocation() bool {
	return k == KindCheckIn || k == KindCheckOut || k == KindLocationUpdate
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Actor is the authenticated user performing a custody action.
type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role,omitempty"`
}

// Event is one immutable custody record. Sequence and AuditRecordID are
// assigned by the store on append.
type Event struct {
	ID            uuid.UUID `json:"id"`
	SpecimenID    string    `json:"specimen_id"`
	Kind          EventKind `json:"kind"`
	Timestamp     time.Time `json:"timestamp"`
	Sequence      int64     `json:"sequence"`
	FromLocation  string    `json:"from_location,omitempty"`
	ToLocation    string    `json:"to_location,omitempty"`
	FromStatus    Status    `json:"from_status,omitempty"`
	ToStatus      Status    `json:"to_status,omitempty"`
	StationID     string    `json:"station_id,omitempty"`
	Performer     Actor     `json:"performer"`
	Comments      string    `json:"comments,omitempty"`
	QRCodeScanned bool      `json:"qr_code_scanned"`
	AuditRecordID string    `json:"audit_record_id,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	TemperatureC  *float64  `json:"temperature_c,omitempty"`
}

// Documentation field names understood by HasField.
const (
	FieldPerformer   = "performer"
	FieldStation     = "station"
	FieldComments    = "comments"
	FieldQRCode      = "qr-code"
	FieldTemperature = "temperature"
	FieldLocation    = "location"
)

// HasField reports whether the event carries the named documentation field.
// known is false for names HasField does not recognise.
func (e *Event) HasField(name string) (present, known bool) {
	switch name {
	case FieldPerformer:
		return e.Performer.ID != "", true
	case FieldStation:
		return e.StationID != "", true
	case FieldComments:
		return e.Comments != "", true
	case FieldQRCode:
		return e.QRCodeScanned, true
	case FieldTemperature:
		return e.TemperatureC != nil, true
	case FieldLocation:
		return e.ToLocation != "" || e.FromLocation != "", true
	}
	return false, false
}

// Before is the canonical event order: timestamp, then store sequence.
func (e *Event) Before(o *Event) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.Sequence < o.Sequence
}

// SortEvents orders events canonically in place. The sort is stable so events
// sharing timestamp and sequence keep their input order.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Before(&events[j]) })
}

// AuditFilter selects events for QueryAuditRecords. Zero fields are unbounded.
type AuditFilter struct {
	SpecimenID string
	Since      time.Time
	Until      time.Time
}

func (f AuditFilter) Matches(e *Event) bool {
	if f.SpecimenID != "" && e.SpecimenID != f.SpecimenID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// GroupBySpecimen splits an event list into per-specimen slices, preserving order.
func GroupBySpecimen(events []Event) map[string][]Event {
	out := make(map[string][]Event)
	for _, e := range events {
		out[e.SpecimenID] = append(out[e.SpecimenID], e)
	}
	return out
}
