package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNew_Validation(t *testing.T) {
	loc := Location{ID: "reception", Name: "Reception", Category: CategoryReception}
	tests := []struct {
		name      string
		locations []Location
		stations  []Station
		wantErr   string
	}{
		{"missing location id", []Location{{Name: "x", Category: CategoryReception}}, nil, "id is required"},
		{"bad category", []Location{{ID: "a", Category: "garage"}}, nil, "unknown category"},
		{"negative capacity", []Location{{ID: "a", Category: CategoryStorage, Capacity: intPtr(-1)}}, nil, "capacity"},
		{"duplicate location", []Location{loc, loc}, nil, "duplicate location"},
		{"station without location", []Location{loc}, []Station{{ID: "s1", LocationID: "nowhere"}}, "location not found"},
		{"duplicate station", []Location{loc}, []Station{{ID: "s1", LocationID: "reception"}, {ID: "s1", LocationID: "reception"}}, "duplicate station"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.locations, tt.stations)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefault_Lookups(t *testing.T) {
	r := Default()

	st, loc, err := r.StationLocation("centrifuge-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.LocationID != "processing" || loc.Category != CategoryProcessing {
		t.Errorf("unexpected station/location: %+v %+v", st, loc)
	}

	if _, err := r.Station("nope"); !errors.Is(err, ErrStationNotFound) {
		t.Errorf("expected ErrStationNotFound, got %v", err)
	}
	if _, err := r.Location("mars"); !errors.Is(err, ErrLocationNotFound) {
		t.Errorf("expected ErrLocationNotFound, got %v", err)
	}
	if c, ok := r.CategoryOf("freezer-a"); !ok || c != CategoryStorage {
		t.Errorf("freezer-a category = %q, %v", c, ok)
	}
	if _, ok := r.CategoryOf("mars"); ok {
		t.Error("expected unknown location")
	}

	locs := r.Locations()
	for i := 1; i < len(locs); i++ {
		if locs[i-1].ID > locs[i].ID {
			t.Fatalf("locations not ordered: %s before %s", locs[i-1].ID, locs[i].ID)
		}
	}
	if got := r.StationsAt("reception"); len(got) != 1 || got[0].ID != "accession-1" {
		t.Errorf("unexpected stations at reception: %+v", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	content := `
locations:
  - id: intake
    name: Intake
    category: reception
  - id: cold-room
    name: Cold Room
    category: storage
    capacity: 40
stations:
  - id: intake-desk
    name: Intake Desk
    location_id: intake
    required_roles: [nurse]
    average_processing_time: 10m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	st, err := r.Station("intake-desk")
	if err != nil {
		t.Fatalf("station: %v", err)
	}
	if st.AverageProcessingTime != 10*time.Minute || len(st.RequiredRoles) != 1 {
		t.Errorf("unexpected station: %+v", st)
	}
	loc, _ := r.Location("cold-room")
	if loc.Capacity == nil || *loc.Capacity != 40 {
		t.Errorf("unexpected capacity: %v", loc.Capacity)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, []byte("stations: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil || !strings.Contains(err.Error(), "no locations") {
		t.Errorf("expected no locations error, got %v", err)
	}
}
