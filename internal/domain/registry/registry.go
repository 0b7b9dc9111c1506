package registry

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrLocationNotFound = errors.New("location not found")
	ErrStationNotFound  = errors.New("station not found")
)

// Registry is the static catalog of locations and workflow stations.
// It is immutable after construction and safe for concurrent reads.
type Registry struct {
	locations map[string]Location
	stations  map[string]Station
}

// New validates the catalog and builds a Registry. Every station must point at
// a known location and every id must be unique.
func New(locations []Location, stations []Station) (*Registry, error) {
	r := &Registry{
		locations: make(map[string]Location, len(locations)),
		stations:  make(map[string]Station, len(stations)),
	}
	for _, loc := range locations {
		if loc.ID == "" {
			return nil, fmt.Errorf("location %q: id is required", loc.Name)
		}
		if !loc.Category.Valid() {
			return nil, fmt.Errorf("location %s: unknown category %q", loc.ID, loc.Category)
		}
		if loc.Capacity != nil && *loc.Capacity < 0 {
			return nil, fmt.Errorf("location %s: capacity must not be negative", loc.ID)
		}
		if _, dup := r.locations[loc.ID]; dup {
			return nil, fmt.Errorf("duplicate location id %s", loc.ID)
		}
		r.locations[loc.ID] = loc
	}
	for _, st := range stations {
		if st.ID == "" {
			return nil, fmt.Errorf("station %q: id is required", st.Name)
		}
		if _, ok := r.locations[st.LocationID]; !ok {
			return nil, fmt.Errorf("station %s: %w: %s", st.ID, ErrLocationNotFound, st.LocationID)
		}
		if _, dup := r.stations[st.ID]; dup {
			return nil, fmt.Errorf("duplicate station id %s", st.ID)
		}
		r.stations[st.ID] = st
	}
	return r, nil
}

// Location returns the location with the given id.
func (r *Registry) Location(id string) (Location, error) {
	loc, ok := r.locations[id]
	if !ok {
		return Location{}, fmt.Errorf("%w: %s", ErrLocationNotFound, id)
	}
	return loc, nil
}

// Station returns the station with the given id.
func (r *Registry) Station(id string) (Station, error) {
	st, ok := r.stations[id]
	if !ok {
		return Station{}, fmt.Errorf("%w: %s", ErrStationNotFound, id)
	}
	return st, nil
}

// StationLocation resolves a station together with the location it is bound to.
func (r *Registry) StationLocation(stationID string) (Station, Location, error) {
	st, err := r.Station(stationID)
	if err != nil {
		return Station{}, Location{}, err
	}
	loc, err := r.Location(st.LocationID)
	if err != nil {
		return Station{}, Location{}, err
	}
	return st, loc, nil
}

// CategoryOf returns the category of a location id, or false if unknown.
func (r *Registry) CategoryOf(locationID string) (Category, bool) {
	loc, ok := r.locations[locationID]
	if !ok {
		return "", false
	}
	return loc.Category, true
}

// Locations returns all locations ordered by id.
func (r *Registry) Locations() []Location {
	out := make([]Location, 0, len(r.locations))
	for _, loc := range r.locations {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stations returns all stations ordered by id.
func (r *Registry) Stations() []Station {
	out := make([]Station, 0, len(r.stations))
	for _, st := range r.stations {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StationsAt returns the stations bound to a location, ordered by id.
func (r *Registry) StationsAt(locationID string) []Station {
	var out []Station
	for _, st := range r.stations {
		if st.LocationID == locationID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
