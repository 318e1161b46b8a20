package model

import (
	"errors"
	"fmt"
	"time"
)

// NotAvailable is the placeholder for any value the computation service did
// not provide. It is distinct from a parse failure.
const NotAvailable = "N/A"

// GeoLocation identifies where a panchanga is computed for. Values are
// immutable; a new location always replaces the current one.
type GeoLocation struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	// TimeZone is an IANA zone name (e.g. "Asia/Kolkata").
	TimeZone string `json:"timezone" yaml:"timezone"`
	City     string `json:"city" yaml:"city"`
	Country  string `json:"country" yaml:"country"`
}

var (
	ErrLatitudeRange  = errors.New("latitude must be within [-90, 90]")
	ErrLongitudeRange = errors.New("longitude must be within [-180, 180]")
)

// NewGeoLocation validates coordinates and the zone name before building a
// GeoLocation.
func NewGeoLocation(lat, lon float64, tz, city, country string) (GeoLocation, error) {
	loc := GeoLocation{
		Latitude:  lat,
		Longitude: lon,
		TimeZone:  tz,
		City:      city,
		Country:   country,
	}
	if err := loc.Validate(); err != nil {
		return GeoLocation{}, err
	}
	return loc, nil
}

// Validate checks the coordinate ranges and that TimeZone loads.
func (g GeoLocation) Validate() error {
	if g.Latitude < -90 || g.Latitude > 90 {
		return fmt.Errorf("%w: got %v", ErrLatitudeRange, g.Latitude)
	}
	if g.Longitude < -180 || g.Longitude > 180 {
		return fmt.Errorf("%w: got %v", ErrLongitudeRange, g.Longitude)
	}
	if g.TimeZone != "" {
		if _, err := time.LoadLocation(g.TimeZone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", g.TimeZone, err)
		}
	}
	return nil
}

// Zone returns the location's time zone, falling back to time.Local when the
// name is empty or unknown.
func (g GeoLocation) Zone() *time.Location {
	if g.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(g.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Key identifies a location for de-duplication (recent list, caches).
func (g GeoLocation) Key() string {
	return fmt.Sprintf("%.4f,%.4f", g.Latitude, g.Longitude)
}

func (g GeoLocation) String() string {
	if g.Country == "" {
		return g.City
	}
	return g.City + ", " + g.Country
}

// ComputationRequest is the (instant, location) pair submitted to the
// computation service. Instant is always UTC.
type ComputationRequest struct {
	Instant  time.Time
	Location GeoLocation
}

// isoMillis matches the millisecond ISO-8601 form the service expects.
const isoMillis = "2006-01-02T15:04:05.000Z"

// MarshalJSON renders {"date": ISO-8601 UTC, "location": {...}}.
func (r ComputationRequest) MarshalJSON() ([]byte, error) {
	type wire struct {
		Date     string      `json:"date"`
		Location GeoLocation `json:"location"`
	}
	return marshalJSON(wire{
		Date:     r.Instant.UTC().Format(isoMillis),
		Location: r.Location,
	})
}
