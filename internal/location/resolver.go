package location

import (
	"context"
	"errors"
	"fmt"

	appLog "panchcal/internal/log"
	"panchcal/internal/model"
)

// FallbackCity labels a position whose name could not be looked up.
const FallbackCity = "Current Location"

var (
	// ErrLocationUnavailable means positioning is absent, denied or failed.
	// Callers recover by using their default location.
	ErrLocationUnavailable = errors.New("location unavailable")

	// ErrGeocodingFailed means the reverse lookup failed. It never escapes
	// Resolve; the place is downgraded to FallbackCity instead.
	ErrGeocodingFailed = errors.New("reverse geocoding failed")
)

// Coordinates is a raw position fix.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Place is the human-readable name of a position.
type Place struct {
	City    string
	Country string
}

// Positioner obtains the current position with a single attempt.
type Positioner interface {
	Position(ctx context.Context) (Coordinates, error)
}

// Geocoder converts coordinates into a place name.
type Geocoder interface {
	Reverse(ctx context.Context, c Coordinates) (Place, error)
}

// Resolver acquires a best-effort GeoLocation: position fix, then reverse
// geocoding, then the host time zone.
type Resolver struct {
	positioner Positioner
	geocoder   Geocoder
	zone       func() string
}

// NewResolver builds a Resolver. A nil positioner means the capability is
// absent; a nil geocoder skips naming. zone overrides the host time zone when
// non-empty.
func NewResolver(p Positioner, g Geocoder, zone string) *Resolver {
	z := HostTimeZone
	if zone != "" {
		z = func() string { return zone }
	}
	return &Resolver{positioner: p, geocoder: g, zone: z}
}

// Resolve performs one resolution attempt. It fails only with
// ErrLocationUnavailable (or the context's error); geocoding problems are
// absorbed.
func (r *Resolver) Resolve(ctx context.Context) (model.GeoLocation, error) {
	if r.positioner == nil {
		return model.GeoLocation{}, fmt.Errorf("%w: no positioning capability", ErrLocationUnavailable)
	}

	coords, err := r.positioner.Position(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.GeoLocation{}, ctxErr
		}
		return model.GeoLocation{}, fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}
	if coords.Latitude < -90 || coords.Latitude > 90 || coords.Longitude < -180 || coords.Longitude > 180 {
		return model.GeoLocation{}, fmt.Errorf("%w: position out of range (%v, %v)", ErrLocationUnavailable, coords.Latitude, coords.Longitude)
	}

	place, gerr := r.lookup(ctx, coords)
	if gerr != nil {
		appLog.Debug("reverse geocoding failed; using fallback label", "err", gerr)
	}
	place = RecoverPlace(place, gerr)

	loc := model.GeoLocation{
		Latitude:  coords.Latitude,
		Longitude: coords.Longitude,
		TimeZone:  r.zone(),
		City:      place.City,
		Country:   place.Country,
	}
	appLog.Info("location resolved", "city", loc.City, "country", loc.Country, "timezone", loc.TimeZone)
	return loc, nil
}

func (r *Resolver) lookup(ctx context.Context, c Coordinates) (Place, error) {
	if r.geocoder == nil {
		return Place{}, fmt.Errorf("%w: no geocoder configured", ErrGeocodingFailed)
	}
	return r.geocoder.Reverse(ctx, c)
}

// RecoverPlace is the geocoding recovery policy: any failure yields the
// fallback label and an empty country.
func RecoverPlace(p Place, err error) Place {
	if err != nil {
		return Place{City: FallbackCity}
	}
	if p.City == "" {
		p.City = FallbackCity
	}
	return p
}

// OrDefault is the positioning recovery policy: ErrLocationUnavailable is
// replaced by def. Any other error (typically context cancellation) is
// returned unchanged. fellBack reports whether def was used.
func OrDefault(loc model.GeoLocation, err error, def model.GeoLocation) (_ model.GeoLocation, fellBack bool, _ error) {
	switch {
	case err == nil:
		return loc, false, nil
	case errors.Is(err, ErrLocationUnavailable):
		return def, true, nil
	default:
		return model.GeoLocation{}, false, err
	}
}
