package compute

import (
	"encoding/json"

	"panchcal/internal/model"
)

// RawResponse is the service's success body, decoded leniently: each block
// is optional and a malformed block is treated as absent rather than failing
// the whole decode. It is consumed once by Normalize and never persisted.
type RawResponse struct {
	Date       string
	Location   *model.GeoLocation
	Panchanga  map[string]any
	Sun        map[string]any
	Moon       map[string]any
	Muhurta    map[string]any
	Calendar   map[string]any
	Planets    []model.PlanetPosition
	BirthChart *string
	API        map[string]any
}

func (r *RawResponse) UnmarshalJSON(data []byte) error {
	var blocks map[string]json.RawMessage
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}

	out := RawResponse{}
	lenient(blocks["date"], &out.Date)
	var loc model.GeoLocation
	if lenient(blocks["location"], &loc) {
		out.Location = &loc
	}
	lenient(blocks["panchanga"], &out.Panchanga)
	lenient(blocks["sun"], &out.Sun)
	lenient(blocks["moon"], &out.Moon)
	lenient(blocks["muhurta"], &out.Muhurta)
	lenient(blocks["calendar"], &out.Calendar)
	var planets []model.PlanetPosition
	if lenient(blocks["planets"], &planets) {
		out.Planets = planets
	}
	var chart string
	if lenient(blocks["birth_chart"], &chart) && chart != "" {
		out.BirthChart = &chart
	}
	lenient(blocks["api"], &out.API)

	*r = out
	return nil
}

// MarshalJSON writes the wire shape back; only present blocks are emitted.
func (r RawResponse) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	if r.Date != "" {
		m["date"] = r.Date
	}
	if r.Location != nil {
		m["location"] = r.Location
	}
	put := func(key string, v map[string]any) {
		if v != nil {
			m[key] = v
		}
	}
	put("panchanga", r.Panchanga)
	put("sun", r.Sun)
	put("moon", r.Moon)
	put("muhurta", r.Muhurta)
	put("calendar", r.Calendar)
	put("api", r.API)
	if r.Planets != nil {
		m["planets"] = r.Planets
	}
	if r.BirthChart != nil {
		m["birth_chart"] = *r.BirthChart
	}
	return json.Marshal(m)
}

// lenient decodes raw into v, reporting whether a non-null value decoded.
func lenient(raw json.RawMessage, v any) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}
