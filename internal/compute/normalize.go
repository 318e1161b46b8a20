package compute

import (
	"time"

	"panchcal/internal/model"
)

// Normalize maps a raw service response onto the stable PanchangaResult.
// It is pure and total: every missing optional field gets its placeholder,
// and a nil raw yields a result made only of placeholders.
func Normalize(raw *RawResponse) model.PanchangaResult {
	if raw == nil {
		raw = &RawResponse{}
	}

	res := model.PanchangaResult{
		Date:       parseDate(raw.Date),
		Attributes: make(map[string]any, len(raw.Panchanga)),
		Sunrise:    text(raw.Sun, "rise"),
		Sunset:     text(raw.Sun, "set"),
		Moonrise:   text(raw.Moon, "rise"),
		Moonset:    text(raw.Moon, "set"),

		RahuKala:       window(raw.Muhurta, "rahuKala"),
		YamaGanda:      window(raw.Muhurta, "yamaGanda"),
		GulikaKala:     window(raw.Muhurta, "gulikaKala"),
		AbhijitMuhurta: window(raw.Muhurta, "abhijit"),
		Durmuhurta:     []model.TimeWindow{},

		Ayanamsha: ayanamsha(raw.Calendar),
		Muhurta:   raw.Muhurta,
		Calendar:  raw.Calendar,
		API:       raw.API,
	}
	if raw.Location != nil {
		res.Location = *raw.Location
	}
	for k, v := range raw.Panchanga {
		res.Attributes[k] = v
	}
	res.Canonicalize()
	return res
}

// Planets returns the planets list verbatim, or nil when the service sent
// none. nil ("no data") and empty ("no planets") are kept distinct.
func Planets(raw *RawResponse) []model.PlanetPosition {
	if raw == nil {
		return nil
	}
	return raw.Planets
}

// Chart returns the rendered birth chart, or nil when absent.
func Chart(raw *RawResponse) *model.ChartImage {
	if raw == nil || raw.BirthChart == nil {
		return nil
	}
	return &model.ChartImage{Data: *raw.BirthChart}
}

// dateLayouts are tried in order; a date-only value is midnight UTC.
var dateLayouts = []string{time.RFC3339Nano, time.DateOnly}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// text reads block[key] as a non-empty string, else NotAvailable.
func text(block map[string]any, key string) string {
	if s, ok := block[key].(string); ok && s != "" {
		return s
	}
	return model.NotAvailable
}

// window takes a muhurta window from a single source. An absent window
// becomes UnavailableWindow as a unit; edges of a present window are never
// filled from anywhere else.
func window(muhurta map[string]any, key string) model.TimeWindow {
	w, ok := muhurta[key].(map[string]any)
	if !ok {
		return model.UnavailableWindow()
	}
	return model.TimeWindow{
		Start: text(w, "start"),
		End:   text(w, "end"),
	}
}

func ayanamsha(calendar map[string]any) *float64 {
	f, ok := calendar["ayanamsha"].(float64)
	if !ok {
		return nil
	}
	return &f
}
