package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// TimeWindow is a named muhurta interval. Start and End are the service's
// display strings, or NotAvailable.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// UnavailableWindow is used as a unit whenever a window is missing.
func UnavailableWindow() TimeWindow {
	return TimeWindow{Start: NotAvailable, End: NotAvailable}
}

func (w TimeWindow) Available() bool {
	return w.Start != NotAvailable && w.End != NotAvailable
}

// PanchangaResult is the stable model every display surface reads.
//
// Attributes holds the flattened "panchanga" block of the service response
// (tithi, nakshatra, yoga, karana, vara, ...). The JSON form is flat as
// well: date and location first, then the attributes, then the fixed fields.
type PanchangaResult struct {
	Date       time.Time
	Location   GeoLocation
	Attributes map[string]any

	Sunrise  string
	Sunset   string
	Moonrise string
	Moonset  string

	RahuKala       TimeWindow
	YamaGanda      TimeWindow
	GulikaKala     TimeWindow
	AbhijitMuhurta TimeWindow
	Durmuhurta     []TimeWindow

	// Ayanamsha is nil when the service did not report one; nil and 0 differ.
	Ayanamsha *float64

	Muhurta  map[string]any
	Calendar map[string]any
	API      map[string]any
}

const (
	keyDate           = "date"
	keyLocation       = "location"
	keySunrise        = "sunrise"
	keySunset         = "sunset"
	keyMoonrise       = "moonrise"
	keyMoonset        = "moonset"
	keyRahuKala       = "rahuKala"
	keyYamaGanda      = "yamaGanda"
	keyGulikaKala     = "gulikaKala"
	keyAbhijitMuhurta = "abhijitMuhurta"
	keyDurmuhurta     = "durmuhurta"
	keyMuhurta        = "muhurta"
	keyCalendar       = "calendar"
	keyAyanamsha      = "ayanamsha"
	keyAPI            = "api"
)

// Attr returns a flattened attribute rendered as a string, or NotAvailable.
func (p PanchangaResult) Attr(name string) string {
	v, ok := p.Attributes[name]
	if !ok || v == nil {
		return NotAvailable
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return NotAvailable
		}
		return t
	case map[string]any:
		// Services commonly send {"name": "...", ...} for limbs.
		if n, ok := t["name"].(string); ok && n != "" {
			return n
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return NotAvailable
	}
	return string(b)
}

func (p PanchangaResult) Tithi() string     { return p.Attr("tithi") }
func (p PanchangaResult) Nakshatra() string { return p.Attr("nakshatra") }
func (p PanchangaResult) Yoga() string      { return p.Attr("yoga") }
func (p PanchangaResult) Karana() string    { return p.Attr("karana") }
func (p PanchangaResult) Vara() string      { return p.Attr("vara") }

// Lookup resolves a field by its flat JSON name with the same precedence as
// the flat form: attributes override date and location, fixed fields
// override attributes.
func (p PanchangaResult) Lookup(name string) (any, bool) {
	switch name {
	case keyDate:
		if v, ok := p.Attributes[name]; ok {
			return v, true
		}
		return p.Date, true
	case keyLocation:
		if v, ok := p.Attributes[name]; ok {
			return v, true
		}
		return p.Location, true
	case keySunrise:
		return p.Sunrise, true
	case keySunset:
		return p.Sunset, true
	case keyMoonrise:
		return p.Moonrise, true
	case keyMoonset:
		return p.Moonset, true
	case keyRahuKala:
		return p.RahuKala, true
	case keyYamaGanda:
		return p.YamaGanda, true
	case keyGulikaKala:
		return p.GulikaKala, true
	case keyAbhijitMuhurta:
		return p.AbhijitMuhurta, true
	case keyDurmuhurta:
		return p.Durmuhurta, true
	case keyAyanamsha:
		if p.Ayanamsha == nil {
			return nil, false
		}
		return *p.Ayanamsha, true
	case keyMuhurta:
		return p.Muhurta, p.Muhurta != nil
	case keyCalendar:
		return p.Calendar, p.Calendar != nil
	case keyAPI:
		return p.API, p.API != nil
	}
	v, ok := p.Attributes[name]
	return v, ok
}

// fixedKey reports whether name is written after the attributes in the
// flat form, so an attribute of that name is never visible.
func fixedKey(name string) bool {
	switch name {
	case keySunrise, keySunset, keyMoonrise, keyMoonset,
		keyRahuKala, keyYamaGanda, keyGulikaKala, keyAbhijitMuhurta,
		keyDurmuhurta, keyMuhurta, keyCalendar, keyAyanamsha, keyAPI:
		return true
	}
	return false
}

// Canonicalize folds attribute collisions into the form the flat JSON
// decodes back to. Attributes shadowed by fixed fields are dropped. A date
// or location attribute replaces Date or Location when it decodes as one;
// otherwise it stays an attribute and the shadowed field is cleared.
func (p *PanchangaResult) Canonicalize() {
	for k := range p.Attributes {
		if fixedKey(k) {
			delete(p.Attributes, k)
		}
	}
	if v, ok := p.Attributes[keyDate]; ok {
		p.Date = time.Time{}
		if b, err := json.Marshal(v); err == nil {
			var t time.Time
			if json.Unmarshal(b, &t) == nil {
				p.Date = t.UTC()
				delete(p.Attributes, keyDate)
			}
		}
	}
	if v, ok := p.Attributes[keyLocation]; ok {
		p.Location = GeoLocation{}
		if b, err := json.Marshal(v); err == nil {
			var g GeoLocation
			if json.Unmarshal(b, &g) == nil {
				p.Location = g
				delete(p.Attributes, keyLocation)
			}
		}
	}
}

// Windows lists the four named muhurta windows in display order.
func (p PanchangaResult) Windows() []NamedWindow {
	return []NamedWindow{
		{Name: "Abhijit Muhurta", Key: keyAbhijitMuhurta, Window: p.AbhijitMuhurta, Auspicious: true},
		{Name: "Rahu Kala", Key: keyRahuKala, Window: p.RahuKala},
		{Name: "Yama Ganda", Key: keyYamaGanda, Window: p.YamaGanda},
		{Name: "Gulika Kala", Key: keyGulikaKala, Window: p.GulikaKala},
	}
}

// NamedWindow pairs a window with its display label.
type NamedWindow struct {
	Name       string
	Key        string
	Window     TimeWindow
	Auspicious bool
}

// MarshalJSON emits the flat form. Attribute keys override date/location but
// never the fixed fields, even when an optional fixed field is absent.
func (p PanchangaResult) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.Attributes)+16)
	m[keyDate] = p.Date
	m[keyLocation] = p.Location
	for k, v := range p.Attributes {
		if !fixedKey(k) {
			m[k] = v
		}
	}
	m[keySunrise] = p.Sunrise
	m[keySunset] = p.Sunset
	m[keyMoonrise] = p.Moonrise
	m[keyMoonset] = p.Moonset
	m[keyRahuKala] = p.RahuKala
	m[keyYamaGanda] = p.YamaGanda
	m[keyGulikaKala] = p.GulikaKala
	m[keyAbhijitMuhurta] = p.AbhijitMuhurta
	durmuhurta := p.Durmuhurta
	if durmuhurta == nil {
		durmuhurta = []TimeWindow{}
	}
	m[keyDurmuhurta] = durmuhurta
	if p.Muhurta != nil {
		m[keyMuhurta] = p.Muhurta
	}
	if p.Calendar != nil {
		m[keyCalendar] = p.Calendar
	}
	if p.Ayanamsha != nil {
		m[keyAyanamsha] = *p.Ayanamsha
	}
	if p.API != nil {
		m[keyAPI] = p.API
	}
	return marshalJSON(m)
}

// UnmarshalJSON reads the flat form back. Unknown keys become Attributes.
func (p *PanchangaResult) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := PanchangaResult{
		Attributes: map[string]any{},
		Durmuhurta: []TimeWindow{},
	}

	str := func(key string) (string, error) {
		var s string
		if v, ok := raw[key]; ok {
			if err := json.Unmarshal(v, &s); err != nil {
				return "", err
			}
		}
		return s, nil
	}
	win := func(key string) (TimeWindow, error) {
		w := UnavailableWindow()
		if v, ok := raw[key]; ok {
			if err := json.Unmarshal(v, &w); err != nil {
				return TimeWindow{}, err
			}
		}
		return w, nil
	}
	obj := func(key string) (map[string]any, error) {
		v, ok := raw[key]
		if !ok {
			return nil, nil
		}
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, err
		}
		return m, nil
	}

	var err error
	for key, v := range raw {
		switch key {
		case keyDate:
			var t time.Time
			if json.Unmarshal(v, &t) == nil {
				out.Date = t.UTC()
				continue
			}
		case keyLocation:
			var g GeoLocation
			if json.Unmarshal(v, &g) == nil {
				out.Location = g
				continue
			}
		default:
			if fixedKey(key) {
				continue
			}
		}
		// date/location that did not decode were attribute overrides.
		var a any
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		out.Attributes[key] = a
	}

	if out.Sunrise, err = str(keySunrise); err != nil {
		return err
	}
	if out.Sunset, err = str(keySunset); err != nil {
		return err
	}
	if out.Moonrise, err = str(keyMoonrise); err != nil {
		return err
	}
	if out.Moonset, err = str(keyMoonset); err != nil {
		return err
	}
	if out.RahuKala, err = win(keyRahuKala); err != nil {
		return err
	}
	if out.YamaGanda, err = win(keyYamaGanda); err != nil {
		return err
	}
	if out.GulikaKala, err = win(keyGulikaKala); err != nil {
		return err
	}
	if out.AbhijitMuhurta, err = win(keyAbhijitMuhurta); err != nil {
		return err
	}
	if v, ok := raw[keyDurmuhurta]; ok {
		if err := json.Unmarshal(v, &out.Durmuhurta); err != nil {
			return err
		}
		if out.Durmuhurta == nil {
			out.Durmuhurta = []TimeWindow{}
		}
	}
	if v, ok := raw[keyAyanamsha]; ok {
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			out.Ayanamsha = &f
		}
	}
	if out.Muhurta, err = obj(keyMuhurta); err != nil {
		return err
	}
	if out.Calendar, err = obj(keyCalendar); err != nil {
		return err
	}
	if out.API, err = obj(keyAPI); err != nil {
		return err
	}

	*p = out
	return nil
}

// PlanetPosition is one entry of the service's planets list, kept verbatim.
type PlanetPosition map[string]any

func (pp PlanetPosition) Name() string {
	s, _ := pp["name"].(string)
	return s
}

// Longitude returns the sidereal longitude in degrees if present.
func (pp PlanetPosition) Longitude() (float64, bool) {
	f, ok := pp["longitude"].(float64)
	return f, ok
}

func (pp PlanetPosition) Sign() string {
	s, _ := pp["sign"].(string)
	return s
}

func (pp PlanetPosition) Retrograde() bool {
	b, _ := pp["retrograde"].(bool)
	return b
}

// ChartImage is the rendered birth chart artifact: a data URL, bare base64
// payload, or inline SVG markup.
type ChartImage struct {
	Data string `json:"data"`
}

var ErrEmptyChart = errors.New("chart image is empty")

// Decode returns the image bytes and MIME type.
func (c ChartImage) Decode() ([]byte, string, error) {
	data := strings.TrimSpace(c.Data)
	if data == "" {
		return nil, "", ErrEmptyChart
	}

	if strings.HasPrefix(data, "<svg") || strings.HasPrefix(data, "<?xml") {
		return []byte(data), "image/svg+xml", nil
	}

	mime := ""
	if strings.HasPrefix(data, "data:") {
		comma := strings.IndexByte(data, ',')
		if comma < 0 {
			return nil, "", errors.New("malformed data URL")
		}
		header := data[len("data:"):comma]
		data = data[comma+1:]
		mime = strings.TrimSuffix(header, ";base64")
	}

	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", err
	}
	if mime == "" {
		mime = http.DetectContentType(b)
	}
	return b, mime, nil
}

func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
