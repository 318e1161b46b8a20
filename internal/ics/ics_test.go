package ics

import (
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panchcal/internal/model"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestParseClockText(t *testing.T) {
	ist := mustZone(t, "Asia/Kolkata")
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, ist)

	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "06:31", want: time.Date(2025, 3, 14, 6, 31, 0, 0, ist)},
		{in: "18:27:45", want: time.Date(2025, 3, 14, 18, 27, 45, 0, ist)},
		{in: "03:04 PM", want: time.Date(2025, 3, 14, 15, 4, 0, 0, ist)},
		{in: "9:15 am", want: time.Date(2025, 3, 14, 9, 15, 0, 0, ist)},
		{in: "2025-03-14T12:05:00+05:30", want: time.Date(2025, 3, 14, 12, 5, 0, 0, ist)},
		{in: "N/A", wantErr: true},
		{in: "", wantErr: true},
		{in: "noon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClockText(tt.in, day, ist)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestWindowSpanCrossesMidnight(t *testing.T) {
	day := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	start, end, err := WindowSpan(model.TimeWindow{Start: "23:30", End: "00:45"}, day, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 14, 23, 30, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 3, 15, 0, 45, 0, 0, time.UTC), end)

	_, _, err = WindowSpan(model.TimeWindow{Start: "10:00", End: model.NotAvailable}, day, time.UTC)
	assert.ErrorIs(t, err, ErrNoTime)
}

func TestExportMuhurta(t *testing.T) {
	res := model.PanchangaResult{
		Date: time.Date(2025, 3, 14, 1, 0, 0, 0, time.UTC),
		Location: model.GeoLocation{
			Latitude: 23.1765, Longitude: 75.7885, TimeZone: "Asia/Kolkata", City: "Ujjain", Country: "India",
		},
		Attributes:     map[string]any{"tithi": "Shukla Pratipada"},
		Sunrise:        "06:31",
		Sunset:         "18:27",
		RahuKala:       model.TimeWindow{Start: "10:58", End: "12:29"},
		YamaGanda:      model.UnavailableWindow(),
		GulikaKala:     model.TimeWindow{Start: "07:59", End: model.NotAvailable},
		AbhijitMuhurta: model.TimeWindow{Start: "12:05", End: "12:53"},
	}

	doc, n := ExportMuhurta([]model.PanchangaResult{res}, time.Date(2025, 3, 14, 2, 0, 0, 0, time.UTC))
	assert.Equal(t, 2, n)
	assert.Contains(t, doc, "BEGIN:VCALENDAR")
	assert.Contains(t, doc, productID)

	cal, err := ical.ParseCalendar(strings.NewReader(doc))
	require.NoError(t, err)
	events := cal.Events()
	require.Len(t, events, 2)

	byName := map[string]*ical.VEvent{}
	for _, ev := range events {
		byName[ev.GetProperty(ical.ComponentPropertySummary).Value] = ev
	}

	abhijit := byName["Abhijit Muhurta (auspicious)"]
	require.NotNil(t, abhijit)
	start, err := abhijit.GetStartAt()
	require.NoError(t, err)
	// 12:05 IST
	assert.True(t, time.Date(2025, 3, 14, 6, 35, 0, 0, time.UTC).Equal(start), "start %s", start)
	assert.Equal(t, "20250314-abhijitMuhurta-23.1765_75.7885@panchcal", abhijit.GetProperty(ical.ComponentPropertyUniqueId).Value)

	rahu := byName["Rahu Kala"]
	require.NotNil(t, rahu)
	end, err := rahu.GetEndAt()
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 3, 14, 6, 59, 0, 0, time.UTC).Equal(end), "end %s", end)
	assert.Equal(t, "INAUSPICIOUS", rahu.GetProperty(ical.ComponentPropertyCategories).Value)
}

func TestExportMuhurtaEmpty(t *testing.T) {
	doc, n := ExportMuhurta(nil, time.Now())
	assert.Zero(t, n)
	assert.Contains(t, doc, "END:VCALENDAR")
}

func TestDays(t *testing.T) {
	ist := mustZone(t, "Asia/Kolkata")
	start := time.Date(2025, 3, 10, 6, 30, 0, 0, ist)

	days, err := Days(start, 3)
	require.NoError(t, err)
	require.Len(t, days, 3)
	for i, d := range days {
		assert.Equal(t, 6, d.In(ist).Hour())
		assert.Equal(t, 30, d.In(ist).Minute())
		assert.Equal(t, 10+i, d.In(ist).Day())
	}

	days, err = Days(start, 100)
	require.NoError(t, err)
	assert.Len(t, days, MaxDays)

	_, err = Days(start, 0)
	assert.Error(t, err)
}
