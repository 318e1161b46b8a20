package web

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	appLog "panchcal/internal/log"
	"panchcal/internal/model"
	"panchcal/internal/orchestrator"
)

//go:embed templates/*.html
var templateFS embed.FS

var viewTemplate = template.Must(template.New("panchanga.html").Funcs(template.FuncMap{
	"deref": func(f *float64) float64 { return *f },
}).ParseFS(templateFS, "templates/panchanga.html"))

// viewData feeds the day view. Ready drives the data-ready marker the
// capture pipeline waits for.
type viewData struct {
	Ready        bool
	Busy         bool
	Location     *model.GeoLocation
	Date         string
	Time         string
	Result       *model.PanchangaResult
	Planets      []model.PlanetPosition
	HasChart     bool
	Notification *orchestrator.Notification
}

// handleView renders the published day as HTML.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	snap := s.app.Snapshot()
	data := viewData{
		Ready:        snap.Result != nil && !snap.Busy,
		Busy:         snap.Busy,
		Location:     snap.Location,
		Date:         snap.Date,
		Time:         snap.Time,
		Result:       snap.Result,
		Planets:      snap.Planets,
		HasChart:     snap.HasChart(),
		Notification: snap.Notification,
	}

	var buf bytes.Buffer
	if err := viewTemplate.Execute(&buf, data); err != nil {
		appLog.Error("day view render failed", err)
		http.Error(w, "failed to render view", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
