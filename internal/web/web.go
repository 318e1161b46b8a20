package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"panchcal/internal/compute"
	"panchcal/internal/config"
	"panchcal/internal/ics"
	appLog "panchcal/internal/log"
	"panchcal/internal/model"
	"panchcal/internal/orchestrator"
)

// Panchanga is the presentation boundary of the orchestrator.
// *orchestrator.Orchestrator implements it.
type Panchanga interface {
	Snapshot() orchestrator.Snapshot
	RunCycle(ctx context.Context) (orchestrator.Snapshot, error)
	SetLocation(loc model.GeoLocation) error
	SetDate(date time.Time) error
	SetTime(hhmm string) error
	RecentLocations() []model.GeoLocation
}

// Server provides the HTTP API, the HTML day view and the iCalendar feed.
type Server struct {
	cfg    *config.Config
	debug  bool
	mux    *http.ServeMux
	app    Panchanga
	client orchestrator.Computer
	now    func() time.Time

	// In-memory cache for /api/panchanga/range responses. Each day is a
	// separate computation, so repeated UI polling must not fan out again.
	rangeCache *expirable.LRU[string, rangeResponse]
}

const (
	rangeCacheSize = 64
	rangeCacheTTL  = 30 * time.Second
)

// NewServer constructs a new Server. client serves range queries; the
// published day always goes through app.
func NewServer(cfg *config.Config, app Panchanga, client orchestrator.Computer, debug bool) *Server {
	s := &Server{
		cfg:        cfg,
		debug:      debug,
		mux:        http.NewServeMux(),
		app:        app,
		client:     client,
		now:        time.Now,
		rangeCache: expirable.NewLRU[string, rangeResponse](rangeCacheSize, nil, rangeCacheTTL),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password means disabled.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="panchcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/panchanga", s.handlePanchanga)
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/location", s.handleLocation)
	s.mux.HandleFunc("/api/locations/recent", s.handleRecent)
	s.mux.HandleFunc("/api/selection", s.handleSelection)
	s.mux.HandleFunc("/api/planets", s.handlePlanets)
	s.mux.HandleFunc("/api/chart", s.handleChart)
	s.mux.HandleFunc("/api/panchanga.ics", s.handleICS)
	s.mux.HandleFunc("/api/panchanga/range", s.handleRange)
	s.mux.HandleFunc("/panchanga", s.handleView)
	s.mux.HandleFunc("/preview.png", s.handlePreview)
	s.mux.HandleFunc("/", s.handleRoot)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/panchanga", http.StatusFound)
}

// panchangaResponse is the JSON shape for /api/panchanga and /api/refresh.
// Planets is null until a cycle has produced planet data.
type panchangaResponse struct {
	Result       *model.PanchangaResult     `json:"result,omitempty"`
	Planets      []model.PlanetPosition     `json:"planets"`
	HasChart     bool                       `json:"has_chart"`
	Busy         bool                       `json:"busy"`
	State        orchestrator.State         `json:"state"`
	Outcome      orchestrator.State         `json:"outcome"`
	Location     *model.GeoLocation         `json:"location,omitempty"`
	Date         string                     `json:"date"`
	Time         string                     `json:"time"`
	Notification *orchestrator.Notification `json:"notification,omitempty"`
	CycleID      string                     `json:"cycle_id,omitempty"`
	ActiveCycle  string                     `json:"active_cycle,omitempty"`
	UpdatedAt    *time.Time                 `json:"updated_at,omitempty"`
}

func toResponse(snap orchestrator.Snapshot) panchangaResponse {
	resp := panchangaResponse{
		Result:       snap.Result,
		Planets:      snap.Planets,
		HasChart:     snap.HasChart(),
		Busy:         snap.Busy,
		State:        snap.State,
		Outcome:      snap.Outcome,
		Location:     snap.Location,
		Date:         snap.Date,
		Time:         snap.Time,
		Notification: snap.Notification,
		CycleID:      snap.CycleID,
		ActiveCycle:  snap.ActiveCycle,
	}
	if !snap.UpdatedAt.IsZero() {
		t := snap.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}

func (s *Server) handlePanchanga(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, toResponse(s.app.Snapshot()))
}

// handleRefresh runs a manual cycle and reports its outcome.
//
// POST /api/refresh
//   - 200: snapshot after success
//   - 409: no location selected, or superseded by a newer refresh
//   - 400: invalid date/time selection
//   - 502: computation failed (message from the service)
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}

	snap, err := s.app.RunCycle(r.Context())
	if err != nil {
		status, msg := refreshError(err)
		appLog.Warn("api refresh failed", "status", status, "message", msg)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(snap))
}

func refreshError(err error) (int, string) {
	var cerr *compute.Error
	switch {
	case errors.Is(err, orchestrator.ErrMissingLocation):
		return http.StatusConflict, orchestrator.MissingLocationMessage
	case errors.Is(err, orchestrator.ErrSuperseded):
		return http.StatusConflict, "superseded by a newer refresh"
	case errors.Is(err, orchestrator.ErrInvalidSelection):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &cerr):
		return http.StatusBadGateway, cerr.Message
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "refresh cancelled"
	}
	return http.StatusInternalServerError, compute.DefaultFailureMessage
}

// handleLocation reads or replaces the current location.
//
// PUT body is a GeoLocation. An empty timezone takes the configured or host
// zone of the current location.
func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPut) {
		return
	}

	if r.Method == http.MethodGet {
		snap := s.app.Snapshot()
		if snap.Location == nil {
			writeError(w, http.StatusNotFound, "no location selected")
			return
		}
		writeJSON(w, http.StatusOK, snap.Location)
		return
	}

	var loc model.GeoLocation
	if err := decodeBody(w, r, &loc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid location body")
		return
	}
	if loc.TimeZone == "" {
		loc.TimeZone = s.defaultZoneName()
	}
	if err := s.app.SetLocation(loc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	appLog.Info("api location set", "city", loc.City, "timezone", loc.TimeZone)
	writeJSON(w, http.StatusOK, toResponse(s.app.Snapshot()))
}

func (s *Server) defaultZoneName() string {
	if snap := s.app.Snapshot(); snap.Location != nil && snap.Location.TimeZone != "" {
		return snap.Location.TimeZone
	}
	if s.cfg != nil && s.cfg.Timezone != "" {
		return s.cfg.Timezone
	}
	return ""
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	type recentResponse struct {
		Locations []model.GeoLocation `json:"locations"`
	}
	writeJSON(w, http.StatusOK, recentResponse{Locations: s.app.RecentLocations()})
}

// selectionRequest is the body of PUT /api/selection. Either field may be
// omitted to keep the current value.
type selectionRequest struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPut) {
		return
	}

	var req selectionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid selection body")
		return
	}

	zone := time.Local
	if snap := s.app.Snapshot(); snap.Location != nil {
		zone = snap.Location.Zone()
	}

	if req.Date != "" {
		d, err := time.ParseInLocation(orchestrator.DateLayout, req.Date, zone)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("date %q is not YYYY-MM-DD", req.Date))
			return
		}
		if err := s.app.SetDate(d); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Time != "" {
		if err := s.app.SetTime(req.Time); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, toResponse(s.app.Snapshot()))
}

func (s *Server) handlePlanets(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	type planetsResponse struct {
		Available bool                   `json:"available"`
		Planets   []model.PlanetPosition `json:"planets"`
	}
	snap := s.app.Snapshot()
	writeJSON(w, http.StatusOK, planetsResponse{
		Available: snap.Planets != nil,
		Planets:   snap.Planets,
	})
}

// handleChart serves the decoded birth chart image.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	snap := s.app.Snapshot()
	if snap.Chart == nil {
		writeError(w, http.StatusNotFound, "no chart available")
		return
	}
	data, mime, err := snap.Chart.Decode()
	if err != nil {
		appLog.Error("chart decode failed", err, "cycle", snap.CycleID)
		writeError(w, http.StatusInternalServerError, "failed to decode chart")
		return
	}

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleICS exports the published day's muhurta windows as iCalendar.
func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	snap := s.app.Snapshot()
	if snap.Result == nil {
		writeError(w, http.StatusNotFound, "no panchanga available")
		return
	}
	doc, n := ics.ExportMuhurta([]model.PanchangaResult{*snap.Result}, s.now())
	appLog.Debug("api ics export", "event_count", n)
	writeCalendar(w, doc)
}

// rangeResponse is the JSON shape for /api/panchanga/range.
type rangeResponse struct {
	Location model.GeoLocation       `json:"location"`
	Days     []model.PanchangaResult `json:"days"`
}

// handleRange computes N consecutive days from the current selection
// without touching the published result.
//
// GET /api/panchanga/range?days=7&format=ics
//   - days:   number of days (default horizon_days, capped at ics.MaxDays)
//   - format: "json" (default) or "ics"
func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), s.horizonDays())
	if days <= 0 {
		days = s.horizonDays()
	}
	if days > ics.MaxDays {
		days = ics.MaxDays
	}

	snap := s.app.Snapshot()
	if snap.Location == nil {
		writeError(w, http.StatusConflict, orchestrator.MissingLocationMessage)
		return
	}
	loc := *snap.Location

	key := fmt.Sprintf("%s|%s|%s|%d", loc.Key(), snap.Date, snap.Time, days)
	resp, ok := s.rangeCache.Get(key)
	if !ok {
		var err error
		resp, err = s.computeRange(r.Context(), loc, snap.Date, snap.Time, days)
		if err != nil {
			status, msg := refreshError(err)
			writeError(w, status, msg)
			return
		}
		s.rangeCache.Add(key, resp)
	}

	if strings.EqualFold(q.Get("format"), "ics") {
		doc, _ := ics.ExportMuhurta(resp.Days, s.now())
		writeCalendar(w, doc)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) computeRange(ctx context.Context, loc model.GeoLocation, date, clock string, days int) (rangeResponse, error) {
	zone := loc.Zone()
	d, err := time.ParseInLocation(orchestrator.DateLayout, date, zone)
	if err != nil {
		return rangeResponse{}, fmt.Errorf("%w: %v", orchestrator.ErrInvalidSelection, err)
	}
	start, err := orchestrator.CombineDateTime(d, clock, zone)
	if err != nil {
		return rangeResponse{}, err
	}
	instants, err := ics.Days(start.In(zone), days)
	if err != nil {
		return rangeResponse{}, err
	}

	appLog.Info("api range request", "days", len(instants), "city", loc.City, "start", start.Format(time.RFC3339))

	results := make([]model.PanchangaResult, len(instants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, at := range instants {
		g.Go(func() error {
			raw, err := s.client.Compute(gctx, model.ComputationRequest{Instant: at.UTC(), Location: loc})
			if err != nil {
				return err
			}
			results[i] = compute.Normalize(raw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		appLog.Error("api range failed", err, "days", len(instants))
		return rangeResponse{}, err
	}
	return rangeResponse{Location: loc, Days: results}, nil
}

func (s *Server) horizonDays() int {
	if s.cfg == nil || s.cfg.HorizonDays <= 0 {
		return 7
	}
	return s.cfg.HorizonDays
}

// handlePreview serves the last captured PNG of the day view from disk.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	previewPath := "/var/lib/panchcal/preview.png"
	if s.cfg != nil && s.cfg.Capture.OutputPath != "" {
		previewPath = s.cfg.Capture.OutputPath
	}
	// http.ServeFile maps a missing file to 404.
	http.ServeFile(w, r, previewPath)
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeCalendar(w http.ResponseWriter, doc string) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="panchanga.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
