package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panchcal/internal/compute"
	"panchcal/internal/config"
	"panchcal/internal/model"
	"panchcal/internal/orchestrator"
)

const serviceBody = `{
	"date": "2025-03-14T01:00:00.000Z",
	"location": {"latitude": 18.5204, "longitude": 73.8567, "timezone": "Asia/Kolkata", "city": "Pune", "country": "India"},
	"panchanga": {"tithi": "Shukla Pratipada", "nakshatra": {"name": "Ashwini", "pada": 2}},
	"sun": {"rise": "06:31", "set": "18:27"},
	"muhurta": {"rahuKala": {"start": "10:58", "end": "12:29"}, "abhijit": {"start": "12:05", "end": "12:53"}},
	"calendar": {"ayanamsha": 24.2},
	"planets": [{"name": "Sun", "sign": "Aquarius"}, {"name": "Saturn", "sign": "Aquarius", "retrograde": true}],
	"birth_chart": "data:image/svg+xml;base64,PHN2Zz48L3N2Zz4="
}`

var pune = model.GeoLocation{Latitude: 18.5204, Longitude: 73.8567, TimeZone: "Asia/Kolkata", City: "Pune", Country: "India"}

type fixture struct {
	server  *httptest.Server
	srv     *Server
	orch    *orchestrator.Orchestrator
	calls   *atomic.Int32
	status  *atomic.Int32
	payload *atomic.Value
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()

	calls := &atomic.Int32{}
	status := &atomic.Int32{}
	status.Store(http.StatusOK)
	payload := &atomic.Value{}
	payload.Store(serviceBody)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status.Load()))
		fmt.Fprint(w, payload.Load().(string))
	}))
	t.Cleanup(upstream.Close)

	cfg := config.DefaultConfig()
	cfg.Capture.OutputPath = t.TempDir() + "/preview.png"
	if mutate != nil {
		mutate(cfg)
	}

	client := compute.NewClient(compute.Config{Endpoint: upstream.URL, Timeout: 5 * time.Second})
	orch, err := orchestrator.New(orchestrator.Options{
		Client:          client,
		DefaultLocation: cfg.DefaultLocation,
		Notifier:        orchestrator.NotifierFunc(func(orchestrator.Notification) {}),
		Now: func() time.Time {
			ist, _ := time.LoadLocation("Asia/Kolkata")
			return time.Date(2025, 3, 14, 6, 30, 0, 0, ist)
		},
	})
	require.NoError(t, err)

	srv := NewServer(cfg, orch, client, false)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{server: ts, srv: srv, orch: orch, calls: calls, status: status, payload: payload}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m), string(b))
	return m
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestBasicAuth(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "secret"}
	})

	resp, _ := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/panchanga", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/panchanga", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestPanchangaBeforeAnyCycle(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/api/panchanga", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	m := decode(t, body)
	assert.NotContains(t, m, "result")
	assert.Nil(t, m["planets"])
	assert.Equal(t, false, m["has_chart"])
	assert.Equal(t, false, m["busy"])
	assert.Equal(t, "idle", m["state"])
	assert.Equal(t, "2025-03-14", m["date"])
	assert.Equal(t, "06:30", m["time"])
}

func TestRefreshWithoutLocation(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, orchestrator.MissingLocationMessage, decode(t, body)["error"])
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestRefreshSurfacesServiceMessage(t *testing.T) {
	f := newFixture(t, nil)
	f.status.Store(http.StatusUnprocessableEntity)
	f.payload.Store(`{"detail":"bad date"}`)

	resp, _ := f.do(t, http.MethodPut, "/api/location", `{"latitude":18.5204,"longitude":73.8567,"timezone":"Asia/Kolkata","city":"Pune","country":"India"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "bad date", decode(t, body)["error"])
}

func TestRefreshAndViews(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.SetLocation(pune))

	resp, body := f.do(t, http.MethodPost, "/api/refresh", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	m := decode(t, body)
	result := m["result"].(map[string]any)
	assert.Equal(t, "Shukla Pratipada", result["tithi"])
	assert.Equal(t, "06:31", result["sunrise"])
	assert.Equal(t, "N/A", result["moonrise"])
	assert.Equal(t, map[string]any{"start": "N/A", "end": "N/A"}, result["yamaGanda"])
	assert.Equal(t, []any{}, result["durmuhurta"])
	assert.Equal(t, true, m["has_chart"])
	assert.Equal(t, "ready", m["outcome"])
	assert.Equal(t, "success", m["notification"].(map[string]any)["level"])

	resp, body = f.do(t, http.MethodGet, "/api/planets", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	planets := decode(t, body)
	assert.Equal(t, true, planets["available"])
	assert.Len(t, planets["planets"], 2)

	resp, body = f.do(t, http.MethodGet, "/api/chart", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.Equal(t, "<svg></svg>", string(body))

	resp, body = f.do(t, http.MethodGet, "/api/panchanga.ics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/calendar")
	assert.Equal(t, 2, strings.Count(string(body), "BEGIN:VEVENT"))
	assert.Contains(t, string(body), "Rahu Kala")

	resp, body = f.do(t, http.MethodGet, "/panchanga", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	html := string(body)
	assert.Contains(t, html, `data-ready="true"`)
	assert.Contains(t, html, "Shukla Pratipada")
	assert.Contains(t, html, "Ashwini")
	assert.Contains(t, html, "Saturn (R)")
	assert.Contains(t, html, `src="/api/chart"`)
}

func TestViewNotReadyWithoutResult(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/panchanga", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `data-ready="false"`)
	assert.Contains(t, string(body), "No location selected")

	resp, _ = f.do(t, http.MethodGet, "/api/chart", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/panchanga.ics", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFailedRefreshKeepsPriorResult(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.SetLocation(pune))
	_, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)

	f.status.Store(http.StatusInternalServerError)
	f.payload.Store(`oops`)
	resp, body := f.do(t, http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, compute.DefaultFailureMessage, decode(t, body)["error"])

	_, body = f.do(t, http.MethodGet, "/api/panchanga", "")
	m := decode(t, body)
	assert.Equal(t, "Shukla Pratipada", m["result"].(map[string]any)["tithi"])
	assert.Equal(t, "error", m["outcome"])
	assert.Equal(t, true, m["has_chart"])
}

func TestLocationEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodGet, "/api/location", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/location", `{"latitude":123,"longitude":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/location", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/location", `{"latitude":18.5204,"longitude":73.8567,"timezone":"Asia/Kolkata","city":"Pune","country":"India"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/location", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var loc model.GeoLocation
	require.NoError(t, json.Unmarshal(body, &loc))
	assert.Equal(t, pune, loc)

	resp, body = f.do(t, http.MethodGet, "/api/locations/recent", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recent struct {
		Locations []model.GeoLocation `json:"locations"`
	}
	require.NoError(t, json.Unmarshal(body, &recent))
	assert.Equal(t, []model.GeoLocation{pune}, recent.Locations)
}

func TestSelectionEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPut, "/api/selection", `{"date":"2025-04-02","time":"18:45"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decode(t, body)
	assert.Equal(t, "2025-04-02", m["date"])
	assert.Equal(t, "18:45", m["time"])

	resp, _ = f.do(t, http.MethodPut, "/api/selection", `{"time":"25:00"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/selection", `{"date":"02/04/2025"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/selection", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRangeEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.do(t, http.MethodGet, "/api/panchanga/range?days=3", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, f.orch.SetLocation(pune))
	resp, body := f.do(t, http.MethodGet, "/api/panchanga/range?days=3", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var rr struct {
		Location model.GeoLocation `json:"location"`
		Days     []map[string]any  `json:"days"`
	}
	require.NoError(t, json.Unmarshal(body, &rr))
	assert.Equal(t, pune, rr.Location)
	assert.Len(t, rr.Days, 3)
	assert.Equal(t, int32(3), f.calls.Load())

	// Cached.
	resp, _ = f.do(t, http.MethodGet, "/api/panchanga/range?days=3", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), f.calls.Load())

	resp, body = f.do(t, http.MethodGet, "/api/panchanga/range?days=3&format=ics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "BEGIN:VCALENDAR")

	// The published slot is untouched by range queries.
	assert.Nil(t, f.orch.Snapshot().Result)
}

func TestRangeCacheEvicts(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.rangeCache = expirable.NewLRU[string, rangeResponse](1, nil, time.Minute)
	require.NoError(t, f.orch.SetLocation(pune))

	get := func(path string) {
		t.Helper()
		resp, body := f.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	}

	get("/api/panchanga/range?days=2")
	assert.Equal(t, int32(2), f.calls.Load())
	get("/api/panchanga/range?days=1")
	assert.Equal(t, int32(3), f.calls.Load())
	assert.Equal(t, 1, f.srv.rangeCache.Len(), "cache is bounded")

	// days=2 was evicted by days=1.
	get("/api/panchanga/range?days=2")
	assert.Equal(t, int32(5), f.calls.Load())
}

func TestRangeCacheExpires(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.rangeCache = expirable.NewLRU[string, rangeResponse](8, nil, 20*time.Millisecond)
	require.NoError(t, f.orch.SetLocation(pune))

	resp, _ := f.do(t, http.MethodGet, "/api/panchanga/range?days=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), f.calls.Load())

	time.Sleep(60 * time.Millisecond)
	resp, _ = f.do(t, http.MethodGet, "/api/panchanga/range?days=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestPreviewMissing(t *testing.T) {
	f := newFixture(t, nil)
	resp, _ := f.do(t, http.MethodGet, "/preview.png", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRootRedirects(t *testing.T) {
	f := newFixture(t, nil)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(f.server.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/panchanga", resp.Header.Get("Location"))

	resp, _ = f.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
