package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	appLog "panchcal/internal/log"
)

// NominatimConfig configures a NominatimGeocoder.
type NominatimConfig struct {
	BaseURL   string
	UserAgent string
	Zoom      int
	Timeout   time.Duration
	// RatePerSecond bounds outgoing lookups. The public Nominatim usage
	// policy allows at most 1 request per second.
	RatePerSecond float64
	CacheSize     int
}

// NominatimGeocoder reverse-geocodes against a Nominatim-compatible
// /reverse endpoint. Results are memoized per ~100 m cell and lookups are
// rate limited and circuit broken.
type NominatimGeocoder struct {
	baseURL    string
	userAgent  string
	zoom       int
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      *lru.Cache[string, Place]
	breaker    *gobreaker.CircuitBreaker
}

// nominatimResponse is the subset of the /reverse JSON body we use.
type nominatimResponse struct {
	Address *struct {
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		State   string `json:"state"`
		Country string `json:"country"`
	} `json:"address"`
	Error string `json:"error"`
}

// NewNominatimGeocoder creates a geocoder, applying defaults for zero fields.
func NewNominatimGeocoder(cfg NominatimConfig) (*NominatimGeocoder, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://nominatim.openstreetmap.org"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "panchcal/1.0"
	}
	if cfg.Zoom <= 0 {
		cfg.Zoom = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 128
	}

	cache, err := lru.New[string, Place](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create geocode cache: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nominatim",
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			appLog.Info("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &NominatimGeocoder{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		zoom:       cfg.Zoom,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		cache:      cache,
		breaker:    breaker,
	}, nil
}

// Reverse looks up the place name for c. All failures wrap
// ErrGeocodingFailed.
func (g *NominatimGeocoder) Reverse(ctx context.Context, c Coordinates) (Place, error) {
	key := cacheKey(c)
	if p, ok := g.cache.Get(key); ok {
		return p, nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return Place{}, fmt.Errorf("%w: rate limiter: %v", ErrGeocodingFailed, err)
	}

	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.fetch(ctx, c)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Place{}, fmt.Errorf("%w: %v", ErrGeocodingFailed, err)
		}
		return Place{}, err
	}

	place := res.(Place)
	g.cache.Add(key, place)
	return place, nil
}

func (g *NominatimGeocoder) fetch(ctx context.Context, c Coordinates) (Place, error) {
	params := url.Values{
		"format":         {"json"},
		"lat":            {strconv.FormatFloat(c.Latitude, 'f', -1, 64)},
		"lon":            {strconv.FormatFloat(c.Longitude, 'f', -1, 64)},
		"zoom":           {strconv.Itoa(g.zoom)},
		"addressdetails": {"1"},
	}
	fullURL := g.baseURL + "/reverse?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return Place{}, fmt.Errorf("%w: create request: %v", ErrGeocodingFailed, err)
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Place{}, fmt.Errorf("%w: %v", ErrGeocodingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Place{}, fmt.Errorf("%w: status %d", ErrGeocodingFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return Place{}, fmt.Errorf("%w: read body: %v", ErrGeocodingFailed, err)
	}

	var out nominatimResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Place{}, fmt.Errorf("%w: parse body: %v", ErrGeocodingFailed, err)
	}
	if out.Error != "" {
		return Place{}, fmt.Errorf("%w: %s", ErrGeocodingFailed, out.Error)
	}
	if out.Address == nil {
		return Place{City: FallbackCity}, nil
	}

	a := out.Address
	return Place{
		City:    firstNonEmpty(a.City, a.Town, a.Village, a.State, FallbackCity),
		Country: a.Country,
	}, nil
}

// cacheKey rounds to three decimals (~110 m), finer than zoom 10 resolves.
func cacheKey(c Coordinates) string {
	return fmt.Sprintf("%.3f,%.3f", c.Latitude, c.Longitude)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
