package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"panchcal/internal/model"
)

// Positioning providers.
const (
	PositioningIPAPI  = "ipapi"
	PositioningStatic = "static"
	PositioningNone   = "none"
)

// ServiceConfig points at the remote panchanga computation service.
type ServiceConfig struct {
	// Endpoint is the full URL of the POST endpoint,
	// e.g. "http://127.0.0.1:8121/api/v1/panchanga".
	Endpoint       string `yaml:"endpoint" json:"endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// GeocoderConfig configures reverse geocoding (Nominatim-compatible).
type GeocoderConfig struct {
	BaseURL        string  `yaml:"base_url" json:"base_url"`
	UserAgent      string  `yaml:"user_agent" json:"user_agent"`
	Zoom           int     `yaml:"zoom" json:"zoom"`
	TimeoutSeconds int     `yaml:"timeout_seconds" json:"timeout_seconds"`
	RatePerSecond  float64 `yaml:"rate_per_second" json:"rate_per_second"`
	CacheSize      int     `yaml:"cache_size" json:"cache_size"`
	// Disabled skips reverse geocoding entirely; resolved locations then
	// carry the fallback city label.
	Disabled bool `yaml:"disabled" json:"disabled"`
}

// PositioningConfig selects how the device position is obtained.
//   - "ipapi":  HTTP IP geolocation lookup at URL
//   - "static": fixed Latitude/Longitude
//   - "none":   no positioning capability (always use default_location)
type PositioningConfig struct {
	Provider       string  `yaml:"provider" json:"provider"`
	URL            string  `yaml:"url" json:"url"`
	Latitude       float64 `yaml:"latitude" json:"latitude"`
	Longitude      float64 `yaml:"longitude" json:"longitude"`
	TimeoutSeconds int     `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// CaptureConfig controls the headless-browser snapshot of the day view.
type CaptureConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	OutputPath string `yaml:"output_path" json:"output_path"`
	Width      int    `yaml:"width" json:"width"`
	Height     int    `yaml:"height" json:"height"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API and day view.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone overrides the host time zone stamped on resolved locations.
	// Empty means "detect from the host".
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a cron-style schedule (e.g. "0 */6 * * *") for periodic
	// recomputation. Empty disables scheduled refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays caps the number of days served by the range endpoint.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// RecentLimit is the size of the recently-used location list.
	RecentLimit int `yaml:"recent_limit" json:"recent_limit"`

	// StatePath is where the last known-good state is persisted.
	StatePath string `yaml:"state_path" json:"state_path"`

	// DefaultLocation is used whenever positioning is unavailable.
	DefaultLocation model.GeoLocation `yaml:"default_location" json:"default_location"`

	Service     ServiceConfig     `yaml:"service" json:"service"`
	Geocoder    GeocoderConfig    `yaml:"geocoder" json:"geocoder"`
	Positioning PositioningConfig `yaml:"positioning" json:"positioning"`
	Capture     CaptureConfig     `yaml:"capture" json:"capture"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// defaultLocation is Ujjain, the traditional prime meridian of Hindu
// astronomy.
func defaultLocation() model.GeoLocation {
	return model.GeoLocation{
		Latitude:  23.1765,
		Longitude: 75.7885,
		TimeZone:  "Asia/Kolkata",
		City:      "Ujjain",
		Country:   "India",
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		DefaultLocation: defaultLocation(),
	}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "5 0 * * *"
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 7
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = 5
	}
	if c.StatePath == "" {
		c.StatePath = "/var/lib/panchcal/state.json"
	}
	if c.DefaultLocation.City == "" && c.DefaultLocation.Latitude == 0 && c.DefaultLocation.Longitude == 0 {
		c.DefaultLocation = defaultLocation()
	}
	if c.DefaultLocation.Validate() != nil {
		// Out-of-range coordinates or an unknown zone: fall back rather than
		// computing for a nonsensical place.
		c.DefaultLocation = defaultLocation()
	}

	if c.Service.Endpoint == "" {
		c.Service.Endpoint = "http://127.0.0.1:8121/api/v1/panchanga"
	}
	if c.Service.TimeoutSeconds <= 0 {
		c.Service.TimeoutSeconds = 30
	}

	if c.Geocoder.BaseURL == "" {
		c.Geocoder.BaseURL = "https://nominatim.openstreetmap.org"
	}
	if c.Geocoder.UserAgent == "" {
		c.Geocoder.UserAgent = "panchcal/1.0"
	}
	if c.Geocoder.Zoom <= 0 {
		c.Geocoder.Zoom = 10
	}
	if c.Geocoder.TimeoutSeconds <= 0 {
		c.Geocoder.TimeoutSeconds = 10
	}
	if c.Geocoder.RatePerSecond <= 0 {
		c.Geocoder.RatePerSecond = 1
	}
	if c.Geocoder.CacheSize <= 0 {
		c.Geocoder.CacheSize = 128
	}

	switch c.Positioning.Provider {
	case PositioningIPAPI, PositioningStatic, PositioningNone:
		// ok
	default:
		c.Positioning.Provider = PositioningIPAPI
	}
	if c.Positioning.URL == "" {
		c.Positioning.URL = "http://ip-api.com/json/"
	}
	if c.Positioning.TimeoutSeconds <= 0 {
		c.Positioning.TimeoutSeconds = 10
	}

	if c.Capture.OutputPath == "" {
		c.Capture.OutputPath = "/var/lib/panchcal/preview.png"
	}
}

func (s ServiceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (g GeocoderConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

func (p PositioningConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Return cfg with the error so the caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, ".panchcal-config-*.tmp")
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}

// WriteFileAtomic writes data next to path and renames it into place, so
// readers never observe a partially-written file. The parent directory is
// created with 0700 and the file ends up 0600.
func WriteFileAtomic(path string, data []byte, pattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
