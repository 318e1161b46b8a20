package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	appLog "panchcal/internal/log"
)

// StaticPositioner always reports the same fix, for devices installed at a
// known place.
type StaticPositioner struct {
	Coordinates Coordinates
}

func (s StaticPositioner) Position(_ context.Context) (Coordinates, error) {
	return s.Coordinates, nil
}

// IPAPIPositioner estimates the position from the host's public IP using an
// ip-api.com compatible endpoint.
type IPAPIPositioner struct {
	url    string
	client *http.Client
}

// ipAPIResponse is the subset of the ip-api.com JSON body we use.
type ipAPIResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// NewIPAPIPositioner creates a positioner querying url.
func NewIPAPIPositioner(url string, timeout time.Duration) *IPAPIPositioner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &IPAPIPositioner{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Position performs a single lookup; there is no retry or polling.
func (p *IPAPIPositioner) Position(ctx context.Context) (Coordinates, error) {
	if p.url == "" {
		return Coordinates{}, errors.New("positioning URL is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Coordinates{}, err
	}
	req.Header.Set("Accept", "application/json")

	appLog.Debug("position lookup start", "url", appLog.RedactURL(p.url))

	resp, err := p.client.Do(req)
	if err != nil {
		return Coordinates{}, fmt.Errorf("position lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Coordinates{}, fmt.Errorf("position lookup returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Coordinates{}, fmt.Errorf("read position response: %w", err)
	}

	var out ipAPIResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Coordinates{}, fmt.Errorf("parse position response: %w", err)
	}
	if out.Status != "success" {
		msg := out.Message
		if msg == "" {
			msg = "status " + out.Status
		}
		return Coordinates{}, fmt.Errorf("position lookup denied: %s", msg)
	}

	return Coordinates{Latitude: out.Lat, Longitude: out.Lon}, nil
}
