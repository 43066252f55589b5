package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

func NewOSRMClient(endpoint string, timeout time.Duration, logger *slog.Logger) *OSRMClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Timeout:  timeout,
		Client:   &http.Client{Timeout: timeout},
		Logger:   loggerOrDefault(logger),
	}
}

func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (Route, bool) {
	start := time.Now()
	r, err := o.route(ctx, from, to)
	observe(o.Logger, ProviderOSRM, start, err)
	return r, err == nil
}

func (o *OSRMClient) route(ctx context.Context, from, to models.Coord) (Route, error) {
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	// OSRM wants lon,lat pairs: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}
	u := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Route{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return Route{DistanceKm: round2(out.Routes[0].Distance / 1000), ETAMin: roundMinutes(out.Routes[0].Duration / 60)}, nil
}
