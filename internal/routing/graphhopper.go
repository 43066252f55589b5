package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

const DefaultGraphHopperEndpoint = "https://graphhopper.com/api/1"

var errNoRoute = errors.New("no route")

// GraphHopperClient queries the GraphHopper /route API.
type GraphHopperClient struct {
	Endpoint string
	Key      string
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

func NewGraphHopperClient(endpoint, key string, timeout time.Duration, logger *slog.Logger) *GraphHopperClient {
	if endpoint == "" {
		endpoint = DefaultGraphHopperEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &GraphHopperClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Key:      key,
		Timeout:  timeout,
		Client:   &http.Client{Timeout: timeout},
		Logger:   loggerOrDefault(logger),
	}
}

func (g *GraphHopperClient) Route(ctx context.Context, from, to models.Coord) (Route, bool) {
	start := time.Now()
	r, err := g.route(ctx, from, to)
	observe(g.Logger, ProviderGraphHopper, start, err)
	return r, err == nil
}

func (g *GraphHopperClient) route(ctx context.Context, from, to models.Coord) (Route, error) {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	q := url.Values{}
	q.Add("point", fmt.Sprintf("%.6f,%.6f", from.Lat, from.Lon))
	q.Add("point", fmt.Sprintf("%.6f,%.6f", to.Lat, to.Lon))
	q.Set("vehicle", "car")
	q.Set("locale", "en")
	q.Set("calc_points", "false")
	q.Set("key", g.Key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.Endpoint+"/route?"+q.Encode(), nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Route{}, fmt.Errorf("graphhopper status %d", resp.StatusCode)
	}

	var out struct {
		Paths []struct {
			Distance *float64 `json:"distance"`
			Time     *float64 `json:"time"`
		} `json:"paths"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, fmt.Errorf("decode graphhopper response: %w", err)
	}
	if len(out.Paths) == 0 {
		return Route{}, errNoRoute
	}
	p := out.Paths[0]
	if p.Distance == nil || p.Time == nil {
		return Route{}, errors.New("graphhopper path missing distance or time")
	}
	// distance is meters, time is milliseconds
	return Route{DistanceKm: round2(*p.Distance / 1000), ETAMin: roundMinutes(*p.Time / 60000)}, nil
}
