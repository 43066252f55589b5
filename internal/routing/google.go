package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"googlemaps.github.io/maps"

	"github.com/example/ambulance-dispatch/internal/models"
)

// GoogleOracle uses the Google Maps Directions API in driving mode.
type GoogleOracle struct {
	client  *maps.Client
	timeout time.Duration
	logger  *slog.Logger
}

func NewGoogleOracle(apiKey string, timeout time.Duration, logger *slog.Logger, opts ...maps.ClientOption) (*GoogleOracle, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleOracle{client: client, timeout: timeout, logger: loggerOrDefault(logger)}, nil
}

func (g *GoogleOracle) Route(ctx context.Context, from, to models.Coord) (Route, bool) {
	start := time.Now()
	r, err := g.route(ctx, from, to)
	observe(g.logger, ProviderGoogle, start, err)
	return r, err == nil
}

func (g *GoogleOracle) route(ctx context.Context, from, to models.Coord) (Route, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	routes, _, err := g.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%.6f,%.6f", from.Lat, from.Lon),
		Destination: fmt.Sprintf("%.6f,%.6f", to.Lat, to.Lon),
		Mode:        maps.TravelModeDriving,
	})
	if err != nil {
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, errors.New("no route found")
	}
	leg := routes[0].Legs[0]
	return Route{
		DistanceKm: round2(float64(leg.Distance.Meters) / 1000),
		ETAMin:     roundMinutes(leg.Duration.Minutes()),
	}, nil
}
