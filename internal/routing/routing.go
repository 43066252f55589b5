// Package routing estimates road distance and travel time between two points.
//
// Oracle implementations never return errors: a failed, slow or empty lookup
// yields ok=false and the caller falls back to a geometric estimate.
package routing

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

const (
	ProviderGraphHopper = "graphhopper"
	ProviderOSRM        = "osrm"
	ProviderGoogle      = "google"
	ProviderNone        = "none"
)

const DefaultTimeout = 3 * time.Second

type Route struct {
	DistanceKm float64 `json:"distance_km"`
	ETAMin     int     `json:"eta_min"`
}

// Oracle is the road-distance lookup used by the matcher.
type Oracle interface {
	Route(ctx context.Context, from, to models.Coord) (Route, bool)
}

// Estimate derives a route from a straight-line distance at a flat average speed.
func Estimate(distanceKm, speedKmh float64) Route {
	return Route{DistanceKm: distanceKm, ETAMin: roundMinutes(distanceKm / speedKmh * 60)}
}

// Unavailable never finds a route.
type Unavailable struct{}

func (Unavailable) Route(context.Context, models.Coord, models.Coord) (Route, bool) {
	return Route{}, false
}

// roundMinutes rounds half to even.
func roundMinutes(v float64) int {
	return int(math.RoundToEven(v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// observe records the outcome of one lookup and logs degraded calls.
func observe(logger *slog.Logger, provider string, start time.Time, err error) {
	observability.RoutingLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.RoutingRequestsTotal.WithLabelValues(provider, "no_result").Inc()
		logger.Warn("routing lookup degraded", "provider", provider, "error", err)
		return
	}
	observability.RoutingRequestsTotal.WithLabelValues(provider, "ok").Inc()
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
