// Package board keeps a Redis GEO view of the fleet for dashboards.
// It is fed from lifecycle events; dispatch decisions never read it.
package board

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/models"
)

const DefaultKey = "fleet_board"

// Backend is the subset of Redis commands the board needs.
type Backend interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]any) error
	GeoRadius(ctx context.Context, key string, lon, lat float64, q *redis.GeoRadiusQuery) ([]redis.GeoLocation, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

type redisBackend struct{ c redis.Cmdable }

func NewRedisBackend(c redis.Cmdable) Backend { return &redisBackend{c: c} }

func (r *redisBackend) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisBackend) HSet(ctx context.Context, key string, values map[string]any) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisBackend) GeoRadius(ctx context.Context, key string, lon, lat float64, q *redis.GeoRadiusQuery) ([]redis.GeoLocation, error) {
	return r.c.GeoRadius(ctx, key, lon, lat, q).Result()
}

func (r *redisBackend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.c.HGetAll(ctx, key).Result()
}

// Entry is one vehicle as the board last saw it.
type Entry struct {
	VehicleID  int64             `json:"vehicle_id"`
	Plate      string            `json:"plate,omitempty"`
	Status     models.UnitStatus `json:"status,omitempty"`
	Loc        models.Coord      `json:"location"`
	DistanceKm float64           `json:"distance_km"`
	UpdatedAt  string            `json:"updated_at,omitempty"`
}

type Board struct {
	backend Backend
	key     string
	now     func() time.Time
}

func New(backend Backend, key string) *Board {
	if key == "" {
		key = DefaultKey
	}
	return &Board{backend: backend, key: key, now: time.Now}
}

// Seed writes the current fleet so the board is complete before any event arrives.
func (b *Board) Seed(ctx context.Context, units []models.Unit) error {
	for _, u := range units {
		if err := b.put(ctx, u.Vehicle.ID, u.Vehicle.Loc, map[string]any{
			"plate":  u.Vehicle.Plate,
			"status": string(u.Vehicle.Status),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Apply projects one lifecycle event.
func (b *Board) Apply(ctx context.Context, e events.Event) error {
	meta := map[string]any{"status": string(e.VehicleStatus)}
	if e.Plate != "" {
		meta["plate"] = e.Plate
	}
	return b.put(ctx, e.VehicleID, e.VehicleLoc, meta)
}

// ApplyWithRetry retries Apply with doubling delay. It gives up early when ctx ends.
func (b *Board) ApplyWithRetry(ctx context.Context, e events.Event, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = b.Apply(ctx, e); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Nearby lists vehicles within radiusKm of loc, nearest first.
func (b *Board) Nearby(ctx context.Context, loc models.Coord, radiusKm float64, limit int) ([]Entry, error) {
	res, err := b.backend.GeoRadius(ctx, b.key, loc.Lon, loc.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	})
	if err != nil {
		return nil, fmt.Errorf("board nearby: %w", err)
	}
	out := make([]Entry, 0, len(res))
	for _, g := range res {
		id, err := strconv.ParseInt(g.Name, 10, 64)
		if err != nil {
			continue
		}
		e := Entry{VehicleID: id, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}, DistanceKm: g.Dist}
		if m, err := b.backend.HGetAll(ctx, metaKey(g.Name)); err == nil {
			e.Plate = m["plate"]
			e.Status = models.UnitStatus(m["status"])
			e.UpdatedAt = m["updated"]
		}
		out = append(out, e)
	}
	return out, nil
}

func (b *Board) put(ctx context.Context, vehicleID int64, loc models.Coord, meta map[string]any) error {
	name := strconv.FormatInt(vehicleID, 10)
	if err := b.backend.GeoAdd(ctx, b.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: name}); err != nil {
		return fmt.Errorf("geoadd vehicle %d: %w", vehicleID, err)
	}
	meta["updated"] = b.now().UTC().Format(time.RFC3339)
	if err := b.backend.HSet(ctx, metaKey(name), meta); err != nil {
		return fmt.Errorf("hset vehicle %d: %w", vehicleID, err)
	}
	return nil
}

func metaKey(id string) string { return "vehicle:meta:" + id }
