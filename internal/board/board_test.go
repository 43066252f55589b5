package board

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/events"
	"github.com/example/ambulance-dispatch/internal/models"
)

// fakeBackend keeps GEO members and hashes in maps. failGeo and failH
// make the first N calls of each command fail.
type fakeBackend struct {
	failGeo  int
	failH    int
	geoCalls int
	hCalls   int
	geo      map[string]redis.GeoLocation
	hashes   map[string]map[string]string
	radius   []redis.GeoLocation
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{geo: map[string]redis.GeoLocation{}, hashes: map[string]map[string]string{}}
}

func (f *fakeBackend) GeoAdd(_ context.Context, _ string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	f.geo[loc.Name] = *loc
	return nil
}

func (f *fakeBackend) HSet(_ context.Context, key string, values map[string]any) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	h := f.hashes[key]
	if h == nil {
		h = map[string]string{}
		f.hashes[key] = h
	}
	for k, v := range values {
		h[k] = v.(string)
	}
	return nil
}

func (f *fakeBackend) GeoRadius(context.Context, string, float64, float64, *redis.GeoRadiusQuery) ([]redis.GeoLocation, error) {
	return f.radius, nil
}

func (f *fakeBackend) HGetAll(_ context.Context, key string) (map[string]string, error) {
	return f.hashes[key], nil
}

func TestApplyProjectsEvent(t *testing.T) {
	f := newFakeBackend()
	b := New(f, "")
	e := events.Event{Type: events.DispatchCompleted, VehicleID: 3, VehicleLoc: models.Coord{Lat: 12.97, Lon: 77.59}, VehicleStatus: models.StatusAvailable}

	require.NoError(t, b.Apply(context.Background(), e))
	assert.Equal(t, 12.97, f.geo["3"].Latitude)
	assert.Equal(t, 77.59, f.geo["3"].Longitude)
	assert.Equal(t, "available", f.hashes["vehicle:meta:3"]["status"])
	assert.NotEmpty(t, f.hashes["vehicle:meta:3"]["updated"])
}

func TestApplyWithRetrySucceedsAfterRetries(t *testing.T) {
	f := newFakeBackend()
	f.failGeo, f.failH = 1, 1
	b := New(f, "board")
	start := time.Now()

	err := b.ApplyWithRetry(context.Background(), events.Event{VehicleID: 1, VehicleStatus: models.StatusBusy}, 3, 10*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, f.geoCalls, 2)
	assert.GreaterOrEqual(t, f.hCalls, 2)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestApplyWithRetryFailsWhenExhausted(t *testing.T) {
	f := newFakeBackend()
	f.failGeo = 5
	b := New(f, "board")
	err := b.ApplyWithRetry(context.Background(), events.Event{VehicleID: 1}, 3, 5*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, f.geoCalls)
}

func TestApplyWithRetryStopsOnCancel(t *testing.T) {
	f := newFakeBackend()
	f.failGeo = 5
	b := New(f, "board")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.ApplyWithRetry(ctx, events.Event{VehicleID: 1}, 3, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.geoCalls)
}

func TestSeedAndNearby(t *testing.T) {
	f := newFakeBackend()
	b := New(f, "board")
	units := []models.Unit{
		{Vehicle: models.Vehicle{ID: 1, Plate: "KA-01-1111", Loc: models.Coord{Lat: 12.91, Lon: 77.60}, Status: models.StatusAvailable}},
		{Vehicle: models.Vehicle{ID: 2, Plate: "KA-01-2222", Loc: models.Coord{Lat: 12.95, Lon: 77.62}, Status: models.StatusBusy}},
	}
	require.NoError(t, b.Seed(context.Background(), units))
	require.Len(t, f.geo, 2)

	f.radius = []redis.GeoLocation{
		{Name: "2", Latitude: 12.95, Longitude: 77.62, Dist: 0.4},
		{Name: "garbage", Latitude: 0, Longitude: 0},
	}
	got, err := b.Nearby(context.Background(), models.Coord{Lat: 12.95, Lon: 77.61}, 5, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].VehicleID)
	assert.Equal(t, "KA-01-2222", got[0].Plate)
	assert.Equal(t, models.StatusBusy, got[0].Status)
	assert.Equal(t, 0.4, got[0].DistanceKm)
}
