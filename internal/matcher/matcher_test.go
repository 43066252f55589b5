package matcher

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/apperrors"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/routing"
	"github.com/example/ambulance-dispatch/internal/storage"
)

type mockOracle struct{ mock.Mock }

func (m *mockOracle) Route(ctx context.Context, from, to models.Coord) (routing.Route, bool) {
	args := m.Called(ctx, from, to)
	return args.Get(0).(routing.Route), args.Bool(1)
}

var patient = models.Coord{Lat: 12.90, Lon: 77.60}

// north returns the point km kilometers due north of patient.
func north(km float64) models.Coord {
	return models.Coord{Lat: patient.Lat + km/(6371.0*math.Pi/180), Lon: patient.Lon}
}

type fleet struct {
	store *storage.MemoryStore
	locs  map[int64]models.Coord
}

func newFleet(kms ...float64) *fleet {
	f := &fleet{store: storage.NewMemoryStore(), locs: map[int64]models.Coord{}}
	for i, km := range kms {
		id := int64(i + 1)
		loc := north(km)
		f.locs[id] = loc
		f.store.AddUnit(
			models.Vehicle{ID: id, Plate: "KA-01-000" + string(rune('0'+id)), Loc: loc},
			models.Operator{ID: 100 + id, Name: "Operator " + string(rune('A'+i))},
		)
	}
	return f
}

func (f *fleet) request(t *testing.T) int64 {
	t.Helper()
	id, err := f.store.CreateRequest(context.Background(), models.NewRequest{PatientName: "Asha", Loc: patient, Category: "cardiac"})
	require.NoError(t, err)
	return id
}

func TestDispatchPrefersFastestRoute(t *testing.T) {
	f := newFleet(1, 2, 10)
	o := &mockOracle{}
	o.On("Route", mock.Anything, f.locs[1], patient).Return(routing.Route{DistanceKm: 1.4, ETAMin: 8}, true)
	o.On("Route", mock.Anything, f.locs[2], patient).Return(routing.Route{DistanceKm: 2.6, ETAMin: 3}, true)
	o.On("Route", mock.Anything, f.locs[3], patient).Return(routing.Route{DistanceKm: 12.1, ETAMin: 25}, true)

	s := &Service{Store: f.store, Oracle: o}
	reqID := f.request(t)
	a, err := s.Dispatch(context.Background(), reqID)
	require.NoError(t, err)

	assert.Equal(t, int64(2), a.VehicleID)
	assert.Equal(t, int64(102), a.OperatorID)
	assert.Equal(t, 3, a.ETAMin)
	assert.Equal(t, 2.6, a.DistanceKm)
	assert.Equal(t, "Operator B", a.OperatorName)
	assert.False(t, a.Estimated)
	o.AssertNumberOfCalls(t, "Route", 3)

	v, _ := f.store.Vehicle(2)
	assert.Equal(t, models.StatusBusy, v.Status)
	r, err := f.store.GetRequest(context.Background(), reqID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestAssigned, r.Status)
	records := f.store.Dispatches()
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].ETAMin)
}

func TestDispatchFallsBackWhenOracleUnreachable(t *testing.T) {
	f := newFleet(1, 2, 10)
	o := &mockOracle{}
	o.On("Route", mock.Anything, mock.Anything, mock.Anything).Return(routing.Route{}, false)

	s := &Service{Store: f.store, Oracle: o}
	a, err := s.Dispatch(context.Background(), f.request(t))
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.VehicleID)
	assert.Equal(t, 1.0, a.DistanceKm)
	assert.Equal(t, 1, a.ETAMin)
	assert.True(t, a.Estimated)
	o.AssertNumberOfCalls(t, "Route", 3)
}

// gatedOracle holds every call until release is closed and reports no route
// once its context is done.
type gatedOracle struct {
	etas    map[models.Coord]int
	started chan struct{}
	release chan struct{}
}

func (g *gatedOracle) Route(ctx context.Context, from, _ models.Coord) (routing.Route, bool) {
	g.started <- struct{}{}
	<-g.release
	if ctx.Err() != nil {
		return routing.Route{}, false
	}
	return routing.Route{DistanceKm: 1, ETAMin: g.etas[from]}, true
}

func TestDispatchIgnoresCallerCancellation(t *testing.T) {
	f := newFleet(1, 2, 10)
	o := &gatedOracle{
		etas:    map[models.Coord]int{f.locs[1]: 8, f.locs[2]: 3, f.locs[3]: 25},
		started: make(chan struct{}, 3),
		release: make(chan struct{}),
	}
	s := &Service{Store: f.store, Oracle: o}
	reqID := f.request(t)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		a   *models.Assignment
		err error
	}
	done := make(chan result, 1)
	go func() {
		a, err := s.Dispatch(ctx, reqID)
		done <- result{a, err}
	}()

	for i := 0; i < 3; i++ {
		<-o.started
	}
	cancel()
	close(o.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, int64(2), res.a.VehicleID)
	assert.Equal(t, 3, res.a.ETAMin)
	assert.False(t, res.a.Estimated)

	r, err := f.store.GetRequest(context.Background(), reqID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestAssigned, r.Status)
}

func TestDispatchWithoutOracleUsesFallbackSpeed(t *testing.T) {
	f := newFleet(10)
	s := &Service{Store: f.store, FallbackSpeedKmh: 30}
	a, err := s.Dispatch(context.Background(), f.request(t))
	require.NoError(t, err)
	assert.Equal(t, 20, a.ETAMin)
}

func TestDispatchRespectsFanOut(t *testing.T) {
	tests := []struct {
		name    string
		fanOut  int
		calls   int
		vehicle int64
	}{
		{"default fan-out skips the fourth unit", 0, 3, 1},
		{"wider fan-out reaches the fourth unit", 4, 4, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFleet(1, 2, 3, 4, 5)
			o := &mockOracle{}
			o.On("Route", mock.Anything, f.locs[4], patient).Return(routing.Route{DistanceKm: 4.2, ETAMin: 2}, true).Maybe()
			o.On("Route", mock.Anything, mock.Anything, patient).Return(routing.Route{DistanceKm: 9, ETAMin: 9}, true)

			s := &Service{Store: f.store, Oracle: o, FanOut: tt.fanOut}
			a, err := s.Dispatch(context.Background(), f.request(t))
			require.NoError(t, err)
			assert.Equal(t, tt.vehicle, a.VehicleID)
			o.AssertNumberOfCalls(t, "Route", tt.calls)
		})
	}
}

func TestDispatchTieGoesToNearest(t *testing.T) {
	f := newFleet(3, 1, 2)
	o := &mockOracle{}
	o.On("Route", mock.Anything, mock.Anything, patient).Return(routing.Route{DistanceKm: 5, ETAMin: 7}, true)

	s := &Service{Store: f.store, Oracle: o}
	a, err := s.Dispatch(context.Background(), f.request(t))
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.VehicleID)
}

func TestDispatchNoCapacity(t *testing.T) {
	f := newFleet()
	s := &Service{Store: f.store, Oracle: &mockOracle{}}
	reqID := f.request(t)

	_, err := s.Dispatch(context.Background(), reqID)
	require.ErrorIs(t, err, apperrors.ErrNoCapacity)

	r, err := f.store.GetRequest(context.Background(), reqID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Empty(t, f.store.Dispatches())
}

func TestDispatchRequestErrors(t *testing.T) {
	f := newFleet(1)
	s := &Service{Store: f.store}

	_, err := s.Dispatch(context.Background(), 42)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	reqID := f.request(t)
	_, err = s.Dispatch(context.Background(), reqID)
	require.NoError(t, err)
	_, err = s.Dispatch(context.Background(), reqID)
	require.ErrorIs(t, err, apperrors.ErrRequestNotPending)
	assert.Len(t, f.store.Dispatches(), 1)
}

type failingCommit struct {
	*storage.MemoryStore
	err error
}

func (f failingCommit) CommitAssignment(context.Context, models.AssignmentParams) (int64, error) {
	return 0, f.err
}

func TestDispatchCommitFailure(t *testing.T) {
	f := newFleet(1)
	cause := errors.New("connection reset")
	s := &Service{Store: failingCommit{MemoryStore: f.store, err: cause}}

	_, err := s.Dispatch(context.Background(), f.request(t))
	require.ErrorIs(t, err, apperrors.ErrDispatchFailed)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, "dispatch_failed", apperrors.Reason(err))
}

func TestConcurrentDispatchSingleVehicle(t *testing.T) {
	f := newFleet(1)
	s := &Service{Store: f.store}
	reqs := []int64{f.request(t), f.request(t)}

	var wg sync.WaitGroup
	errs := make([]error, len(reqs))
	for i, id := range reqs {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, errs[i] = s.Dispatch(context.Background(), id)
		}(i, id)
	}
	wg.Wait()

	success := 0
	for _, err := range errs {
		if err == nil {
			success++
			continue
		}
		assert.True(t, errors.Is(err, apperrors.ErrNoCapacity) || errors.Is(err, apperrors.ErrDispatchFailed), err)
	}
	assert.Equal(t, 1, success)
	assert.Len(t, f.store.Dispatches(), 1)
}
