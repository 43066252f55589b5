package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/apperrors"
	"github.com/example/ambulance-dispatch/internal/models"
)

// harness adapts a FleetStore implementation to the shared behaviour tests.
type harness struct {
	store    FleetStore
	addUnit  func(t *testing.T, plate string, loc models.Coord) models.Unit
	vehicle  func(t *testing.T, id int64) models.Vehicle
	operator func(t *testing.T, id int64) models.Operator
}

var patientLoc = models.Coord{Lat: 12.90, Lon: 77.60}

func runFleetStoreSuite(t *testing.T, newHarness func(t *testing.T) harness) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h harness)
	}{
		{"commit assignment", testCommitAssignment},
		{"commit rejects claimed vehicle", testCommitRejectsClaimedVehicle},
		{"commit rolls back on non-pending request", testCommitRollsBack},
		{"concurrent commits on one vehicle", testConcurrentCommits},
		{"complete dispatch", testCompleteDispatch},
		{"complete keeps location when none reported", testCompleteKeepsLocation},
		{"complete rejects foreign and unknown", testCompleteRejects},
		{"set operator available", testSetOperatorAvailable},
		{"request lookups", testRequestLookups},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newHarness(t))
		})
	}
}

func newRequest(t *testing.T, h harness) int64 {
	t.Helper()
	id, err := h.store.CreateRequest(context.Background(), models.NewRequest{
		PatientName: "Asha",
		Loc:         patientLoc,
		Category:    "cardiac",
		Contact:     "+91-98450-00000",
		Notes:       "second floor",
	})
	require.NoError(t, err)
	return id
}

func assign(t *testing.T, h harness, reqID int64, u models.Unit) int64 {
	t.Helper()
	id, err := h.store.CommitAssignment(context.Background(), models.AssignmentParams{
		RequestID: reqID, VehicleID: u.Vehicle.ID, OperatorID: u.Operator.ID, DistanceKm: 1.5, ETAMin: 4,
	})
	require.NoError(t, err)
	return id
}

func testCommitAssignment(t *testing.T, h harness) {
	ctx := context.Background()
	u := h.addUnit(t, "KA-01-1111", models.Coord{Lat: 12.91, Lon: 77.60})
	other := h.addUnit(t, "KA-01-2222", models.Coord{Lat: 12.95, Lon: 77.61})
	reqID := newRequest(t, h)

	units, err := h.store.ListAvailableUnits(ctx)
	require.NoError(t, err)
	assert.Len(t, units, 2)

	dispatchID := assign(t, h, reqID, u)
	assert.NotZero(t, dispatchID)

	assert.Equal(t, models.StatusBusy, h.vehicle(t, u.Vehicle.ID).Status)
	assert.Equal(t, models.StatusBusy, h.operator(t, u.Operator.ID).Status)
	r, err := h.store.GetRequest(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestAssigned, r.Status)

	units, err = h.store.ListAvailableUnits(ctx)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, other.Vehicle.ID, units[0].Vehicle.ID)

	active, err := h.store.ActiveAssignment(ctx, u.Operator.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, dispatchID, active.DispatchID)
	assert.Equal(t, "Asha", active.PatientName)
	assert.Equal(t, "KA-01-1111", active.Plate)
	assert.Equal(t, 4, active.ETAMin)

	none, err := h.store.ActiveAssignment(ctx, other.Operator.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	list, err := h.store.ListActiveDispatches(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, reqID, list[0].RequestID)

	views, err := h.store.ListRequests(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "KA-01-1111", views[0].Plate)
	require.NotNil(t, views[0].ETAMin)
	assert.Equal(t, 4, *views[0].ETAMin)
}

func testCommitRejectsClaimedVehicle(t *testing.T, h harness) {
	ctx := context.Background()
	u := h.addUnit(t, "KA-02-1111", models.Coord{Lat: 12.91, Lon: 77.60})
	first := newRequest(t, h)
	second := newRequest(t, h)
	assign(t, h, first, u)

	_, err := h.store.CommitAssignment(ctx, models.AssignmentParams{
		RequestID: second, VehicleID: u.Vehicle.ID, OperatorID: u.Operator.ID, DistanceKm: 1, ETAMin: 1,
	})
	require.ErrorIs(t, err, apperrors.ErrUnavailable)

	r, err := h.store.GetRequest(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r.Status)
}

func testCommitRollsBack(t *testing.T, h harness) {
	ctx := context.Background()
	u := h.addUnit(t, "KA-03-1111", models.Coord{Lat: 12.91, Lon: 77.60})
	spare := h.addUnit(t, "KA-03-2222", models.Coord{Lat: 12.92, Lon: 77.60})
	reqID := newRequest(t, h)
	assign(t, h, reqID, u)

	// the request is already assigned, so claiming the spare unit must leave it untouched
	_, err := h.store.CommitAssignment(ctx, models.AssignmentParams{
		RequestID: reqID, VehicleID: spare.Vehicle.ID, OperatorID: spare.Operator.ID, DistanceKm: 1, ETAMin: 1,
	})
	require.ErrorIs(t, err, apperrors.ErrRequestNotPending)
	assert.Equal(t, models.StatusAvailable, h.vehicle(t, spare.Vehicle.ID).Status)
	assert.Equal(t, models.StatusAvailable, h.operator(t, spare.Operator.ID).Status)
}

func testConcurrentCommits(t *testing.T, h harness) {
	ctx := context.Background()
	u := h.addUnit(t, "KA-04-1111", models.Coord{Lat: 12.91, Lon: 77.60})

	const attempts = 8
	reqIDs := make([]int64, attempts)
	for i := range reqIDs {
		reqIDs[i] = newRequest(t, h)
	}

	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for _, id := range reqIDs {
		wg.Add(1)
		go func(reqID int64) {
			defer wg.Done()
			_, err := h.store.CommitAssignment(ctx, models.AssignmentParams{
				RequestID: reqID, VehicleID: u.Vehicle.ID, OperatorID: u.Operator.ID, DistanceKm: 1, ETAMin: 1,
			})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		require.ErrorIs(t, err, apperrors.ErrUnavailable)
	}
	assert.Equal(t, 1, success)
}

func testCompleteDispatch(t *testing.T, h harness) {
	ctx := context.Background()
	u := h.addUnit(t, "KA-05-1111", models.Coord{Lat: 12.91, Lon: 77.60})
	reqID := newRequest(t, h)
	dispatchID := assign(t, h, reqID, u)

	newLoc := models.Coord{Lat: 12.93, Lon: 77.65}
	c, err := h.store.CompleteDispatch(ctx, dispatchID, u.Operator.ID, &newLoc)
	require.NoError(t, err)
	assert.Equal(t, reqID, c.RequestID)
	assert.Equal(t, u.Vehicle.ID, c.VehicleID)
	assert.Equal(t, newLoc, c.VehicleLoc)
	assert.False(t, c.CompletedAt.IsZero())

	v := h.vehicle(t, u.Vehicle.ID)
	assert.Equal(t, models.StatusAvailable, v.Status)
	assert.Equal(t, newLoc, v.Loc)
	assert.Equal(t, models.StatusAvailable, h.operator(t, u.Operator.ID).Status)
	r, err := h.store.GetRequest(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCompleted, r.Status)

	_, err = h.store.CompleteDispatch(ctx, dispatchID, u.Operator.ID, nil)
	require.ErrorIs(t, err, apperrors.ErrAlreadyCompleted)
	assert.Equal(t, newLoc, h.vehicle(t, u.Vehicle.ID).Loc)

	active, err := h.store.ActiveAssignment(ctx, u.Operator.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func testCompleteKeepsLocation(t *testing.T, h harness) {
	ctx := context.Background()
	start := models.Coord{Lat: 12.91, Lon: 77.60}
	u := h.addUnit(t, "KA-06-1111", start)
	dispatchID := assign(t, h, newRequest(t, h), u)

	c, err := h.store.CompleteDispatch(ctx, dispatchID, u.Operator.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, start, c.VehicleLoc)
	assert.Equal(t, start, h.vehicle(t, u.Vehicle.ID).Loc)
}

func testCompleteRejects(t *testing.T, h harness) {
	ctx := context.Background()
	owner := h.addUnit(t, "KA-07-1111", models.Coord{Lat: 12.91, Lon: 77.60})
	stranger := h.addUnit(t, "KA-07-2222", models.Coord{Lat: 12.92, Lon: 77.60})
	reqID := newRequest(t, h)
	dispatchID := assign(t, h, reqID, owner)

	moved := models.Coord{Lat: 13.0, Lon: 77.7}
	_, err := h.store.CompleteDispatch(ctx, dispatchID, stranger.Operator.ID, &moved)
	require.ErrorIs(t, err, apperrors.ErrNotOwner)

	_, err = h.store.CompleteDispatch(ctx, dispatchID+1000, owner.Operator.ID, nil)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = h.store.CompleteDispatch(ctx, dispatchID, owner.Operator.ID, &models.Coord{Lat: 123, Lon: 0})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	// nothing moved
	v := h.vehicle(t, owner.Vehicle.ID)
	assert.Equal(t, models.StatusBusy, v.Status)
	assert.Equal(t, models.Coord{Lat: 12.91, Lon: 77.60}, v.Loc)
	assert.Equal(t, models.StatusBusy, h.operator(t, owner.Operator.ID).Status)
	assert.Equal(t, models.StatusAvailable, h.vehicle(t, stranger.Vehicle.ID).Status)
	r, err := h.store.GetRequest(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestAssigned, r.Status)
}

func testSetOperatorAvailable(t *testing.T, h harness) {
	ctx := context.Background()
	u := h.addUnit(t, "KA-08-1111", models.Coord{Lat: 12.91, Lon: 77.60})
	dispatchID := assign(t, h, newRequest(t, h), u)

	err := h.store.SetOperatorAvailable(ctx, u.Operator.ID)
	require.ErrorIs(t, err, apperrors.ErrActiveDispatch)
	assert.Equal(t, models.StatusBusy, h.vehicle(t, u.Vehicle.ID).Status)

	_, err = h.store.CompleteDispatch(ctx, dispatchID, u.Operator.ID, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, h.store.SetOperatorAvailable(ctx, u.Operator.ID))
	}
	assert.Equal(t, models.StatusAvailable, h.vehicle(t, u.Vehicle.ID).Status)
	assert.Equal(t, models.StatusAvailable, h.operator(t, u.Operator.ID).Status)

	st, err := h.store.OperatorStatus(ctx, u.Operator.ID)
	require.NoError(t, err)
	assert.Equal(t, "KA-08-1111", st.Plate)
	assert.Equal(t, models.StatusAvailable, st.Status)

	require.ErrorIs(t, h.store.SetOperatorAvailable(ctx, u.Operator.ID+1000), apperrors.ErrNotFound)
	_, err = h.store.OperatorStatus(ctx, u.Operator.ID+1000)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func testRequestLookups(t *testing.T, h harness) {
	ctx := context.Background()
	id := newRequest(t, h)

	r, err := h.store.GetRequest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Equal(t, patientLoc, r.Loc)
	assert.Equal(t, "cardiac", r.Category)

	_, err = h.store.GetRequest(ctx, id+1000)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = h.store.CreateRequest(ctx, models.NewRequest{Loc: models.Coord{Lat: 91, Lon: 0}})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func plateUsername(plate string) string { return fmt.Sprintf("op-%s", plate) }
