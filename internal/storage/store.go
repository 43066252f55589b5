package storage

import (
	"context"
	"fmt"
	"math"

	"github.com/example/ambulance-dispatch/internal/apperrors"
	"github.com/example/ambulance-dispatch/internal/models"
)

// FleetStore persists requests, vehicles, operators and dispatch records.
// Every mutating method is atomic: it either applies all of its changes or none.
type FleetStore interface {
	CreateRequest(ctx context.Context, in models.NewRequest) (int64, error)
	GetRequest(ctx context.Context, id int64) (*models.Request, error)

	// ListAvailableUnits returns pairs where both vehicle and operator are available.
	ListAvailableUnits(ctx context.Context) ([]models.Unit, error)

	// CommitAssignment re-checks availability inside the transaction and fails
	// with apperrors.ErrUnavailable if the vehicle or operator was claimed meanwhile.
	CommitAssignment(ctx context.Context, a models.AssignmentParams) (int64, error)

	// CompleteDispatch closes an active dispatch owned by the operator's vehicle
	// and returns both units to the pool. loc, when set, becomes the vehicle location.
	CompleteDispatch(ctx context.Context, dispatchID, operatorID int64, loc *models.Coord) (*models.Completion, error)

	SetOperatorAvailable(ctx context.Context, operatorID int64) error

	// ActiveAssignment returns nil without error when the operator has no active dispatch.
	ActiveAssignment(ctx context.Context, operatorID int64) (*models.ActiveAssignment, error)
	OperatorStatus(ctx context.Context, operatorID int64) (*models.OperatorStatus, error)
	ListFleet(ctx context.Context) ([]models.Unit, error)
	ListRequests(ctx context.Context) ([]models.RequestView, error)
	ListActiveDispatches(ctx context.Context) ([]models.ActiveAssignment, error)
}

func validateCoord(c models.Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("coordinates (%v, %v): %w", c.Lat, c.Lon, apperrors.ErrInvalidInput)
	}
	return nil
}
