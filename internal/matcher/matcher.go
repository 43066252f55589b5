// Package matcher picks the vehicle that reaches a pending request first.
//
// Candidates are pre-filtered by straight-line distance, refined through the
// road oracle and committed atomically through the store. A failed commit is
// reported, never retried.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ambulance-dispatch/internal/apperrors"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/routing"
)

const (
	DefaultFanOut           = 3
	DefaultFallbackSpeedKmh = 50.0
)

// Store is the slice of the fleet store the matcher needs.
type Store interface {
	GetRequest(ctx context.Context, id int64) (*models.Request, error)
	ListAvailableUnits(ctx context.Context) ([]models.Unit, error)
	CommitAssignment(ctx context.Context, a models.AssignmentParams) (int64, error)
}

type Service struct {
	Store            Store
	Oracle           routing.Oracle
	FanOut           int
	FallbackSpeedKmh float64
	Logger           *slog.Logger
}

type scored struct {
	geo.Candidate
	route     routing.Route
	estimated bool
}

// Dispatch assigns the fastest available unit to the pending request.
// Cancellation of ctx is ignored: once started, a dispatch runs to its
// commit. Oracle calls stay bounded by their own timeout.
func (s *Service) Dispatch(ctx context.Context, requestID int64) (*models.Assignment, error) {
	return s.dispatch(context.WithoutCancel(ctx), requestID)
}

func (s *Service) dispatch(ctx context.Context, requestID int64) (*models.Assignment, error) {
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestPending {
		return nil, fmt.Errorf("request %d is %s: %w", req.ID, req.Status, apperrors.ErrRequestNotPending)
	}

	units, err := s.Store.ListAvailableUnits(ctx)
	if err != nil {
		return nil, fmt.Errorf("list available units: %w", err)
	}
	cands := geo.Nearest(req.Loc, units, s.fanOut())
	if len(cands) == 0 {
		return nil, fmt.Errorf("request %d: %w", req.ID, apperrors.ErrNoCapacity)
	}

	best, ok := pick(s.evaluate(ctx, req.Loc, cands))
	if !ok {
		return nil, fmt.Errorf("request %d: %w", req.ID, apperrors.ErrNoCapacity)
	}

	u := best.Unit
	dispatchID, err := s.Store.CommitAssignment(ctx, models.AssignmentParams{
		RequestID:  req.ID,
		VehicleID:  u.Vehicle.ID,
		OperatorID: u.Operator.ID,
		DistanceKm: best.route.DistanceKm,
		ETAMin:     best.route.ETAMin,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrDispatchFailed, err)
	}

	return &models.Assignment{
		DispatchID:   dispatchID,
		RequestID:    req.ID,
		VehicleID:    u.Vehicle.ID,
		OperatorID:   u.Operator.ID,
		Plate:        u.Vehicle.Plate,
		OperatorName: u.Operator.Name,
		VehicleLoc:   u.Vehicle.Loc,
		DistanceKm:   best.route.DistanceKm,
		ETAMin:       best.route.ETAMin,
		Estimated:    best.estimated,
	}, nil
}

// evaluate queries the oracle for every candidate concurrently. The result
// keeps candidate order.
func (s *Service) evaluate(ctx context.Context, to models.Coord, cands []geo.Candidate) []scored {
	out := make([]scored, len(cands))
	var wg sync.WaitGroup
	for i, c := range cands {
		wg.Add(1)
		go func(i int, c geo.Candidate) {
			defer wg.Done()
			out[i] = scored{Candidate: c}
			if r, ok := s.oracle().Route(ctx, c.Unit.Vehicle.Loc, to); ok {
				out[i].route = r
				return
			}
			out[i].route = routing.Estimate(c.DistanceKm, s.fallbackSpeed())
			out[i].estimated = true
		}(i, c)
	}
	wg.Wait()

	for _, sc := range out {
		s.logger().Debug("candidate evaluated",
			"vehicle_id", sc.Unit.Vehicle.ID,
			"straight_km", sc.DistanceKm,
			"route_km", sc.route.DistanceKm,
			"eta_min", sc.route.ETAMin,
			"estimated", sc.estimated,
		)
	}
	return out
}

// pick returns the candidate with the strictly smallest ETA; the earliest wins a tie.
func pick(list []scored) (scored, bool) {
	var best scored
	found := false
	for _, sc := range list {
		if !found || sc.route.ETAMin < best.route.ETAMin {
			best, found = sc, true
		}
	}
	return best, found
}

func (s *Service) fanOut() int {
	if s.FanOut <= 0 {
		return DefaultFanOut
	}
	return s.FanOut
}

func (s *Service) fallbackSpeed() float64 {
	if s.FallbackSpeedKmh <= 0 {
		return DefaultFallbackSpeedKmh
	}
	return s.FallbackSpeedKmh
}

func (s *Service) oracle() routing.Oracle {
	if s.Oracle == nil {
		return routing.Unavailable{}
	}
	return s.Oracle
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
