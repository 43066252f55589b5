// Package lifecycle moves operators and dispatches back to the available pool.
package lifecycle

import (
	"context"
	"log/slog"

	"github.com/example/ambulance-dispatch/internal/apperrors"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
)

type Store interface {
	CompleteDispatch(ctx context.Context, dispatchID, operatorID int64, loc *models.Coord) (*models.Completion, error)
	SetOperatorAvailable(ctx context.Context, operatorID int64) error
}

type Service struct {
	Store  Store
	Logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: store, Logger: logger}
}

// GoAvailable marks the operator and its vehicle available. Calling it again is a no-op.
func (s *Service) GoAvailable(ctx context.Context, operatorID int64) error {
	if err := s.Store.SetOperatorAvailable(ctx, operatorID); err != nil {
		s.Logger.Warn("go available rejected", "operator_id", operatorID, "reason", apperrors.Reason(err), "error", err)
		return err
	}
	s.Logger.Info("operator available", "operator_id", operatorID)
	return nil
}

// Complete closes a dispatch owned by the operator. loc, when set, becomes
// the vehicle's new position.
func (s *Service) Complete(ctx context.Context, dispatchID, operatorID int64, loc *models.Coord) (*models.Completion, error) {
	c, err := s.Store.CompleteDispatch(ctx, dispatchID, operatorID, loc)
	if err != nil {
		observability.CompletionsTotal.WithLabelValues(apperrors.Reason(err)).Inc()
		s.Logger.Warn("completion rejected", "dispatch_id", dispatchID, "operator_id", operatorID, "reason", apperrors.Reason(err), "error", err)
		return nil, err
	}
	observability.CompletionsTotal.WithLabelValues("completed").Inc()
	s.Logger.Info("dispatch completed", "dispatch_id", c.DispatchID, "request_id", c.RequestID, "vehicle_id", c.VehicleID)
	return c, nil
}
