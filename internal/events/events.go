// Package events carries dispatch lifecycle changes to other processes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ambulance-dispatch/internal/models"
)

type Type string

const (
	DispatchAssigned  Type = "dispatch.assigned"
	DispatchCompleted Type = "dispatch.completed"
)

// Event is the wire form of a lifecycle transition. VehicleLoc and
// VehicleStatus describe the vehicle right after the transition.
type Event struct {
	ID            string            `json:"event_id"`
	Type          Type              `json:"type"`
	DispatchID    int64             `json:"dispatch_id"`
	RequestID     int64             `json:"request_id"`
	VehicleID     int64             `json:"vehicle_id"`
	OperatorID    int64             `json:"operator_id"`
	Plate         string            `json:"plate,omitempty"`
	VehicleLoc    models.Coord      `json:"vehicle_location"`
	VehicleStatus models.UnitStatus `json:"vehicle_status"`
	ETAMin        int               `json:"eta_min,omitempty"`
	At            time.Time         `json:"at"`
}

func Assigned(a *models.Assignment) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          DispatchAssigned,
		DispatchID:    a.DispatchID,
		RequestID:     a.RequestID,
		VehicleID:     a.VehicleID,
		OperatorID:    a.OperatorID,
		Plate:         a.Plate,
		VehicleLoc:    a.VehicleLoc,
		VehicleStatus: models.StatusBusy,
		ETAMin:        a.ETAMin,
		At:            time.Now().UTC(),
	}
}

func Completed(c *models.Completion) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          DispatchCompleted,
		DispatchID:    c.DispatchID,
		RequestID:     c.RequestID,
		VehicleID:     c.VehicleID,
		OperatorID:    c.OperatorID,
		VehicleLoc:    c.VehicleLoc,
		VehicleStatus: models.StatusAvailable,
		At:            c.CompletedAt.UTC(),
	}
}

// Decode parses a message value and rejects unknown event types.
func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch e.Type {
	case DispatchAssigned, DispatchCompleted:
	default:
		return Event{}, fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.VehicleID == 0 {
		return Event{}, fmt.Errorf("event %s has no vehicle", e.ID)
	}
	return e, nil
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
