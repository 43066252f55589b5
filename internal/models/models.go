package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RequestStatus moves pending -> assigned -> completed and never backwards.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAssigned  RequestStatus = "assigned"
	RequestCompleted RequestStatus = "completed"
)

// UnitStatus is shared by vehicles and operators; an operator always mirrors its vehicle.
type UnitStatus string

const (
	StatusAvailable UnitStatus = "available"
	StatusBusy      UnitStatus = "busy"
)

type Request struct {
	ID          int64         `json:"request_id"`
	PatientName string        `json:"patient_name"`
	Loc         Coord         `json:"location"`
	Category    string        `json:"category"`
	Contact     string        `json:"contact"`
	Notes       string        `json:"notes"`
	SourceIP    string        `json:"source_ip,omitempty"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// NewRequest carries the caller-supplied fields of a request.
type NewRequest struct {
	PatientName string
	Loc         Coord
	Category    string
	Contact     string
	Notes       string
	SourceIP    string
}

type Vehicle struct {
	ID     int64      `json:"vehicle_id"`
	Plate  string     `json:"plate"`
	Loc    Coord      `json:"location"`
	Status UnitStatus `json:"status"`
}

type Operator struct {
	ID           int64      `json:"operator_id"`
	Name         string     `json:"name"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	Contact      string     `json:"contact,omitempty"`
	VehicleID    int64      `json:"vehicle_id"`
	Status       UnitStatus `json:"status"`
}

// Unit pairs a vehicle with the operator controlling it.
type Unit struct {
	Vehicle  Vehicle  `json:"vehicle"`
	Operator Operator `json:"operator"`
}

type DispatchRecord struct {
	ID           int64      `json:"dispatch_id"`
	RequestID    int64      `json:"request_id"`
	VehicleID    int64      `json:"vehicle_id"`
	DistanceKm   float64    `json:"distance_km"`
	ETAMin       int        `json:"eta_min"`
	DispatchedAt time.Time  `json:"dispatched_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Active reports whether the record still holds its vehicle.
func (d DispatchRecord) Active() bool { return d.CompletedAt == nil }

// AssignmentParams is the input of the atomic assignment commit.
type AssignmentParams struct {
	RequestID  int64
	VehicleID  int64
	OperatorID int64
	DistanceKm float64
	ETAMin     int
}

// Assignment is the outcome of a successful dispatch.
type Assignment struct {
	DispatchID   int64   `json:"dispatch_id"`
	RequestID    int64   `json:"request_id"`
	VehicleID    int64   `json:"vehicle_id"`
	OperatorID   int64   `json:"operator_id"`
	Plate        string  `json:"vehicle_plate"`
	OperatorName string  `json:"operator_name"`
	VehicleLoc   Coord   `json:"vehicle_location"`
	DistanceKm   float64 `json:"distance_km"`
	ETAMin       int     `json:"eta_min"`
	Estimated    bool    `json:"estimated"`
}

// Completion describes a dispatch that was just closed.
type Completion struct {
	DispatchID  int64     `json:"dispatch_id"`
	RequestID   int64     `json:"request_id"`
	VehicleID   int64     `json:"vehicle_id"`
	OperatorID  int64     `json:"operator_id"`
	VehicleLoc  Coord     `json:"vehicle_location"`
	CompletedAt time.Time `json:"completed_at"`
}

// ActiveAssignment is what an operator's dashboard shows for the current job.
type ActiveAssignment struct {
	DispatchID   int64     `json:"dispatch_id"`
	RequestID    int64     `json:"request_id"`
	PatientName  string    `json:"patient_name"`
	Contact      string    `json:"contact"`
	Category     string    `json:"category"`
	Loc          Coord     `json:"location"`
	Notes        string    `json:"notes"`
	DistanceKm   float64   `json:"distance_km"`
	ETAMin       int       `json:"eta_min"`
	Plate        string    `json:"plate"`
	OperatorName string    `json:"operator_name"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

type OperatorStatus struct {
	OperatorID int64      `json:"operator_id"`
	Name       string     `json:"name"`
	Status     UnitStatus `json:"status"`
	Plate      string     `json:"plate"`
}

// RequestView is a request joined with its assignment, if any.
type RequestView struct {
	Request
	Plate        string   `json:"plate,omitempty"`
	OperatorName string   `json:"operator_name,omitempty"`
	DistanceKm   *float64 `json:"distance_km,omitempty"`
	ETAMin       *int     `json:"eta_min,omitempty"`
}
