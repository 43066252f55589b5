package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/apperrors"
	"github.com/example/ambulance-dispatch/internal/models"
)

// MemoryStore is a FleetStore guarded by a single mutex. Each method runs
// entirely under the lock, which makes it atomic.
type MemoryStore struct {
	mu         sync.Mutex
	requests   map[int64]*models.Request
	vehicles   map[int64]*models.Vehicle
	operators  map[int64]*models.Operator
	dispatches map[int64]*models.DispatchRecord
	lastReqID  int64
	lastDispID int64
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:   make(map[int64]*models.Request),
		vehicles:   make(map[int64]*models.Vehicle),
		operators:  make(map[int64]*models.Operator),
		dispatches: make(map[int64]*models.DispatchRecord),
		now:        time.Now,
	}
}

// AddUnit registers a vehicle and its operator. The operator is bound to the vehicle.
func (m *MemoryStore) AddUnit(v models.Vehicle, o models.Operator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.Status == "" {
		v.Status = models.StatusAvailable
	}
	o.VehicleID = v.ID
	o.Status = v.Status
	m.vehicles[v.ID] = &v
	m.operators[o.ID] = &o
}

// Vehicle returns a copy of the stored vehicle.
func (m *MemoryStore) Vehicle(id int64) (models.Vehicle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return models.Vehicle{}, false
	}
	return *v, true
}

// Operator returns a copy of the stored operator.
func (m *MemoryStore) Operator(id int64) (models.Operator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.operators[id]
	if !ok {
		return models.Operator{}, false
	}
	return *o, true
}

// Dispatches returns copies of all dispatch records ordered by id.
func (m *MemoryStore) Dispatches() []models.DispatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DispatchRecord, 0, len(m.dispatches))
	for _, d := range m.dispatches {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) CreateRequest(_ context.Context, in models.NewRequest) (int64, error) {
	if err := validateCoord(in.Loc); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReqID++
	m.requests[m.lastReqID] = &models.Request{
		ID:          m.lastReqID,
		PatientName: in.PatientName,
		Loc:         in.Loc,
		Category:    in.Category,
		Contact:     in.Contact,
		Notes:       in.Notes,
		SourceIP:    in.SourceIP,
		Status:      models.RequestPending,
		CreatedAt:   m.now(),
	}
	return m.lastReqID, nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id int64) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %d: %w", id, apperrors.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListAvailableUnits(_ context.Context) ([]models.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Unit
	for _, u := range m.unitsLocked() {
		if u.Vehicle.Status == models.StatusAvailable && u.Operator.Status == models.StatusAvailable {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *MemoryStore) CommitAssignment(_ context.Context, a models.AssignmentParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[a.RequestID]
	if !ok {
		return 0, fmt.Errorf("request %d: %w", a.RequestID, apperrors.ErrNotFound)
	}
	if r.Status != models.RequestPending {
		return 0, fmt.Errorf("request %d is %s: %w", a.RequestID, r.Status, apperrors.ErrRequestNotPending)
	}
	v, ok := m.vehicles[a.VehicleID]
	if !ok {
		return 0, fmt.Errorf("vehicle %d: %w", a.VehicleID, apperrors.ErrNotFound)
	}
	o, ok := m.operators[a.OperatorID]
	if !ok {
		return 0, fmt.Errorf("operator %d: %w", a.OperatorID, apperrors.ErrNotFound)
	}
	if v.Status != models.StatusAvailable || o.Status != models.StatusAvailable || o.VehicleID != v.ID || m.activeDispatchLocked(v.ID) != nil {
		return 0, fmt.Errorf("vehicle %d: %w", a.VehicleID, apperrors.ErrUnavailable)
	}

	v.Status = models.StatusBusy
	o.Status = models.StatusBusy
	r.Status = models.RequestAssigned
	m.lastDispID++
	m.dispatches[m.lastDispID] = &models.DispatchRecord{
		ID:           m.lastDispID,
		RequestID:    a.RequestID,
		VehicleID:    a.VehicleID,
		DistanceKm:   a.DistanceKm,
		ETAMin:       a.ETAMin,
		DispatchedAt: m.now(),
	}
	return m.lastDispID, nil
}

func (m *MemoryStore) CompleteDispatch(_ context.Context, dispatchID, operatorID int64, loc *models.Coord) (*models.Completion, error) {
	if loc != nil {
		if err := validateCoord(*loc); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.dispatches[dispatchID]
	if !ok {
		return nil, fmt.Errorf("dispatch %d: %w", dispatchID, apperrors.ErrNotFound)
	}
	o, ok := m.operators[operatorID]
	if !ok {
		return nil, fmt.Errorf("operator %d: %w", operatorID, apperrors.ErrNotFound)
	}
	if o.VehicleID != d.VehicleID {
		return nil, fmt.Errorf("dispatch %d, operator %d: %w", dispatchID, operatorID, apperrors.ErrNotOwner)
	}
	if !d.Active() {
		return nil, fmt.Errorf("dispatch %d: %w", dispatchID, apperrors.ErrAlreadyCompleted)
	}
	v := m.vehicles[d.VehicleID]
	r := m.requests[d.RequestID]
	if v == nil || r == nil {
		return nil, fmt.Errorf("dispatch %d references missing rows", dispatchID)
	}

	now := m.now()
	d.CompletedAt = &now
	v.Status = models.StatusAvailable
	if loc != nil {
		v.Loc = *loc
	}
	o.Status = models.StatusAvailable
	r.Status = models.RequestCompleted

	return &models.Completion{
		DispatchID:  d.ID,
		RequestID:   d.RequestID,
		VehicleID:   v.ID,
		OperatorID:  o.ID,
		VehicleLoc:  v.Loc,
		CompletedAt: now,
	}, nil
}

func (m *MemoryStore) SetOperatorAvailable(_ context.Context, operatorID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.operators[operatorID]
	if !ok {
		return fmt.Errorf("operator %d: %w", operatorID, apperrors.ErrNotFound)
	}
	v, ok := m.vehicles[o.VehicleID]
	if !ok {
		return fmt.Errorf("vehicle %d: %w", o.VehicleID, apperrors.ErrNotFound)
	}
	if m.activeDispatchLocked(v.ID) != nil {
		return fmt.Errorf("vehicle %d: %w", v.ID, apperrors.ErrActiveDispatch)
	}
	o.Status = models.StatusAvailable
	v.Status = models.StatusAvailable
	return nil
}

func (m *MemoryStore) ActiveAssignment(_ context.Context, operatorID int64) (*models.ActiveAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.operators[operatorID]
	if !ok {
		return nil, fmt.Errorf("operator %d: %w", operatorID, apperrors.ErrNotFound)
	}
	d := m.activeDispatchLocked(o.VehicleID)
	if d == nil {
		return nil, nil
	}
	a := m.assignmentLocked(d, o)
	return &a, nil
}

func (m *MemoryStore) OperatorStatus(_ context.Context, operatorID int64) (*models.OperatorStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.operators[operatorID]
	if !ok {
		return nil, fmt.Errorf("operator %d: %w", operatorID, apperrors.ErrNotFound)
	}
	st := &models.OperatorStatus{OperatorID: o.ID, Name: o.Name, Status: o.Status}
	if v, ok := m.vehicles[o.VehicleID]; ok {
		st.Plate = v.Plate
	}
	return st, nil
}

func (m *MemoryStore) ListFleet(_ context.Context) ([]models.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unitsLocked(), nil
}

func (m *MemoryStore) ListRequests(_ context.Context) ([]models.RequestView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RequestView, 0, len(m.requests))
	for _, r := range m.requests {
		view := models.RequestView{Request: *r}
		for _, d := range m.dispatches {
			if d.RequestID != r.ID {
				continue
			}
			dist, eta := d.DistanceKm, d.ETAMin
			view.DistanceKm, view.ETAMin = &dist, &eta
			if v, ok := m.vehicles[d.VehicleID]; ok {
				view.Plate = v.Plate
			}
			if o := m.operatorForVehicleLocked(d.VehicleID); o != nil {
				view.OperatorName = o.Name
			}
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListActiveDispatches(_ context.Context) ([]models.ActiveAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ActiveAssignment
	for _, d := range m.dispatches {
		if !d.Active() {
			continue
		}
		o := m.operatorForVehicleLocked(d.VehicleID)
		if o == nil {
			continue
		}
		out = append(out, m.assignmentLocked(d, o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID > out[j].RequestID })
	return out, nil
}

func (m *MemoryStore) unitsLocked() []models.Unit {
	out := make([]models.Unit, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		o := m.operatorForVehicleLocked(v.ID)
		if o == nil {
			continue
		}
		out = append(out, models.Unit{Vehicle: *v, Operator: *o})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Vehicle.ID < out[j].Vehicle.ID })
	return out
}

func (m *MemoryStore) operatorForVehicleLocked(vehicleID int64) *models.Operator {
	for _, o := range m.operators {
		if o.VehicleID == vehicleID {
			return o
		}
	}
	return nil
}

func (m *MemoryStore) activeDispatchLocked(vehicleID int64) *models.DispatchRecord {
	for _, d := range m.dispatches {
		if d.VehicleID == vehicleID && d.Active() {
			return d
		}
	}
	return nil
}

func (m *MemoryStore) assignmentLocked(d *models.DispatchRecord, o *models.Operator) models.ActiveAssignment {
	a := models.ActiveAssignment{
		DispatchID:   d.ID,
		RequestID:    d.RequestID,
		DistanceKm:   d.DistanceKm,
		ETAMin:       d.ETAMin,
		OperatorName: o.Name,
		DispatchedAt: d.DispatchedAt,
	}
	if r, ok := m.requests[d.RequestID]; ok {
		a.PatientName = r.PatientName
		a.Contact = r.Contact
		a.Category = r.Category
		a.Loc = r.Loc
		a.Notes = r.Notes
	}
	if v, ok := m.vehicles[d.VehicleID]; ok {
		a.Plate = v.Plate
	}
	return a
}
