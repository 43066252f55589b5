package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/lib/pq"

	"github.com/example/ambulance-dispatch/internal/apperrors"
	"github.com/example/ambulance-dispatch/internal/models"
)

const uniqueViolation = "23505"

// PostgresStore implements FleetStore on PostgreSQL. Writes are hand-written
// SQL inside a transaction; read models are built with goqu.
type PostgresStore struct {
	db      *sql.DB
	builder goqu.DialectWrapper
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, builder: goqu.Dialect("postgres")}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Ping reports whether the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) CreateRequest(ctx context.Context, in models.NewRequest) (int64, error) {
	if err := validateCoord(in.Loc); err != nil {
		return 0, err
	}
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO requests (patient_name, latitude, longitude, category, contact_number, notes, source_ip, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING id`,
		in.PatientName, in.Loc.Lat, in.Loc.Lon, in.Category, in.Contact, in.Notes, in.SourceIP,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert request: %w", err)
	}
	return id, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id int64) (*models.Request, error) {
	var r models.Request
	err := p.db.QueryRowContext(ctx, `
		SELECT id, patient_name, latitude, longitude, category, contact_number, notes, source_ip, status, created_at
		FROM requests
		WHERE id = $1`, id,
	).Scan(&r.ID, &r.PatientName, &r.Loc.Lat, &r.Loc.Lon, &r.Category, &r.Contact, &r.Notes, &r.SourceIP, &r.Status, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %d: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get request %d: %w", id, err)
	}
	return &r, nil
}

func (p *PostgresStore) ListAvailableUnits(ctx context.Context) ([]models.Unit, error) {
	ds := p.unitsQuery().Where(
		goqu.I("v.status").Eq(string(models.StatusAvailable)),
		goqu.I("o.status").Eq(string(models.StatusAvailable)),
	)
	return p.queryUnits(ctx, ds)
}

func (p *PostgresStore) ListFleet(ctx context.Context) ([]models.Unit, error) {
	return p.queryUnits(ctx, p.unitsQuery())
}

func (p *PostgresStore) CommitAssignment(ctx context.Context, a models.AssignmentParams) (int64, error) {
	var dispatchID int64
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		// Lock order is vehicle, operator, request for every writer.
		unavailable := fmt.Errorf("vehicle %d: %w", a.VehicleID, apperrors.ErrUnavailable)
		if err := updateOne(ctx, tx, unavailable,
			`UPDATE vehicles SET status = 'busy' WHERE id = $1 AND status = 'available'`, a.VehicleID); err != nil {
			return err
		}
		if err := updateOne(ctx, tx, unavailable,
			`UPDATE operators SET status = 'busy' WHERE id = $1 AND vehicle_id = $2 AND status = 'available'`, a.OperatorID, a.VehicleID); err != nil {
			return err
		}
		if err := updateOne(ctx, tx, fmt.Errorf("request %d: %w", a.RequestID, apperrors.ErrRequestNotPending),
			`UPDATE requests SET status = 'assigned' WHERE id = $1 AND status = 'pending'`, a.RequestID); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO dispatch_records (request_id, vehicle_id, distance_km, eta_min)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			a.RequestID, a.VehicleID, a.DistanceKm, a.ETAMin,
		).Scan(&dispatchID)
		if isUniqueViolation(err) {
			return unavailable
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return dispatchID, nil
}

func (p *PostgresStore) CompleteDispatch(ctx context.Context, dispatchID, operatorID int64, loc *models.Coord) (*models.Completion, error) {
	var lat, lon *float64
	if loc != nil {
		if err := validateCoord(*loc); err != nil {
			return nil, err
		}
		lat, lon = &loc.Lat, &loc.Lon
	}

	c := &models.Completion{DispatchID: dispatchID, OperatorID: operatorID}
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var completedAt sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT request_id, vehicle_id, completed_at FROM dispatch_records WHERE id = $1 FOR UPDATE`, dispatchID,
		).Scan(&c.RequestID, &c.VehicleID, &completedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dispatch %d: %w", dispatchID, apperrors.ErrNotFound)
		}
		if err != nil {
			return err
		}

		var opVehicle int64
		err = tx.QueryRowContext(ctx, `SELECT vehicle_id FROM operators WHERE id = $1`, operatorID).Scan(&opVehicle)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("operator %d: %w", operatorID, apperrors.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if opVehicle != c.VehicleID {
			return fmt.Errorf("dispatch %d, operator %d: %w", dispatchID, operatorID, apperrors.ErrNotOwner)
		}
		if completedAt.Valid {
			return fmt.Errorf("dispatch %d: %w", dispatchID, apperrors.ErrAlreadyCompleted)
		}

		if err := tx.QueryRowContext(ctx,
			`UPDATE dispatch_records SET completed_at = NOW() WHERE id = $1 RETURNING completed_at`, dispatchID,
		).Scan(&c.CompletedAt); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			UPDATE vehicles
			SET status = 'available',
			    latitude = COALESCE($2, latitude),
			    longitude = COALESCE($3, longitude)
			WHERE id = $1
			RETURNING latitude, longitude`,
			c.VehicleID, lat, lon,
		).Scan(&c.VehicleLoc.Lat, &c.VehicleLoc.Lon); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE operators SET status = 'available' WHERE id = $1`, operatorID); err != nil {
			return err
		}
		return updateOne(ctx, tx, fmt.Errorf("request %d is not assigned", c.RequestID),
			`UPDATE requests SET status = 'completed' WHERE id = $1 AND status = 'assigned'`, c.RequestID)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) SetOperatorAvailable(ctx context.Context, operatorID int64) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var vehicleID int64
		err := tx.QueryRowContext(ctx, `SELECT vehicle_id FROM operators WHERE id = $1`, operatorID).Scan(&vehicleID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("operator %d: %w", operatorID, apperrors.ErrNotFound)
		}
		if err != nil {
			return err
		}
		// Holding the vehicle row serializes against a concurrent assignment.
		if _, err := tx.ExecContext(ctx, `SELECT id FROM vehicles WHERE id = $1 FOR UPDATE`, vehicleID); err != nil {
			return err
		}
		var active bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM dispatch_records WHERE vehicle_id = $1 AND completed_at IS NULL)`, vehicleID,
		).Scan(&active); err != nil {
			return err
		}
		if active {
			return fmt.Errorf("vehicle %d: %w", vehicleID, apperrors.ErrActiveDispatch)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE vehicles SET status = 'available' WHERE id = $1`, vehicleID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE operators SET status = 'available' WHERE id = $1`, operatorID)
		return err
	})
}

func (p *PostgresStore) ActiveAssignment(ctx context.Context, operatorID int64) (*models.ActiveAssignment, error) {
	ds := p.assignmentsQuery().
		Where(goqu.I("o.id").Eq(operatorID), goqu.I("dr.completed_at").IsNull()).
		Order(goqu.I("dr.dispatched_at").Desc()).
		Limit(1)
	out, err := p.queryAssignments(ctx, ds)
	if err != nil {
		return nil, err
	}
	if len(out) == 1 {
		return &out[0], nil
	}
	if _, err := p.OperatorStatus(ctx, operatorID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (p *PostgresStore) ListActiveDispatches(ctx context.Context) ([]models.ActiveAssignment, error) {
	ds := p.assignmentsQuery().
		Where(goqu.I("r.status").Eq(string(models.RequestAssigned)), goqu.I("dr.completed_at").IsNull()).
		Order(goqu.I("r.created_at").Desc())
	return p.queryAssignments(ctx, ds)
}

func (p *PostgresStore) OperatorStatus(ctx context.Context, operatorID int64) (*models.OperatorStatus, error) {
	q, args, err := p.builder.From(goqu.T("operators").As("o")).
		Join(goqu.T("vehicles").As("v"), goqu.On(goqu.I("v.id").Eq(goqu.I("o.vehicle_id")))).
		Select("o.id", "o.name", "o.status", "v.plate_number").
		Where(goqu.I("o.id").Eq(operatorID)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	var st models.OperatorStatus
	err = p.db.QueryRowContext(ctx, q, args...).Scan(&st.OperatorID, &st.Name, &st.Status, &st.Plate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operator %d: %w", operatorID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("operator status %d: %w", operatorID, err)
	}
	return &st, nil
}

func (p *PostgresStore) ListRequests(ctx context.Context) ([]models.RequestView, error) {
	ds := p.builder.From(goqu.T("requests").As("r")).
		LeftJoin(goqu.T("dispatch_records").As("dr"), goqu.On(goqu.I("dr.request_id").Eq(goqu.I("r.id")))).
		LeftJoin(goqu.T("vehicles").As("v"), goqu.On(goqu.I("v.id").Eq(goqu.I("dr.vehicle_id")))).
		LeftJoin(goqu.T("operators").As("o"), goqu.On(goqu.I("o.vehicle_id").Eq(goqu.I("v.id")))).
		Select(
			"r.id", "r.patient_name", "r.latitude", "r.longitude", "r.category",
			"r.contact_number", "r.notes", "r.source_ip", "r.status", "r.created_at",
			"v.plate_number", "o.name", "dr.distance_km", "dr.eta_min",
		).
		Order(goqu.I("r.created_at").Desc(), goqu.I("r.id").Desc())
	rows, err := p.query(ctx, ds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RequestView
	for rows.Next() {
		var v models.RequestView
		var plate, name sql.NullString
		var dist sql.NullFloat64
		var eta sql.NullInt64
		if err := rows.Scan(
			&v.ID, &v.PatientName, &v.Loc.Lat, &v.Loc.Lon, &v.Category,
			&v.Contact, &v.Notes, &v.SourceIP, &v.Status, &v.CreatedAt,
			&plate, &name, &dist, &eta,
		); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		v.Plate, v.OperatorName = plate.String, name.String
		if dist.Valid {
			d := dist.Float64
			v.DistanceKm = &d
		}
		if eta.Valid {
			e := int(eta.Int64)
			v.ETAMin = &e
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) unitsQuery() *goqu.SelectDataset {
	return p.builder.From(goqu.T("vehicles").As("v")).
		Join(goqu.T("operators").As("o"), goqu.On(goqu.I("o.vehicle_id").Eq(goqu.I("v.id")))).
		Select(
			"v.id", "v.plate_number", "v.latitude", "v.longitude", "v.status",
			"o.id", "o.name", "o.username", "o.contact_number", "o.vehicle_id", "o.status",
		).
		Order(goqu.I("v.id").Asc())
}

func (p *PostgresStore) queryUnits(ctx context.Context, ds *goqu.SelectDataset) ([]models.Unit, error) {
	rows, err := p.query(ctx, ds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Unit
	for rows.Next() {
		var u models.Unit
		if err := rows.Scan(
			&u.Vehicle.ID, &u.Vehicle.Plate, &u.Vehicle.Loc.Lat, &u.Vehicle.Loc.Lon, &u.Vehicle.Status,
			&u.Operator.ID, &u.Operator.Name, &u.Operator.Username, &u.Operator.Contact, &u.Operator.VehicleID, &u.Operator.Status,
		); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *PostgresStore) assignmentsQuery() *goqu.SelectDataset {
	return p.builder.From(goqu.T("dispatch_records").As("dr")).
		Join(goqu.T("requests").As("r"), goqu.On(goqu.I("r.id").Eq(goqu.I("dr.request_id")))).
		Join(goqu.T("vehicles").As("v"), goqu.On(goqu.I("v.id").Eq(goqu.I("dr.vehicle_id")))).
		Join(goqu.T("operators").As("o"), goqu.On(goqu.I("o.vehicle_id").Eq(goqu.I("v.id")))).
		Select(
			"dr.id", "r.id", "r.patient_name", "r.contact_number", "r.category",
			"r.latitude", "r.longitude", "r.notes", "dr.distance_km", "dr.eta_min",
			"v.plate_number", "o.name", "dr.dispatched_at",
		)
}

func (p *PostgresStore) queryAssignments(ctx context.Context, ds *goqu.SelectDataset) ([]models.ActiveAssignment, error) {
	rows, err := p.query(ctx, ds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ActiveAssignment
	for rows.Next() {
		var a models.ActiveAssignment
		if err := rows.Scan(
			&a.DispatchID, &a.RequestID, &a.PatientName, &a.Contact, &a.Category,
			&a.Loc.Lat, &a.Loc.Lon, &a.Notes, &a.DistanceKm, &a.ETAMin,
			&a.Plate, &a.OperatorName, &a.DispatchedAt,
		); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) query(ctx context.Context, ds *goqu.SelectDataset) (*sql.Rows, error) {
	q, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("error executing SQL statement: %w", err)
	}
	return rows, nil
}

// withTx commits when fn returns nil and rolls back otherwise.
func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit: %w", cerr)
		}
	}()
	return fn(tx)
}

// updateOne runs a conditional update and returns notMatched unless exactly one row changed.
func updateOne(ctx context.Context, tx *sql.Tx, notMatched error, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return notMatched
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

var (
	_ FleetStore = (*PostgresStore)(nil)
	_ FleetStore = (*MemoryStore)(nil)
)
