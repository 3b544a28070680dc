package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/anpr-toll-worker/internal/db"
	"github.com/septivank/anpr-toll-worker/internal/store"
)

const (
	uniqueViolation      = "23505"
	activeTripConstraint = "vehicle_trips_one_active"
	tripColumns          = `id, plate, owner_id, owner_name, toll_zone_id, toll_zone_name, status, bypass_reason, total_toll, camera_count, start_time, last_sighting_timestamp, closed_at`
	transactionColumns   = `id, trip_id, amount, type, timestamp, user_id, plate, description`
	ownerColumns         = `o.id, o.name, o.wallet_balance, o.gps_status`
	inProgress           = string(db.TripInProgress)
)

// Repository is the Postgres implementation of store.Store
type Repository struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Repository)(nil)

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LatestTrip returns the most recently sighted trip for plate and zone
func (r *Repository) LatestTrip(ctx context.Context, plate, zoneID string) (*db.Trip, error) {
	query := `
		SELECT ` + tripColumns + `
		FROM vehicle_trips
		WHERE plate = $1 AND toll_zone_id = $2
		ORDER BY last_sighting_timestamp DESC
		LIMIT 1
	`
	return r.queryTrip(ctx, query, plate, zoneID)
}

// ActiveTrip returns the in-progress trip for plate and zone
func (r *Repository) ActiveTrip(ctx context.Context, plate, zoneID string) (*db.Trip, error) {
	query := `
		SELECT ` + tripColumns + `
		FROM vehicle_trips
		WHERE plate = $1 AND toll_zone_id = $2 AND status = $3
		LIMIT 1
	`
	return r.queryTrip(ctx, query, plate, zoneID, inProgress)
}

// GetTrip loads a trip by id
func (r *Repository) GetTrip(ctx context.Context, id uuid.UUID) (*db.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM vehicle_trips WHERE id = $1`
	return r.queryTrip(ctx, query, id)
}

// CreateTrip inserts a new trip
func (r *Repository) CreateTrip(ctx context.Context, trip *db.Trip) error {
	query := `
		INSERT INTO vehicle_trips (` + tripColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.pool.Exec(ctx, query,
		trip.ID,
		trip.Plate,
		trip.OwnerID,
		trip.OwnerName,
		trip.TollZoneID,
		trip.TollZoneName,
		string(trip.Status),
		trip.BypassReason,
		trip.TotalToll,
		trip.CameraCount,
		trip.StartTime,
		trip.LastSightingTimestamp,
		trip.ClosedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeTripConstraint {
			return store.ErrActiveTripExists
		}
		return fmt.Errorf("failed to insert trip: %w", err)
	}

	return nil
}

// ExtendTrip records another sighting on an in-progress trip
func (r *Repository) ExtendTrip(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE vehicle_trips
		SET last_sighting_timestamp = GREATEST(last_sighting_timestamp, $2),
		    camera_count = camera_count + 1
		WHERE id = $1 AND status = $3
	`

	tag, err := r.pool.Exec(ctx, query, id, at, inProgress)
	if err != nil {
		return false, fmt.Errorf("failed to extend trip: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IdleTrips lists in-progress trips whose last sighting is older than before.
// A limit <= 0 is unbounded (LIMIT NULL), matching the memory store.
func (r *Repository) IdleTrips(ctx context.Context, before time.Time, limit int) ([]db.Trip, error) {
	query := `
		SELECT ` + tripColumns + `
		FROM vehicle_trips
		WHERE status = $1 AND last_sighting_timestamp < $2
		ORDER BY last_sighting_timestamp ASC
		LIMIT $3
	`

	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}

	rows, err := r.pool.Query(ctx, query, inProgress, before, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query idle trips: %w", err)
	}
	defer rows.Close()

	var trips []db.Trip
	for rows.Next() {
		trip, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trip: %w", err)
		}
		trips = append(trips, *trip)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return trips, nil
}

// CloseTrip moves an in-progress trip to a terminal status without touching the ledger
func (r *Repository) CloseTrip(ctx context.Context, id uuid.UUID, c store.Closure) (bool, error) {
	query := `
		UPDATE vehicle_trips
		SET status = $2,
		    bypass_reason = $3,
		    total_toll = CASE WHEN $4 THEN 0 ELSE total_toll END,
		    closed_at = $5
		WHERE id = $1 AND status = $6
		  AND ($7::timestamptz IS NULL OR last_sighting_timestamp <= $7)
	`

	tag, err := r.pool.Exec(ctx, query, id, string(c.Status), c.BypassReason, c.ZeroToll, c.At, inProgress, nullTime(c.LastSeen))
	if err != nil {
		return false, fmt.Errorf("failed to close trip: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetOwner loads an owner and its vehicles
func (r *Repository) GetOwner(ctx context.Context, id uuid.UUID) (*db.Owner, error) {
	query := `SELECT ` + ownerColumns + ` FROM owners o WHERE o.id = $1`
	return r.queryOwner(ctx, query, id)
}

// OwnerByPlate resolves the owner of a normalized plate through the vehicles index
func (r *Repository) OwnerByPlate(ctx context.Context, normalizedPlate string) (*db.Owner, error) {
	query := `
		SELECT ` + ownerColumns + `
		FROM vehicles v
		JOIN owners o ON o.id = v.owner_id
		WHERE v.normalized_plate = $1
	`
	return r.queryOwner(ctx, query, normalizedPlate)
}

// GetZone loads a toll zone
func (r *Repository) GetZone(ctx context.Context, id string) (*db.TollZone, error) {
	var zone db.TollZone
	err := r.pool.QueryRow(ctx, `SELECT id, name, flat_rate FROM toll_zones WHERE id = $1`, id).
		Scan(&zone.ID, &zone.Name, &zone.FlatRate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query zone: %w", err)
	}
	return &zone, nil
}

// ListZones returns every toll zone ordered by name
func (r *Repository) ListZones(ctx context.Context) ([]db.TollZone, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, flat_rate FROM toll_zones ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query zones: %w", err)
	}
	defer rows.Close()

	var zones []db.TollZone
	for rows.Next() {
		var zone db.TollZone
		if err := rows.Scan(&zone.ID, &zone.Name, &zone.FlatRate); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		zones = append(zones, zone)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return zones, nil
}

// ListTransactions returns an owner's transactions, newest first
func (r *Repository) ListTransactions(ctx context.Context, ownerID uuid.UUID) ([]db.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1
		ORDER BY timestamp DESC
	`

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []db.Transaction
	for rows.Next() {
		var txn db.Transaction
		var txnType string
		if err := rows.Scan(&txn.ID, &txn.TripID, &txn.Amount, &txnType, &txn.Timestamp, &txn.UserID, &txn.Plate, &txn.Description); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txn.Type = db.TransactionType(txnType)
		txns = append(txns, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return txns, nil
}

// RunAtomic runs fn inside a database transaction
func (r *Repository) RunAtomic(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *Repository) queryTrip(ctx context.Context, query string, args ...any) (*db.Trip, error) {
	trip, err := scanTrip(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query trip: %w", err)
	}
	return trip, nil
}

func (r *Repository) queryOwner(ctx context.Context, query string, arg any) (*db.Owner, error) {
	var owner db.Owner
	var gps string
	err := r.pool.QueryRow(ctx, query, arg).Scan(&owner.ID, &owner.Name, &owner.WalletBalance, &gps)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query owner: %w", err)
	}
	owner.GPSStatus = db.ParseGPSStatus(gps)

	rows, err := r.pool.Query(ctx,
		`SELECT plate, normalized_plate, model, vehicle_type FROM vehicles WHERE owner_id = $1 ORDER BY plate`,
		owner.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query vehicles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v db.Vehicle
		if err := rows.Scan(&v.Plate, &v.NormalizedPlate, &v.Model, &v.Type); err != nil {
			return nil, fmt.Errorf("failed to scan vehicle: %w", err)
		}
		owner.Vehicles = append(owner.Vehicles, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return &owner, nil
}

func scanTrip(row pgx.Row) (*db.Trip, error) {
	var trip db.Trip
	var status string
	err := row.Scan(
		&trip.ID,
		&trip.Plate,
		&trip.OwnerID,
		&trip.OwnerName,
		&trip.TollZoneID,
		&trip.TollZoneName,
		&status,
		&trip.BypassReason,
		&trip.TotalToll,
		&trip.CameraCount,
		&trip.StartTime,
		&trip.LastSightingTimestamp,
		&trip.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	trip.Status = db.TripStatus(status)
	return &trip, nil
}

// pgTx adapts pgx.Tx to store.Tx
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CompleteTrip(ctx context.Context, id uuid.UUID, lastSeen, at time.Time) (bool, error) {
	query := `
		UPDATE vehicle_trips
		SET status = $2, closed_at = $3
		WHERE id = $1 AND status = $4
		  AND ($5::timestamptz IS NULL OR last_sighting_timestamp <= $5)
	`

	tag, err := t.tx.Exec(ctx, query, id, string(db.TripCompleted), at, inProgress, nullTime(lastSeen))
	if err != nil {
		return false, fmt.Errorf("failed to complete trip: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) IncrementWallet(ctx context.Context, ownerID uuid.UUID, delta int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE owners SET wallet_balance = wallet_balance + $1 WHERE id = $2`,
		delta, ownerID)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendTransaction(ctx context.Context, txn *db.Transaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}

	query := `
		INSERT INTO transactions (id, trip_id, amount, type, user_id, plate, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING timestamp
	`

	err := t.tx.QueryRow(ctx, query,
		txn.ID,
		txn.TripID,
		txn.Amount,
		string(txn.Type),
		txn.UserID,
		txn.Plate,
		txn.Description,
	).Scan(&txn.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// nullTime maps the zero time to SQL NULL
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
