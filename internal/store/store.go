// Package store defines the transactional record store the toll engine
// runs on. Implementations: repository.Repository (Postgres) and
// memstore.Store (in-process).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/anpr-toll-worker/internal/db"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrActiveTripExists is returned by CreateTrip when another
	// in-progress trip already holds the (plate, zone) slot.
	ErrActiveTripExists = errors.New("in-progress trip already exists for plate and zone")
)

// Closure describes a guarded terminal transition that moves no money.
type Closure struct {
	Status       db.TripStatus
	BypassReason *string
	ZeroToll     bool
	// LastSeen, when set, additionally requires that the trip has not been
	// sighted after it. A trip extended since it was read stays open.
	LastSeen time.Time
	At       time.Time
}

// Unsighted reports whether a trip last sighted at lastSighting passes the
// LastSeen guard. A zero lastSeen always passes.
func Unsighted(lastSighting, lastSeen time.Time) bool {
	return lastSeen.IsZero() || !lastSighting.After(lastSeen)
}

// Store is the persistence contract shared by the ingest path and the sweep.
//
// All conditional writes (ExtendTrip, CloseTrip, Tx.CompleteTrip) apply only
// while the trip is still in-progress and report whether they did. The
// closing writes also honor a LastSeen guard.
type Store interface {
	// LatestTrip returns the trip of (plate, zone) with the most recent
	// last sighting, in any status.
	LatestTrip(ctx context.Context, plate, zoneID string) (*db.Trip, error)
	ActiveTrip(ctx context.Context, plate, zoneID string) (*db.Trip, error)
	GetTrip(ctx context.Context, id uuid.UUID) (*db.Trip, error)
	CreateTrip(ctx context.Context, trip *db.Trip) error
	// ExtendTrip bumps camera_count and moves last_sighting_timestamp
	// forward to at (never backwards).
	ExtendTrip(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// IdleTrips lists in-progress trips last sighted before cutoff, oldest first.
	IdleTrips(ctx context.Context, before time.Time, limit int) ([]db.Trip, error)
	CloseTrip(ctx context.Context, id uuid.UUID, c Closure) (bool, error)

	GetOwner(ctx context.Context, id uuid.UUID) (*db.Owner, error)
	// OwnerByPlate resolves a normalized plate through the plate index.
	OwnerByPlate(ctx context.Context, normalizedPlate string) (*db.Owner, error)

	GetZone(ctx context.Context, id string) (*db.TollZone, error)
	ListZones(ctx context.Context) ([]db.TollZone, error)

	ListTransactions(ctx context.Context, ownerID uuid.UUID) ([]db.Transaction, error)

	// RunAtomic runs fn as one all-or-nothing unit. If fn returns an error
	// or the commit fails, none of the writes made through tx are applied.
	RunAtomic(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write set available inside RunAtomic.
type Tx interface {
	// CompleteTrip marks the trip completed at at, guarded like CloseTrip
	// by status and lastSeen.
	CompleteTrip(ctx context.Context, id uuid.UUID, lastSeen, at time.Time) (bool, error)
	// IncrementWallet adds delta (signed) to the owner's balance.
	IncrementWallet(ctx context.Context, ownerID uuid.UUID, delta int64) error
	// AppendTransaction inserts txn. Timestamp is assigned by the store
	// at commit and written back into txn.
	AppendTransaction(ctx context.Context, txn *db.Transaction) error
}
