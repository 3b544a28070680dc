// Package resolver decides how a trip leaves a toll zone. The same
// decision serves trip creation (immediate GPS bypass) and the
// reconciliation sweep (idle timeout).
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/anpr-toll-worker/internal/clock"
	"github.com/septivank/anpr-toll-worker/internal/db"
	"github.com/septivank/anpr-toll-worker/internal/ledger"
	"github.com/septivank/anpr-toll-worker/internal/logging"
	"github.com/septivank/anpr-toll-worker/internal/metrics"
	"github.com/septivank/anpr-toll-worker/internal/mq"
	"github.com/septivank/anpr-toll-worker/internal/store"
	"go.uber.org/zap"
)

// Action is the outcome of the exit decision
type Action int

const (
	// ActionInvoice defers billing of an unregistered vehicle.
	ActionInvoice Action = iota
	// ActionBypass waives the toll because GPS billing applies.
	ActionBypass
	// ActionCharge debits the owner's wallet.
	ActionCharge
)

func (a Action) String() string {
	switch a {
	case ActionInvoice:
		return "invoice"
	case ActionBypass:
		return "bypass"
	case ActionCharge:
		return "charge"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Decide is the single exit rule:
//   - no owner: invoice-pending
//   - owner with GPS Connected or Searching: bypass
//   - owner otherwise: charge
func Decide(ownerPresent bool, gps db.GPSStatus) Action {
	switch {
	case !ownerPresent:
		return ActionInvoice
	case gps.Active():
		return ActionBypass
	default:
		return ActionCharge
	}
}

// BypassReason is recorded on bypassed trips
func BypassReason(gps db.GPSStatus) *string {
	reason := "GPS " + gps.String()
	return &reason
}

// Store is what the resolver reads and writes outside the ledger
type Store interface {
	GetOwner(ctx context.Context, id uuid.UUID) (*db.Owner, error)
	CloseTrip(ctx context.Context, id uuid.UUID, c store.Closure) (bool, error)
}

// Charger applies the charge path
type Charger interface {
	Charge(ctx context.Context, c ledger.Charge) (*db.Transaction, error)
}

// Publisher announces terminal transitions
type Publisher interface {
	PublishTripResolved(ctx context.Context, event mq.TripResolvedEvent) error
}

// Resolution describes what Resolve did to a trip
type Resolution struct {
	TripID uuid.UUID
	Action Action
	Status db.TripStatus
	// Applied is false when another writer closed the trip first or it was
	// sighted after the caller read it.
	Applied     bool
	Transaction *db.Transaction
}

// Resolver applies the exit decision to trips
type Resolver struct {
	store     Store
	ledger    Charger
	publisher Publisher
	clock     clock.Clock
	logger    *zap.Logger
}

// NewResolver creates a resolver
func NewResolver(store Store, ledger Charger, publisher Publisher, clk clock.Clock, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		clock:     clk,
		logger:    logger,
	}
}

// Resolve moves an exited in-progress trip to its terminal status, reading
// the owner's GPS status fresh. Losing a race to another resolver, or to a
// sighting that extended the trip after it was read, is not an error: the
// result has Applied=false. On error the trip is untouched.
func (r *Resolver) Resolve(ctx context.Context, trip db.Trip) (Resolution, error) {
	logger := logging.WithTrip(r.logger, trip.Plate, trip.ID)
	res := Resolution{TripID: trip.ID}

	gps := db.GPSUnknown
	ownerPresent := trip.OwnerID.Valid
	if ownerPresent {
		owner, err := r.store.GetOwner(ctx, trip.OwnerID.UUID)
		switch {
		case err == nil:
			gps = owner.GPSStatus
		case errors.Is(err, store.ErrNotFound):
			// Nobody left to debit; treat like an unregistered vehicle.
			logger.Warn("trip owner no longer exists, deferring to invoice",
				zap.String("owner_id", trip.OwnerID.UUID.String()))
			ownerPresent = false
		default:
			return res, fmt.Errorf("failed to load owner for trip %s: %w", trip.ID, err)
		}
	}

	res.Action = Decide(ownerPresent, gps)
	now := r.clock.Now()

	switch res.Action {
	case ActionInvoice:
		res.Status = db.TripInvoicePending
		applied, err := r.store.CloseTrip(ctx, trip.ID, store.Closure{
			Status:   db.TripInvoicePending,
			LastSeen: trip.LastSightingTimestamp,
			At:       now,
		})
		if err != nil {
			return res, fmt.Errorf("failed to mark trip %s invoice pending: %w", trip.ID, err)
		}
		res.Applied = applied

	case ActionBypass:
		res.Status = db.TripBypassed
		applied, err := r.store.CloseTrip(ctx, trip.ID, store.Closure{
			Status:       db.TripBypassed,
			BypassReason: BypassReason(gps),
			ZeroToll:     true,
			LastSeen:     trip.LastSightingTimestamp,
			At:           now,
		})
		if err != nil {
			return res, fmt.Errorf("failed to bypass trip %s: %w", trip.ID, err)
		}
		res.Applied = applied
		trip.TotalToll = 0
		trip.BypassReason = BypassReason(gps)

	case ActionCharge:
		res.Status = db.TripCompleted
		txn, err := r.ledger.Charge(ctx, ledger.Charge{
			TripID:   trip.ID,
			OwnerID:  trip.OwnerID.UUID,
			Amount:   trip.TotalToll,
			Plate:    trip.Plate,
			ZoneName: trip.TollZoneName,
			LastSeen: trip.LastSightingTimestamp,
			At:       now,
		})
		switch {
		case err == nil:
			res.Applied = true
			res.Transaction = txn
		case errors.Is(err, ledger.ErrTripNotInProgress):
			res.Applied = false
		default:
			return res, err
		}
	}

	if !res.Applied {
		logger.Info("trip already resolved or sighted again", zap.Stringer("action", res.Action))
		return res, nil
	}

	metrics.ResolutionsTotal.WithLabelValues(string(res.Status)).Inc()
	logger.Info("trip resolved",
		zap.Stringer("action", res.Action),
		zap.String("status", string(res.Status)),
		zap.Stringer("gps_status", gps),
	)

	trip.Status = res.Status
	trip.ClosedAt = &now
	r.Announce(ctx, &trip, res.Transaction)
	return res, nil
}

// Announce publishes a terminal trip. Publishing is best effort: the state
// change is already committed, so failures are only logged.
func (r *Resolver) Announce(ctx context.Context, trip *db.Trip, txn *db.Transaction) {
	event := mq.TripResolvedEvent{
		TripID:     trip.ID.String(),
		Plate:      trip.Plate,
		TollZoneID: trip.TollZoneID,
		Status:     string(trip.Status),
		TotalToll:  trip.TotalToll,
		ResolvedAt: r.clock.Now().UTC().Format(time.RFC3339),
	}
	if trip.OwnerID.Valid {
		event.OwnerID = trip.OwnerID.UUID.String()
	}
	if trip.BypassReason != nil {
		event.BypassReason = *trip.BypassReason
	}
	if txn != nil {
		event.TransactionID = txn.ID.String()
	}

	if err := r.publisher.PublishTripResolved(ctx, event); err != nil {
		r.logger.Error("failed to publish trip resolved event",
			zap.Error(err),
			zap.String("trip_id", event.TripID),
			zap.String("plate", trip.Plate),
		)
	}
}
