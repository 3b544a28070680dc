package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/anpr-toll-worker/internal/db"
	"github.com/septivank/anpr-toll-worker/internal/domain"
	"github.com/septivank/anpr-toll-worker/internal/metrics"
	"github.com/septivank/anpr-toll-worker/internal/store"
	"go.uber.org/zap"
)

// ErrTripNotInProgress means another writer already moved the trip to a
// terminal status, or the trip was sighted after LastSeen. Nothing was
// written.
var ErrTripNotInProgress = errors.New("trip is no longer in progress")

// Atomic runs a unit of work all-or-nothing
type Atomic interface {
	RunAtomic(ctx context.Context, fn func(tx store.Tx) error) error
}

// Charge is one toll debit against an owner's wallet
type Charge struct {
	TripID   uuid.UUID
	OwnerID  uuid.UUID
	Amount   int64
	Plate    string
	ZoneName string
	// LastSeen is the last sighting the caller based its decision on; a
	// zero value skips the check.
	LastSeen time.Time
	At       time.Time
}

// Description is the ledger text recorded for the charge
func (c Charge) Description() string {
	return fmt.Sprintf("Toll Finalized - %s (ANPR Backup)", c.ZoneName)
}

// Ledger moves money for completed trips
type Ledger struct {
	store  Atomic
	logger *zap.Logger
}

// NewLedger creates a ledger over the given store
func NewLedger(store Atomic, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// Charge debits the wallet, appends the transaction and completes the trip
// in one atomic unit, conditioned on the trip still being in-progress and
// not sighted after c.LastSeen.
//
// Returns ErrTripNotInProgress when the guard fails, domain.NotFoundError
// when the owner is gone, and domain.CommitError for any store failure; in
// every error case nothing was applied.
func (l *Ledger) Charge(ctx context.Context, c Charge) (*db.Transaction, error) {
	txn := &db.Transaction{
		ID:          uuid.New(),
		TripID:      c.TripID,
		Amount:      c.Amount,
		Type:        db.TransactionDebit,
		UserID:      c.OwnerID,
		Plate:       c.Plate,
		Description: c.Description(),
	}

	err := l.store.RunAtomic(ctx, func(tx store.Tx) error {
		completed, err := tx.CompleteTrip(ctx, c.TripID, c.LastSeen, c.At)
		if err != nil {
			return err
		}
		if !completed {
			return ErrTripNotInProgress
		}

		if err := tx.IncrementWallet(ctx, c.OwnerID, -c.Amount); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.NotFoundError{Resource: "owner", ID: c.OwnerID.String(), Err: err}
			}
			return err
		}

		return tx.AppendTransaction(ctx, txn)
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrTripNotInProgress):
		metrics.LedgerChargesTotal.WithLabelValues("already_settled").Inc()
		return nil, err
	case domain.IsNotFound(err):
		metrics.LedgerChargesTotal.WithLabelValues("owner_missing").Inc()
		return nil, err
	default:
		metrics.LedgerChargesTotal.WithLabelValues("failed").Inc()
		l.logger.Error("ledger commit failed",
			zap.Error(err),
			zap.String("trip_id", c.TripID.String()),
			zap.String("plate", c.Plate),
		)
		return nil, domain.CommitError{Op: "charge trip " + c.TripID.String(), Err: err}
	}

	metrics.LedgerChargesTotal.WithLabelValues("committed").Inc()
	metrics.LedgerChargedAmount.Add(float64(c.Amount))
	l.logger.Info("wallet debited",
		zap.String("trip_id", c.TripID.String()),
		zap.String("plate", c.Plate),
		zap.String("owner_id", c.OwnerID.String()),
		zap.Int64("amount", c.Amount),
	)

	return txn, nil
}
