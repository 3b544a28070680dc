package repository_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/anpr-toll-worker/internal/db"
	"github.com/septivank/anpr-toll-worker/internal/ledger"
	"github.com/septivank/anpr-toll-worker/internal/repository"
	"github.com/septivank/anpr-toll-worker/internal/seed"
	"github.com/septivank/anpr-toll-worker/internal/store"
	"go.uber.org/zap"
)

var start = time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)

// newRepository applies the schema to a throwaway Postgres schema. Tests are
// skipped unless TEST_DATABASE_URL points at a database we may write to.
func newRepository(t *testing.T) (*repository.Repository, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping Postgres repository tests")
	}
	ctx := context.Background()
	schema := "toll_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	admin, err := pgx.Connect(ctx, url)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		admin.Close(ctx)
		t.Fatalf("Failed to create schema: %v", err)
	}
	t.Cleanup(func() {
		admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close(context.Background())
	})

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Fatalf("Failed to parse TEST_DATABASE_URL: %v", err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}
	if _, err := seed.Postgres(ctx, pool); err != nil {
		t.Fatalf("Failed to seed: %v", err)
	}
	return repository.NewRepository(pool), pool
}

func newTrip(plate string, at time.Time, owner bool) *db.Trip {
	trip := &db.Trip{
		ID:                    uuid.New(),
		Plate:                 plate,
		OwnerName:             db.UnregisteredOwnerName,
		TollZoneID:            seed.DemoZoneID,
		TollZoneName:          "City Gateway",
		Status:                db.TripInProgress,
		TotalToll:             seed.DemoFlatRate,
		CameraCount:           1,
		StartTime:             at,
		LastSightingTimestamp: at,
	}
	if owner {
		trip.OwnerID = uuid.NullUUID{UUID: seed.DemoOwnerID, Valid: true}
		trip.OwnerName = "John Doe"
	}
	return trip
}

func TestCreateTrip_OneActivePerPlateAndZone(t *testing.T) {
	repo, _ := newRepository(t)
	ctx := context.Background()

	if err := repo.CreateTrip(ctx, newTrip(seed.DemoPlate, start, true)); err != nil {
		t.Fatalf("CreateTrip failed: %v", err)
	}
	err := repo.CreateTrip(ctx, newTrip(seed.DemoPlate, start, true))
	if !errors.Is(err, store.ErrActiveTripExists) {
		t.Errorf("Expected ErrActiveTripExists, got %v", err)
	}
}

func TestExtendTrip_NeverMovesBackwards(t *testing.T) {
	repo, _ := newRepository(t)
	ctx := context.Background()
	trip := newTrip(seed.DemoPlate, start, true)
	repo.CreateTrip(ctx, trip)

	if ok, err := repo.ExtendTrip(ctx, trip.ID, start.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("ExtendTrip failed: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.ExtendTrip(ctx, trip.ID, start.Add(30*time.Second)); err != nil || !ok {
		t.Fatalf("ExtendTrip failed: ok=%v err=%v", ok, err)
	}

	got, err := repo.GetTrip(ctx, trip.ID)
	if err != nil {
		t.Fatalf("GetTrip failed: %v", err)
	}
	if !got.LastSightingTimestamp.Equal(start.Add(time.Minute)) {
		t.Errorf("Expected last sighting %v, got %v", start.Add(time.Minute), got.LastSightingTimestamp)
	}
	if got.CameraCount != 3 {
		t.Errorf("Expected camera count 3, got %d", got.CameraCount)
	}
}

func TestCloseTrip_Guards(t *testing.T) {
	repo, _ := newRepository(t)
	ctx := context.Background()
	trip := newTrip(seed.DemoPlate, start, false)
	repo.CreateTrip(ctx, trip)
	repo.ExtendTrip(ctx, trip.ID, start.Add(time.Minute))

	ok, err := repo.CloseTrip(ctx, trip.ID, store.Closure{Status: db.TripInvoicePending, LastSeen: start, At: start})
	if err != nil {
		t.Fatalf("CloseTrip failed: %v", err)
	}
	if ok {
		t.Error("Expected close based on a stale sighting to be rejected")
	}

	ok, _ = repo.CloseTrip(ctx, trip.ID, store.Closure{Status: db.TripInvoicePending, LastSeen: start.Add(time.Minute), At: start})
	if !ok {
		t.Fatal("Expected close based on the latest sighting to apply")
	}
	ok, _ = repo.CloseTrip(ctx, trip.ID, store.Closure{Status: db.TripBypassed, ZeroToll: true, At: start})
	if ok {
		t.Error("Expected second close to be rejected")
	}
	if extended, _ := repo.ExtendTrip(ctx, trip.ID, start.Add(2*time.Minute)); extended {
		t.Error("Expected extension of a closed trip to be rejected")
	}

	got, _ := repo.GetTrip(ctx, trip.ID)
	if got.Status != db.TripInvoicePending || got.TotalToll != seed.DemoFlatRate {
		t.Errorf("Expected invoice-pending trip with toll %d, got %s/%d", seed.DemoFlatRate, got.Status, got.TotalToll)
	}
}

func TestIdleTrips_Limit(t *testing.T) {
	repo, _ := newRepository(t)
	ctx := context.Background()
	first := newTrip("KA01AB1234", start, false)
	second := newTrip("MH12DE1433", start.Add(time.Second), false)
	fresh := newTrip("DL3CAF0001", start.Add(20*time.Minute), false)
	repo.CreateTrip(ctx, second)
	repo.CreateTrip(ctx, first)
	repo.CreateTrip(ctx, fresh)
	cutoff := start.Add(10 * time.Minute)

	idle, err := repo.IdleTrips(ctx, cutoff, 1)
	if err != nil {
		t.Fatalf("IdleTrips failed: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != first.ID {
		t.Errorf("Expected the oldest trip only, got %+v", idle)
	}

	idle, err = repo.IdleTrips(ctx, cutoff, 0)
	if err != nil {
		t.Fatalf("IdleTrips failed: %v", err)
	}
	if len(idle) != 2 {
		t.Errorf("Expected a zero limit to be unbounded, got %d trips", len(idle))
	}
}

func TestCharge_ExactlyOnce(t *testing.T) {
	repo, _ := newRepository(t)
	ctx := context.Background()
	trip := newTrip(seed.DemoPlate, start, true)
	repo.CreateTrip(ctx, trip)
	l := ledger.NewLedger(repo, zap.NewNop())

	charge := ledger.Charge{
		TripID:   trip.ID,
		OwnerID:  seed.DemoOwnerID,
		Amount:   trip.TotalToll,
		Plate:    trip.Plate,
		ZoneName: trip.TollZoneName,
		LastSeen: trip.LastSightingTimestamp,
		At:       start.Add(11 * time.Minute),
	}
	txn, err := l.Charge(ctx, charge)
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	if _, err := l.Charge(ctx, charge); !errors.Is(err, ledger.ErrTripNotInProgress) {
		t.Errorf("Expected ErrTripNotInProgress on second charge, got %v", err)
	}

	owner, _ := repo.GetOwner(ctx, seed.DemoOwnerID)
	if owner.WalletBalance != seed.DemoWalletBalance-seed.DemoFlatRate {
		t.Errorf("Expected wallet %d, got %d", seed.DemoWalletBalance-seed.DemoFlatRate, owner.WalletBalance)
	}
	txns, err := repo.ListTransactions(ctx, seed.DemoOwnerID)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txns) != 1 || txns[0].ID != txn.ID || txns[0].TripID != trip.ID {
		t.Errorf("Expected one transaction for the trip, got %+v", txns)
	}
	got, _ := repo.GetTrip(ctx, trip.ID)
	if got.Status != db.TripCompleted {
		t.Errorf("Expected trip completed, got %s", got.Status)
	}
}

func TestTrip_OutlivesOwner(t *testing.T) {
	repo, pool := newRepository(t)
	ctx := context.Background()
	trip := newTrip(seed.DemoPlate, start, true)
	if err := repo.CreateTrip(ctx, trip); err != nil {
		t.Fatalf("CreateTrip failed: %v", err)
	}

	if _, err := pool.Exec(ctx, `DELETE FROM vehicles WHERE owner_id = $1`, seed.DemoOwnerID); err != nil {
		t.Fatalf("Failed to delete vehicles: %v", err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM owners WHERE id = $1`, seed.DemoOwnerID); err != nil {
		t.Fatalf("Expected owner delete to succeed with trips referencing it, got %v", err)
	}

	if _, err := repo.GetOwner(ctx, seed.DemoOwnerID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for deleted owner, got %v", err)
	}
	got, err := repo.GetTrip(ctx, trip.ID)
	if err != nil {
		t.Fatalf("GetTrip failed: %v", err)
	}
	if !got.OwnerID.Valid || got.OwnerID.UUID != seed.DemoOwnerID {
		t.Errorf("Expected trip to keep owner id %s, got %v", seed.DemoOwnerID, got.OwnerID)
	}
}
