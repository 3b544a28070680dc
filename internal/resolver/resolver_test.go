package resolver_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/anpr-toll-worker/internal/clock"
	"github.com/septivank/anpr-toll-worker/internal/db"
	"github.com/septivank/anpr-toll-worker/internal/domain"
	"github.com/septivank/anpr-toll-worker/internal/ledger"
	"github.com/septivank/anpr-toll-worker/internal/memstore"
	"github.com/septivank/anpr-toll-worker/internal/mq"
	"github.com/septivank/anpr-toll-worker/internal/resolver"
	"go.uber.org/zap"
)

var start = time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []mq.TripResolvedEvent
}

func (p *recordingPublisher) PublishTripResolved(_ context.Context, event mq.TripResolvedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type fixture struct {
	store     *memstore.Store
	resolver  *resolver.Resolver
	publisher *recordingPublisher
	ownerID   uuid.UUID
}

func newFixture(gps db.GPSStatus) *fixture {
	clk := clock.Fake(start.Add(11 * time.Minute))
	s := memstore.New(clk)
	ownerID := uuid.New()
	s.PutOwner(db.Owner{ID: ownerID, Name: "John Doe", WalletBalance: 5000, GPSStatus: gps})
	pub := &recordingPublisher{}
	logger := zap.NewNop()
	return &fixture{
		store:     s,
		resolver:  resolver.NewResolver(s, ledger.NewLedger(s, logger), pub, clk, logger),
		publisher: pub,
		ownerID:   ownerID,
	}
}

func (f *fixture) trip(t *testing.T, registered bool) db.Trip {
	t.Helper()
	trip := db.Trip{
		ID:                    uuid.New(),
		Plate:                 "KA01AB1234",
		TollZoneID:            "Z1",
		TollZoneName:          "City Gateway",
		Status:                db.TripInProgress,
		TotalToll:             150,
		CameraCount:           1,
		StartTime:             start,
		LastSightingTimestamp: start,
	}
	if registered {
		trip.OwnerID = uuid.NullUUID{UUID: f.ownerID, Valid: true}
		trip.OwnerName = "John Doe"
	} else {
		trip.OwnerName = db.UnregisteredOwnerName
	}
	if err := f.store.CreateTrip(context.Background(), &trip); err != nil {
		t.Fatalf("Failed to create trip: %v", err)
	}
	return trip
}

func (f *fixture) wallet() int64 {
	owner, _ := f.store.GetOwner(context.Background(), f.ownerID)
	return owner.WalletBalance
}

func TestDecide(t *testing.T) {
	tests := []struct {
		owner bool
		gps   db.GPSStatus
		want  resolver.Action
	}{
		{false, db.GPSConnected, resolver.ActionInvoice},
		{false, db.GPSUnknown, resolver.ActionInvoice},
		{true, db.GPSConnected, resolver.ActionBypass},
		{true, db.GPSSearching, resolver.ActionBypass},
		{true, db.GPSDisconnected, resolver.ActionCharge},
		{true, db.GPSUnknown, resolver.ActionCharge},
	}

	for _, tt := range tests {
		if got := resolver.Decide(tt.owner, tt.gps); got != tt.want {
			t.Errorf("Decide(%v, %v): expected %v, got %v", tt.owner, tt.gps, tt.want, got)
		}
	}
}

func TestResolve_Charge(t *testing.T) {
	f := newFixture(db.GPSDisconnected)
	trip := f.trip(t, true)

	res, err := f.resolver.Resolve(context.Background(), trip)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if !res.Applied || res.Status != db.TripCompleted {
		t.Fatalf("Expected applied completion, got %+v", res)
	}
	if f.wallet() != 4850 {
		t.Errorf("Expected wallet 4850, got %d", f.wallet())
	}
	if len(f.publisher.events) != 1 {
		t.Fatalf("Expected one published event, got %d", len(f.publisher.events))
	}
	event := f.publisher.events[0]
	if event.Status != "completed" || event.TransactionID != res.Transaction.ID.String() {
		t.Errorf("Unexpected event: %+v", event)
	}
}

func TestResolve_BypassReadsGPSFresh(t *testing.T) {
	f := newFixture(db.GPSDisconnected)
	trip := f.trip(t, true)
	f.store.SetGPSStatus(f.ownerID, db.GPSConnected)

	res, err := f.resolver.Resolve(context.Background(), trip)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Action != resolver.ActionBypass || !res.Applied {
		t.Fatalf("Expected applied bypass, got %+v", res)
	}

	got, _ := f.store.GetTrip(context.Background(), trip.ID)
	if got.Status != db.TripBypassed || got.TotalToll != 0 {
		t.Errorf("Expected bypassed trip with zero toll, got %s/%d", got.Status, got.TotalToll)
	}
	if got.BypassReason == nil || *got.BypassReason != "GPS Connected" {
		t.Errorf("Expected bypass reason 'GPS Connected', got %v", got.BypassReason)
	}
	if f.wallet() != 5000 {
		t.Errorf("Expected wallet untouched, got %d", f.wallet())
	}
	if n := len(f.store.Transactions()); n != 0 {
		t.Errorf("Expected no transactions, got %d", n)
	}
}

func TestResolve_Unregistered(t *testing.T) {
	f := newFixture(db.GPSDisconnected)
	trip := f.trip(t, false)

	res, err := f.resolver.Resolve(context.Background(), trip)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Status != db.TripInvoicePending || !res.Applied {
		t.Fatalf("Expected applied invoice-pending, got %+v", res)
	}

	got, _ := f.store.GetTrip(context.Background(), trip.ID)
	if got.Status != db.TripInvoicePending {
		t.Errorf("Expected invoice-pending, got %s", got.Status)
	}
	if got.TotalToll != 150 {
		t.Errorf("Expected toll kept for invoicing, got %d", got.TotalToll)
	}
}

func TestResolve_OwnerGoneDefersToInvoice(t *testing.T) {
	f := newFixture(db.GPSDisconnected)
	trip := f.trip(t, true)
	trip.OwnerID = uuid.NullUUID{UUID: uuid.New(), Valid: true}

	res, err := f.resolver.Resolve(context.Background(), trip)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Status != db.TripInvoicePending {
		t.Errorf("Expected invoice-pending for a missing owner, got %s", res.Status)
	}
}

func TestResolve_AlreadyResolved(t *testing.T) {
	f := newFixture(db.GPSDisconnected)
	trip := f.trip(t, true)
	ctx := context.Background()

	if _, err := f.resolver.Resolve(ctx, trip); err != nil {
		t.Fatalf("First resolve failed: %v", err)
	}
	res, err := f.resolver.Resolve(ctx, trip)
	if err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}

	if res.Applied {
		t.Error("Expected second resolve not to apply")
	}
	if f.wallet() != 4850 {
		t.Errorf("Expected a single debit, got wallet %d", f.wallet())
	}
	if len(f.publisher.events) != 1 {
		t.Errorf("Expected one published event, got %d", len(f.publisher.events))
	}
}

func TestResolve_OwnerReadFailure(t *testing.T) {
	f := newFixture(db.GPSDisconnected)
	trip := f.trip(t, true)
	f.store.InjectReadFault(errors.New("timeout"))

	if _, err := f.resolver.Resolve(context.Background(), trip); err == nil {
		t.Fatal("Expected error when the owner cannot be read")
	}

	got, _ := f.store.GetTrip(context.Background(), trip.ID)
	if got.Status != db.TripInProgress {
		t.Errorf("Expected trip still in progress, got %s", got.Status)
	}
}

func TestResolve_CommitFault(t *testing.T) {
	f := newFixture(db.GPSDisconnected)
	trip := f.trip(t, true)
	f.store.InjectCommitFault(errors.New("connection lost"))

	_, err := f.resolver.Resolve(context.Background(), trip)
	if !domain.IsCommit(err) {
		t.Fatalf("Expected CommitError, got %v", err)
	}
	if f.wallet() != 5000 {
		t.Errorf("Expected wallet unchanged, got %d", f.wallet())
	}
	if len(f.publisher.events) != 0 {
		t.Errorf("Expected no events, got %d", len(f.publisher.events))
	}
}

func TestResolve_SightedAfterRead(t *testing.T) {
	tests := []struct {
		name       string
		gps        db.GPSStatus
		registered bool
	}{
		{"charge", db.GPSDisconnected, true},
		{"bypass", db.GPSConnected, true},
		{"invoice", db.GPSUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.gps)
			ctx := context.Background()
			stale := f.trip(t, tt.registered)

			if ok, err := f.store.ExtendTrip(ctx, stale.ID, start.Add(10*time.Minute)); err != nil || !ok {
				t.Fatalf("ExtendTrip failed: ok=%v err=%v", ok, err)
			}

			res, err := f.resolver.Resolve(ctx, stale)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if res.Applied {
				t.Errorf("Expected a trip sighted after the read to stay open, got %+v", res)
			}

			current, _ := f.store.GetTrip(ctx, stale.ID)
			if current.Status != db.TripInProgress || current.TotalToll != 150 {
				t.Errorf("Expected in-progress trip with toll 150, got %s/%d", current.Status, current.TotalToll)
			}
			if f.wallet() != 5000 {
				t.Errorf("Expected wallet untouched, got %d", f.wallet())
			}
			if n := len(f.store.Transactions()); n != 0 {
				t.Errorf("Expected no transactions, got %d", n)
			}
			if len(f.publisher.events) != 0 {
				t.Errorf("Expected no published events, got %d", len(f.publisher.events))
			}
		})
	}
}
