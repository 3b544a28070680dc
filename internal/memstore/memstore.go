// Package memstore is an in-process implementation of store.Store. It is
// used when STORE_DRIVER=memory and as the store double in tests.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/anpr-toll-worker/internal/clock"
	"github.com/septivank/anpr-toll-worker/internal/db"
	"github.com/septivank/anpr-toll-worker/internal/plate"
	"github.com/septivank/anpr-toll-worker/internal/store"
)

type tripKey struct {
	plate  string
	zoneID string
}

// Store keeps every record in maps guarded by a single mutex.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	trips        map[uuid.UUID]*db.Trip
	tripsByKey   map[tripKey][]uuid.UUID
	active       map[tripKey]uuid.UUID
	owners       map[uuid.UUID]*db.Owner
	plates       map[string]uuid.UUID
	zones        map[string]*db.TollZone
	transactions []db.Transaction

	commitFaults []error
	readFaults   []error
}

var _ store.Store = (*Store)(nil)

// New creates an empty store. clk stamps transactions at commit.
func New(clk clock.Clock) *Store {
	return &Store{
		clock:      clk,
		trips:      make(map[uuid.UUID]*db.Trip),
		tripsByKey: make(map[tripKey][]uuid.UUID),
		active:     make(map[tripKey]uuid.UUID),
		owners:     make(map[uuid.UUID]*db.Owner),
		plates:     make(map[string]uuid.UUID),
		zones:      make(map[string]*db.TollZone),
	}
}

// PutOwner inserts or replaces an owner and indexes its vehicles by normalized plate.
func (s *Store) PutOwner(owner db.Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.owners[owner.ID]; ok {
		for _, v := range prev.Vehicles {
			delete(s.plates, v.NormalizedPlate)
		}
	}
	o := cloneOwner(&owner)
	for i := range o.Vehicles {
		if o.Vehicles[i].NormalizedPlate == "" {
			o.Vehicles[i].NormalizedPlate = plate.Normalize(o.Vehicles[i].Plate)
		}
		s.plates[o.Vehicles[i].NormalizedPlate] = o.ID
	}
	s.owners[o.ID] = o
}

// SetGPSStatus stands in for the telemetry service writing an owner's GPS state.
func (s *Store) SetGPSStatus(ownerID uuid.UUID, status db.GPSStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.owners[ownerID]
	if !ok {
		return store.ErrNotFound
	}
	o.GPSStatus = status
	return nil
}

// PutZone inserts or replaces a toll zone.
func (s *Store) PutZone(zone db.TollZone) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := zone
	s.zones[z.ID] = &z
}

// InjectCommitFault makes the next RunAtomic commit fail with err.
// Faults queue up and are consumed one per commit.
func (s *Store) InjectCommitFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitFaults = append(s.commitFaults, err)
}

// InjectReadFault makes the next owner read fail with err.
func (s *Store) InjectReadFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readFaults = append(s.readFaults, err)
}

// Trips returns a snapshot of every trip, oldest start first.
func (s *Store) Trips() []db.Trip {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]db.Trip, 0, len(s.trips))
	for _, t := range s.trips {
		out = append(out, *cloneTrip(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Transactions returns a snapshot of the ledger in append order.
func (s *Store) Transactions() []db.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.Transaction(nil), s.transactions...)
}

func (s *Store) LatestTrip(_ context.Context, plate, zoneID string) (*db.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *db.Trip
	for _, id := range s.tripsByKey[tripKey{plate, zoneID}] {
		t := s.trips[id]
		if latest == nil || t.LastSightingTimestamp.After(latest.LastSightingTimestamp) {
			latest = t
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return cloneTrip(latest), nil
}

func (s *Store) ActiveTrip(_ context.Context, plate, zoneID string) (*db.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.active[tripKey{plate, zoneID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTrip(s.trips[id]), nil
}

func (s *Store) GetTrip(_ context.Context, id uuid.UUID) (*db.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trips[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneTrip(t), nil
}

func (s *Store) CreateTrip(_ context.Context, trip *db.Trip) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trips[trip.ID]; exists {
		return fmt.Errorf("trip %s already exists", trip.ID)
	}
	key := tripKey{trip.Plate, trip.TollZoneID}
	if trip.Status == db.TripInProgress {
		if _, taken := s.active[key]; taken {
			return store.ErrActiveTripExists
		}
		s.active[key] = trip.ID
	}
	s.trips[trip.ID] = cloneTrip(trip)
	s.tripsByKey[key] = append(s.tripsByKey[key], trip.ID)
	return nil
}

func (s *Store) ExtendTrip(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trips[id]
	if !ok || t.Status != db.TripInProgress {
		return false, nil
	}
	t.CameraCount++
	if at.After(t.LastSightingTimestamp) {
		t.LastSightingTimestamp = at
	}
	return true, nil
}

func (s *Store) IdleTrips(_ context.Context, before time.Time, limit int) ([]db.Trip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.Trip
	for _, id := range s.active {
		t := s.trips[id]
		if t.LastSightingTimestamp.Before(before) {
			out = append(out, *cloneTrip(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSightingTimestamp.Before(out[j].LastSightingTimestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CloseTrip(_ context.Context, id uuid.UUID, c store.Closure) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trips[id]
	if !ok || t.Status != db.TripInProgress || !store.Unsighted(t.LastSightingTimestamp, c.LastSeen) {
		return false, nil
	}
	s.closeLocked(t, c.Status, c.At)
	t.BypassReason = c.BypassReason
	if c.ZeroToll {
		t.TotalToll = 0
	}
	return true, nil
}

func (s *Store) GetOwner(_ context.Context, id uuid.UUID) (*db.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.popReadFault(); err != nil {
		return nil, err
	}
	o, ok := s.owners[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOwner(o), nil
}

func (s *Store) OwnerByPlate(_ context.Context, normalizedPlate string) (*db.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.popReadFault(); err != nil {
		return nil, err
	}
	id, ok := s.plates[normalizedPlate]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOwner(s.owners[id]), nil
}

func (s *Store) GetZone(_ context.Context, id string) (*db.TollZone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	zone := *z
	return &zone, nil
}

func (s *Store) ListZones(_ context.Context) ([]db.TollZone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]db.TollZone, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, *z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListTransactions(_ context.Context, ownerID uuid.UUID) ([]db.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].UserID == ownerID {
			out = append(out, s.transactions[i])
		}
	}
	return out, nil
}

// RunAtomic stages every write made through tx and applies them together
// after fn returns nil and no commit fault is pending.
func (s *Store) RunAtomic(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		s:      s,
		trips:  make(map[uuid.UUID]*db.Trip),
		owners: make(map[uuid.UUID]*db.Owner),
	}
	if err := fn(tx); err != nil {
		return err
	}

	if len(s.commitFaults) > 0 {
		err := s.commitFaults[0]
		s.commitFaults = s.commitFaults[1:]
		return err
	}

	now := s.clock.Now()
	for id, staged := range tx.trips {
		t := s.trips[id]
		s.closeLocked(t, staged.Status, *staged.ClosedAt)
	}
	for id, staged := range tx.owners {
		s.owners[id].WalletBalance = staged.WalletBalance
	}
	for _, txn := range tx.appended {
		txn.Timestamp = now
		s.transactions = append(s.transactions, *txn)
	}
	return nil
}

func (s *Store) closeLocked(t *db.Trip, status db.TripStatus, at time.Time) {
	t.Status = status
	closedAt := at
	t.ClosedAt = &closedAt
	key := tripKey{t.Plate, t.TollZoneID}
	if s.active[key] == t.ID {
		delete(s.active, key)
	}
}

func (s *Store) popReadFault() error {
	if len(s.readFaults) == 0 {
		return nil
	}
	err := s.readFaults[0]
	s.readFaults = s.readFaults[1:]
	return err
}

// memTx reads committed state through s (whose lock RunAtomic holds) and
// stages writes locally.
type memTx struct {
	s        *Store
	trips    map[uuid.UUID]*db.Trip
	owners   map[uuid.UUID]*db.Owner
	appended []*db.Transaction
}

func (tx *memTx) CompleteTrip(_ context.Context, id uuid.UUID, lastSeen, at time.Time) (bool, error) {
	if _, staged := tx.trips[id]; staged {
		return false, nil
	}
	t, ok := tx.s.trips[id]
	if !ok || t.Status != db.TripInProgress || !store.Unsighted(t.LastSightingTimestamp, lastSeen) {
		return false, nil
	}
	staged := cloneTrip(t)
	staged.Status = db.TripCompleted
	closedAt := at
	staged.ClosedAt = &closedAt
	tx.trips[id] = staged
	return true, nil
}

func (tx *memTx) IncrementWallet(_ context.Context, ownerID uuid.UUID, delta int64) error {
	staged, ok := tx.owners[ownerID]
	if !ok {
		o, exists := tx.s.owners[ownerID]
		if !exists {
			return store.ErrNotFound
		}
		staged = cloneOwner(o)
		tx.owners[ownerID] = staged
	}
	staged.WalletBalance += delta
	return nil
}

func (tx *memTx) AppendTransaction(_ context.Context, txn *db.Transaction) error {
	for _, existing := range tx.s.transactions {
		if existing.TripID == txn.TripID {
			return errors.New("transaction for trip already recorded")
		}
	}
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	tx.appended = append(tx.appended, txn)
	return nil
}

func cloneTrip(t *db.Trip) *db.Trip {
	c := *t
	if t.BypassReason != nil {
		r := *t.BypassReason
		c.BypassReason = &r
	}
	if t.ClosedAt != nil {
		at := *t.ClosedAt
		c.ClosedAt = &at
	}
	return &c
}

func cloneOwner(o *db.Owner) *db.Owner {
	c := *o
	c.Vehicles = append([]db.Vehicle(nil), o.Vehicles...)
	return &c
}
