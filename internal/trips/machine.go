// Package trips owns the trip lifecycle on the ingest path: a sighting
// either extends the unique in-progress trip of its plate and zone or
// opens a new one.
package trips

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/anpr-toll-worker/internal/db"
	"github.com/septivank/anpr-toll-worker/internal/domain"
	"github.com/septivank/anpr-toll-worker/internal/registry"
	"github.com/septivank/anpr-toll-worker/internal/resolver"
	"github.com/septivank/anpr-toll-worker/internal/store"
	"go.uber.org/zap"
)

// Action is what a sighting did
type Action string

const (
	ActionDuplicate Action = "duplicate"
	ActionCreated   Action = "created"
	ActionExtended  Action = "extended"
	ActionBypassed  Action = "bypassed"
)

// Sighting is one normalized camera detection
type Sighting struct {
	Plate    string
	ZoneID   string
	ZoneName string
	At       time.Time
}

// Outcome of observing a sighting
type Outcome struct {
	Action     Action
	Trip       *db.Trip
	Registered bool
}

// Store is the trip persistence the machine needs
type Store interface {
	ActiveTrip(ctx context.Context, plate, zoneID string) (*db.Trip, error)
	CreateTrip(ctx context.Context, trip *db.Trip) error
	ExtendTrip(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	GetTrip(ctx context.Context, id uuid.UUID) (*db.Trip, error)
	GetZone(ctx context.Context, id string) (*db.TollZone, error)
}

// Registry resolves plates to owners
type Registry interface {
	Lookup(ctx context.Context, normalizedPlate string) (registry.Registration, error)
}

// Cooldown detects bursts from one physical pass
type Cooldown interface {
	IsDuplicate(ctx context.Context, plate, zoneID string, now time.Time) (bool, error)
}

// Announcer publishes trips that are terminal on creation
type Announcer interface {
	Announce(ctx context.Context, trip *db.Trip, txn *db.Transaction)
}

// Machine applies sightings to trips
type Machine struct {
	store       Store
	registry    Registry
	cooldown    Cooldown
	announcer   Announcer
	defaultRate int64
	logger      *zap.Logger
}

// NewMachine creates a trip state machine. defaultRate prices zones
// stored without a flat rate.
func NewMachine(store Store, registry Registry, cooldown Cooldown, announcer Announcer, defaultRate int64, logger *zap.Logger) *Machine {
	return &Machine{
		store:       store,
		registry:    registry,
		cooldown:    cooldown,
		announcer:   announcer,
		defaultRate: defaultRate,
		logger:      logger,
	}
}

// Observe applies one sighting. Duplicates inside the cooldown window
// change nothing.
func (m *Machine) Observe(ctx context.Context, s Sighting) (Outcome, error) {
	logger := m.logger.With(zap.String("plate", s.Plate), zap.String("toll_zone_id", s.ZoneID))

	zone, err := m.store.GetZone(ctx, s.ZoneID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Outcome{}, domain.NotFoundError{Resource: "toll zone", ID: s.ZoneID, Err: err}
		}
		return Outcome{}, fmt.Errorf("failed to load toll zone: %w", err)
	}

	duplicate, err := m.cooldown.IsDuplicate(ctx, s.Plate, s.ZoneID, s.At)
	if err != nil {
		return Outcome{}, err
	}
	if duplicate {
		logger.Debug("duplicate sighting ignored")
		return Outcome{Action: ActionDuplicate}, nil
	}

	if out, ok, err := m.extendActive(ctx, s); err != nil || ok {
		return out, err
	}

	reg, err := m.registry.Lookup(ctx, s.Plate)
	if err != nil {
		logger.Warn("registry lookup failed, treating vehicle as unregistered", zap.Error(err))
		reg = registry.Registration{}
	}

	trip := m.newTrip(s, zone, reg)
	if err := m.store.CreateTrip(ctx, trip); err != nil {
		if errors.Is(err, store.ErrActiveTripExists) {
			// A concurrent sighting opened the trip first; join it.
			if out, ok, err := m.extendActive(ctx, s); err != nil || ok {
				return out, err
			}
		}
		return Outcome{}, fmt.Errorf("failed to create trip for %s: %w", s.Plate, err)
	}

	if trip.Status == db.TripBypassed {
		logger.Info("gps bypass applied at entry",
			zap.String("trip_id", trip.ID.String()),
			zap.Stringer("gps_status", reg.GPSStatus))
		m.announcer.Announce(ctx, trip, nil)
		return Outcome{Action: ActionBypassed, Trip: trip, Registered: true}, nil
	}

	logger.Info("trip started",
		zap.String("trip_id", trip.ID.String()),
		zap.Bool("registered", reg.Registered()),
		zap.Int64("total_toll", trip.TotalToll))
	return Outcome{Action: ActionCreated, Trip: trip, Registered: reg.Registered()}, nil
}

// extendActive records the sighting on the in-progress trip, if there is one
// that is still open.
func (m *Machine) extendActive(ctx context.Context, s Sighting) (Outcome, bool, error) {
	active, err := m.store.ActiveTrip(ctx, s.Plate, s.ZoneID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Outcome{}, false, nil
		}
		return Outcome{}, false, fmt.Errorf("failed to load active trip: %w", err)
	}

	extended, err := m.store.ExtendTrip(ctx, active.ID, s.At)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("failed to extend trip %s: %w", active.ID, err)
	}
	if !extended {
		// Resolved between the read and the update; the sighting opens a new trip.
		return Outcome{}, false, nil
	}

	trip, err := m.store.GetTrip(ctx, active.ID)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("failed to reload trip %s: %w", active.ID, err)
	}

	m.logger.Debug("trip extended",
		zap.String("trip_id", trip.ID.String()),
		zap.String("plate", trip.Plate),
		zap.Int("camera_count", trip.CameraCount))
	return Outcome{Action: ActionExtended, Trip: trip, Registered: trip.Registered()}, true, nil
}

func (m *Machine) newTrip(s Sighting, zone *db.TollZone, reg registry.Registration) *db.Trip {
	zoneName := zone.Name
	if zoneName == "" {
		zoneName = s.ZoneName
	}
	ownerName := reg.OwnerName
	if !reg.Registered() {
		ownerName = db.UnregisteredOwnerName
	}

	trip := &db.Trip{
		ID:                    uuid.New(),
		Plate:                 s.Plate,
		OwnerID:               reg.OwnerID,
		OwnerName:             ownerName,
		TollZoneID:            s.ZoneID,
		TollZoneName:          zoneName,
		CameraCount:           1,
		StartTime:             s.At,
		LastSightingTimestamp: s.At,
	}

	if resolver.Decide(reg.Registered(), reg.GPSStatus) == resolver.ActionBypass {
		trip.Status = db.TripBypassed
		trip.TotalToll = 0
		trip.BypassReason = resolver.BypassReason(reg.GPSStatus)
		closedAt := s.At
		trip.ClosedAt = &closedAt
		return trip
	}

	trip.Status = db.TripInProgress
	trip.TotalToll = zone.FlatRate
	if trip.TotalToll == 0 {
		trip.TotalToll = m.defaultRate
	}
	return trip
}
