package cooldown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/septivank/anpr-toll-worker/internal/db"
	"github.com/septivank/anpr-toll-worker/internal/store"
	"github.com/septivank/anpr-toll-worker/tools/timeparser"
)

// RecentTrips finds the latest trip for a plate in a zone
type RecentTrips interface {
	LatestTrip(ctx context.Context, plate, zoneID string) (*db.Trip, error)
}

// Filter suppresses bursts of frames from a single physical pass
type Filter struct {
	trips  RecentTrips
	window time.Duration
}

// NewFilter creates a cooldown filter with the given window
func NewFilter(trips RecentTrips, window time.Duration) *Filter {
	return &Filter{trips: trips, window: window}
}

// Window returns the configured cooldown window
func (f *Filter) Window() time.Duration {
	return f.window
}

// IsDuplicate reports whether a sighting of plate in zoneID at now falls
// within the window of the most recent trip record for that pair.
func (f *Filter) IsDuplicate(ctx context.Context, plate, zoneID string, now time.Time) (bool, error) {
	if f.window <= 0 {
		return false, nil
	}

	latest, err := f.trips.LatestTrip(ctx, plate, zoneID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load latest trip: %w", err)
	}

	return timeparser.IsWithinWindow(latest.LastSightingTimestamp, now, f.window), nil
}
