// Package sweep periodically resolves trips whose vehicle has not been
// sighted for the exit threshold.
package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/septivank/anpr-toll-worker/internal/clock"
	"github.com/septivank/anpr-toll-worker/internal/db"
	"github.com/septivank/anpr-toll-worker/internal/metrics"
	"github.com/septivank/anpr-toll-worker/internal/resolver"
	"github.com/septivank/anpr-toll-worker/tools/timeparser"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IdleTrips lists in-progress trips last sighted before a cutoff
type IdleTrips interface {
	IdleTrips(ctx context.Context, before time.Time, limit int) ([]db.Trip, error)
}

// Resolver applies the exit decision to one trip
type Resolver interface {
	Resolve(ctx context.Context, trip db.Trip) (resolver.Resolution, error)
}

// Report summarizes one sweep pass
type Report struct {
	Scanned    int   `json:"scanned"`
	Completed  int   `json:"completed"`
	Bypassed   int   `json:"bypassed"`
	Invoiced   int   `json:"invoicePending"`
	Skipped    int   `json:"skipped"`
	Failed     int   `json:"failed"`
	ChargedSum int64 `json:"chargedTotal"`
	DurationMS int64 `json:"durationMs"`
}

// Config controls a sweeper
type Config struct {
	ExitThreshold time.Duration
	BatchSize     int
	Concurrency   int
}

// Sweeper runs reconciliation passes
type Sweeper struct {
	trips    IdleTrips
	resolver Resolver
	clock    clock.Clock
	cfg      Config
	logger   *zap.Logger
}

// NewSweeper creates a sweeper
func NewSweeper(trips IdleTrips, resolver Resolver, clk clock.Clock, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Sweeper{
		trips:    trips,
		resolver: resolver,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
	}
}

// RunOnce resolves every trip idle for at least the exit threshold. A trip
// that fails to resolve is logged and left in progress for the next pass;
// it never stops the rest of the batch.
func (s *Sweeper) RunOnce(ctx context.Context) (report Report, err error) {
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		report.DurationMS = elapsed.Milliseconds()
		metrics.SweepDuration.Observe(elapsed.Seconds())
	}()

	cutoff := timeparser.IdleSince(s.clock.Now(), s.cfg.ExitThreshold)
	idle, err := s.trips.IdleTrips(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to list idle trips", zap.Error(err))
		return report, err
	}
	report.Scanned = len(idle)
	if len(idle) == 0 {
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, trip := range idle {
		trip := trip
		g.Go(func() error {
			res, err := s.resolver.Resolve(gctx, trip)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				metrics.SweepTripsTotal.WithLabelValues("failed").Inc()
				s.logger.Error("failed to resolve idle trip",
					zap.Error(err),
					zap.String("trip_id", trip.ID.String()),
					zap.String("plate", trip.Plate),
				)
			case !res.Applied:
				report.Skipped++
				metrics.SweepTripsTotal.WithLabelValues("skipped").Inc()
			default:
				metrics.SweepTripsTotal.WithLabelValues(string(res.Status)).Inc()
				switch res.Status {
				case db.TripCompleted:
					report.Completed++
					if res.Transaction != nil {
						report.ChargedSum += res.Transaction.Amount
					}
				case db.TripBypassed:
					report.Bypassed++
				case db.TripInvoicePending:
					report.Invoiced++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("reconciliation sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("completed", report.Completed),
		zap.Int("bypassed", report.Bypassed),
		zap.Int("invoice_pending", report.Invoiced),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// Scheduler runs the sweeper on a fixed interval
type Scheduler struct {
	sweeper  *Sweeper
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler
func NewScheduler(sweeper *Sweeper, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		sweeper:  sweeper,
		clock:    clk,
		interval: interval,
		logger:   logger,
	}
}

// Start begins ticking. Each tick runs a pass in its own goroutine, so a
// slow pass may overlap the next one; the guarded trip writes keep
// overlapping passes from charging a trip twice.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ticker := s.clock.NewTicker(s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					if _, err := s.sweeper.RunOnce(ctx); err != nil {
						s.logger.Error("reconciliation sweep failed", zap.Error(err))
					}
				}()
			}
		}
	}()

	s.logger.Info("reconciliation scheduler started", zap.Duration("interval", s.interval))
}

// Stop cancels in-flight passes and waits for them to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	s.wg.Wait()
	s.logger.Info("reconciliation scheduler stopped")
}
