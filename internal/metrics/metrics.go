package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toll_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "toll_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "endpoint"})

	// SightingsTotal counts sightings by outcome: created, extended,
	// bypassed, duplicate, no_plate, rejected, failed.
	SightingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toll_sightings_total",
		Help: "Camera sightings processed, labeled by outcome",
	}, []string{"outcome"})

	// ResolutionsTotal counts exit resolutions by resulting status.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toll_trip_resolutions_total",
		Help: "Trip exit resolutions, labeled by terminal status",
	}, []string{"status"})

	LedgerChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toll_ledger_charges_total",
		Help: "Ledger charge attempts, labeled by result",
	}, []string{"result"})

	LedgerChargedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toll_ledger_charged_amount_total",
		Help: "Sum of committed toll debits",
	})

	// QueueMessagesTotal counts queued sightings by disposition: acked,
	// requeued, dead_lettered.
	QueueMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toll_queue_messages_total",
		Help: "Queued sightings consumed, labeled by disposition",
	}, []string{"disposition"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "toll_sweep_duration_seconds",
		Help:    "Duration of reconciliation sweep passes",
		Buckets: prometheus.DefBuckets,
	})

	SweepTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toll_sweep_trips_total",
		Help: "Idle trips handled by the sweep, labeled by result",
	}, []string{"result"})
)
