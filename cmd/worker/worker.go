package main

import (
	"context"
	"net/http"

	"github.com/septivank/anpr-toll-worker/internal/api"
	"github.com/septivank/anpr-toll-worker/internal/clock"
	"github.com/septivank/anpr-toll-worker/internal/config"
	"github.com/septivank/anpr-toll-worker/internal/cooldown"
	"github.com/septivank/anpr-toll-worker/internal/db"
	"github.com/septivank/anpr-toll-worker/internal/ledger"
	"github.com/septivank/anpr-toll-worker/internal/memstore"
	"github.com/septivank/anpr-toll-worker/internal/mq"
	"github.com/septivank/anpr-toll-worker/internal/recognizer"
	"github.com/septivank/anpr-toll-worker/internal/registry"
	"github.com/septivank/anpr-toll-worker/internal/repository"
	"github.com/septivank/anpr-toll-worker/internal/resolver"
	"github.com/septivank/anpr-toll-worker/internal/seed"
	"github.com/septivank/anpr-toll-worker/internal/service"
	"github.com/septivank/anpr-toll-worker/internal/store"
	"github.com/septivank/anpr-toll-worker/internal/sweep"
	"github.com/septivank/anpr-toll-worker/internal/trips"
	"github.com/septivank/anpr-toll-worker/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// maxImageBytes bounds a decoded camera frame
const maxImageBytes = 8 << 20

func startConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	ingest *service.IngestService,
) error {
	if conn == nil {
		logger.Info("RABBITMQ_URL not set, queue ingest disabled")
		return nil
	}

	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:       conn,
		Queue:            cfg.RabbitMQ.IngestQueue,
		DLQQueue:         cfg.RabbitMQ.DLQQueue,
		Exchange:         cfg.RabbitMQ.IngestExchange,
		RoutingKey:       cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount:    cfg.RabbitMQ.PrefetchCount,
		Logger:           logger,
		MessageProcessor: ingest.ProcessMessage,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting sighting consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("sighting consumer stopped gracefully")
			return nil
		},
	})

	return nil
}

func startScheduler(lc fx.Lifecycle, scheduler *sweep.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			scheduler.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			scheduler.Stop()
			return nil
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, handler *api.Handler, cfg *config.Config, logger *zap.Logger) *http.Server {
	return api.NewServer(lc, api.NewRouter(handler), cfg.ServicePort, logger)
}

// ProvideClock returns the wall clock
func ProvideClock() clock.Clock {
	return clock.Real()
}

// ProvideStore opens the store selected by STORE_DRIVER. The memory store
// starts with the demo owner and zone loaded.
func ProvideStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config, clk clock.Clock) (store.Store, error) {
	if cfg.Store.Driver == config.StoreDriverMemory {
		logger.Warn("using in-memory store, data is lost on restart")
		ms := memstore.New(clk)
		seed.Memory(ms)
		return ms, nil
	}

	pool, err := db.NewPool(lc, logger, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	return repository.NewRepository(pool), nil
}

// ProvideMQConnection dials RabbitMQ, or returns nil when no broker is configured
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if !cfg.RabbitMQ.Enabled() {
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates the trip event publisher
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (resolver.Publisher, error) {
	if conn == nil {
		return mq.NopPublisher{}, nil
	}

	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.WorkerExchange, cfg.RabbitMQ.WorkerRoutingKey, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideLedger creates the billing ledger
func ProvideLedger(s store.Store, logger *zap.Logger) *ledger.Ledger {
	return ledger.NewLedger(s, logger)
}

// ProvideResolver creates the exit resolver
func ProvideResolver(s store.Store, l *ledger.Ledger, publisher resolver.Publisher, clk clock.Clock, logger *zap.Logger) *resolver.Resolver {
	return resolver.NewResolver(s, l, publisher, clk, logger)
}

// ProvideRegistry creates the vehicle registry
func ProvideRegistry(s store.Store, cfg *config.Config) *registry.Registry {
	return registry.NewRegistry(s, cfg.Registry.Timeout)
}

// ProvideCooldown creates the duplicate sighting filter
func ProvideCooldown(s store.Store, cfg *config.Config) *cooldown.Filter {
	return cooldown.NewFilter(s, cfg.Toll.CooldownWindow)
}

// ProvideMachine creates the trip state machine
func ProvideMachine(
	s store.Store,
	reg *registry.Registry,
	filter *cooldown.Filter,
	res *resolver.Resolver,
	cfg *config.Config,
	logger *zap.Logger,
) *trips.Machine {
	return trips.NewMachine(s, reg, filter, res, cfg.Toll.DefaultFlatRate, logger)
}

// ProvideRecognizer creates the plate recognition client
func ProvideRecognizer(cfg *config.Config) recognizer.Recognizer {
	return recognizer.NewClient(cfg.Recognizer.URL, cfg.Recognizer.APIKey, cfg.Recognizer.Timeout)
}

// ProvideValidator creates a new validator instance
func ProvideValidator() *validator.Validator {
	return validator.NewValidator(maxImageBytes)
}

// ProvideIngestService creates the sighting pipeline
func ProvideIngestService(
	v *validator.Validator,
	rec recognizer.Recognizer,
	machine *trips.Machine,
	clk clock.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) *service.IngestService {
	return service.NewIngestService(v, rec, cfg.Recognizer.MinConfidence, machine, clk, logger)
}

// ProvideSweeper creates the reconciliation sweeper and its scheduler
func ProvideSweeper(s store.Store, res *resolver.Resolver, clk clock.Clock, cfg *config.Config, logger *zap.Logger) (*sweep.Sweeper, *sweep.Scheduler) {
	sweeper := sweep.NewSweeper(s, res, clk, sweep.Config{
		ExitThreshold: cfg.Toll.ExitThreshold,
		BatchSize:     cfg.Sweep.BatchSize,
		Concurrency:   cfg.Sweep.Concurrency,
	}, logger)
	return sweeper, sweep.NewScheduler(sweeper, clk, cfg.Sweep.Interval, logger)
}

// ProvideHandler creates the HTTP handler
func ProvideHandler(ingest *service.IngestService, s store.Store, sweeper *sweep.Sweeper, logger *zap.Logger) *api.Handler {
	return api.NewHandler(ingest, s, sweeper, logger)
}
