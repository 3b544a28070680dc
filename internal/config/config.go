package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/septivank/anpr-toll-worker/tools/timeparser"
)

// Store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	Store       StoreConfig
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Recognizer  RecognizerConfig
	Registry    RegistryConfig
	Toll        TollConfig
	Sweep       SweepConfig
}

// StoreConfig selects the trip/owner/ledger store implementation
type StoreConfig struct {
	Driver string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings.
// An empty URL disables queue ingest and resolution events.
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	WorkerExchange   string
	WorkerRoutingKey string
	DLQQueue         string
	PrefetchCount    int
}

// Enabled reports whether a broker is configured
func (c RabbitMQConfig) Enabled() bool {
	return c.URL != ""
}

// RecognizerConfig holds plate recognition service settings
type RecognizerConfig struct {
	URL           string
	APIKey        string
	Timeout       time.Duration
	MinConfidence float64
}

// RegistryConfig holds vehicle registry lookup settings
type RegistryConfig struct {
	Timeout time.Duration
}

// TollConfig holds trip lifecycle settings
type TollConfig struct {
	CooldownWindow  time.Duration
	ExitThreshold   time.Duration
	DefaultFlatRate int64
}

// SweepConfig holds reconciliation sweep settings
type SweepConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "anpr-toll-worker"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 5000),
		Store: StoreConfig{
			Driver: getEnv("STORE_DRIVER", StoreDriverPostgres),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "anpr.sightings.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "anpr.sightings.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "camera.sighting.raw"),
			WorkerExchange:   getEnv("RABBITMQ_WORKER_EXCHANGE", "anpr.trips.events.exchange"),
			WorkerRoutingKey: getEnv("RABBITMQ_WORKER_ROUTING_KEY", "trip.resolved"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "anpr.sightings.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Recognizer: RecognizerConfig{
			URL:           getEnv("PLATE_RECOGNIZER_URL", "https://api.platerecognizer.com/v1/plate-reader/"),
			APIKey:        getEnv("PLATE_RECOGNIZER_API_KEY", ""),
			Timeout:       getEnvAsDuration("RECOGNIZER_TIMEOUT", 10*time.Second),
			MinConfidence: getEnvAsFloat("RECOGNIZER_MIN_CONFIDENCE", 0),
		},
		Registry: RegistryConfig{
			Timeout: getEnvAsDuration("REGISTRY_TIMEOUT", 3*time.Second),
		},
		Toll: TollConfig{
			CooldownWindow:  getEnvAsDuration("COOLDOWN_WINDOW", 3*time.Second),
			ExitThreshold:   getEnvAsDuration("EXIT_THRESHOLD", 10*time.Minute),
			DefaultFlatRate: int64(getEnvAsInt("DEFAULT_FLAT_RATE", 150)),
		},
		Sweep: SweepConfig{
			Interval:    getEnvAsDuration("SWEEP_INTERVAL", 60*time.Second),
			BatchSize:   getEnvAsInt("SWEEP_BATCH_SIZE", 500),
			Concurrency: getEnvAsInt("SWEEP_CONCURRENCY", 8),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required but not set in environment variables")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.Store.Driver)
	}
	if c.Toll.CooldownWindow < 0 {
		return fmt.Errorf("COOLDOWN_WINDOW must not be negative")
	}
	if c.Toll.ExitThreshold <= 0 {
		return fmt.Errorf("EXIT_THRESHOLD must be positive")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.Sweep.BatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive, got %d", c.Sweep.BatchSize)
	}
	if c.Sweep.Concurrency <= 0 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be positive, got %d", c.Sweep.Concurrency)
	}
	if c.Toll.DefaultFlatRate < 0 {
		return fmt.Errorf("DEFAULT_FLAT_RATE must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := timeparser.ParseWindow(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
