package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Store drivers selectable with STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// MaxClaimBatchSize is the largest limit a single Claim accepts.
const MaxClaimBatchSize = 100

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; DATABASE_URL is required only for the
// postgres store driver.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string

	// Storage
	StoreDriver string
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Redis backs the tenant token bucket and the sweep lock. Empty disables both.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Leases
	LeaseDuration   time.Duration
	RenewInterval   time.Duration
	SweepInterval   time.Duration
	StallReclaimCap int

	// Retries
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	DefaultMaxRetries int

	EnqueueStaleHorizon time.Duration

	// Delivery workers
	WorkerID       string
	ClaimBatchSize int
	PollInterval   time.Duration
	EmailWorkers   int
	SMSWorkers     int
	PushWorkers    int
	InAppWorkers   int

	// Rate limiting
	RateLimit          int     // deliveries per second per channel
	TenantRateCapacity int     // burst per tenant
	TenantRateRefill   float64 // tokens per second per tenant

	// External provider
	ProviderBaseURL string
	ProviderTimeout time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),

		StoreDriver: getEnv("STORE_DRIVER", StoreDriverPostgres),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:  int32(getInt("DB_MIN_CONNS", 5)),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		LeaseDuration:   getDuration("LEASE_DURATION", 30*time.Minute),
		RenewInterval:   getDuration("RENEW_INTERVAL", 10*time.Minute),
		SweepInterval:   getDuration("SWEEP_INTERVAL", 5*time.Minute),
		StallReclaimCap: getInt("STALL_RECLAIM_CAP", 5),

		BackoffBase:       getDuration("BACKOFF_BASE", 60*time.Second),
		BackoffMax:        getDuration("BACKOFF_MAX", 3600*time.Second),
		DefaultMaxRetries: getInt("DEFAULT_MAX_RETRIES", 3),

		EnqueueStaleHorizon: getDuration("ENQUEUE_STALE_HORIZON", time.Hour),

		WorkerID:       getEnv("WORKER_ID", defaultWorkerID()),
		ClaimBatchSize: getInt("CLAIM_BATCH_SIZE", 10),
		PollInterval:   getDuration("POLL_INTERVAL", 2*time.Second),
		EmailWorkers:   getInt("EMAIL_WORKERS", 5),
		SMSWorkers:     getInt("SMS_WORKERS", 5),
		PushWorkers:    getInt("PUSH_WORKERS", 5),
		InAppWorkers:   getInt("IN_APP_WORKERS", 2),

		RateLimit:          getInt("RATE_LIMIT_PER_CHANNEL", 100),
		TenantRateCapacity: getInt("TENANT_RATE_CAPACITY", 200),
		TenantRateRefill:   getFloat("TENANT_RATE_REFILL", 50),

		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", "http://localhost:9090/deliver"),
		ProviderTimeout: getDuration("PROVIDER_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations that break lease safety or cannot run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("LEASE_DURATION must be positive")
	}
	if c.RenewInterval <= 0 || c.RenewInterval >= c.LeaseDuration {
		return fmt.Errorf("RENEW_INTERVAL (%s) must be positive and shorter than LEASE_DURATION (%s)", c.RenewInterval, c.LeaseDuration)
	}
	if c.SweepInterval <= 0 || c.SweepInterval >= c.LeaseDuration {
		return fmt.Errorf("SWEEP_INTERVAL (%s) must be positive and shorter than LEASE_DURATION (%s)", c.SweepInterval, c.LeaseDuration)
	}
	if c.StallReclaimCap < 0 {
		return fmt.Errorf("STALL_RECLAIM_CAP must not be negative")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("BACKOFF_BASE must be positive and not exceed BACKOFF_MAX")
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("DEFAULT_MAX_RETRIES must not be negative")
	}
	if c.ClaimBatchSize <= 0 || c.ClaimBatchSize > MaxClaimBatchSize {
		return fmt.Errorf("CLAIM_BATCH_SIZE must be between 1 and %d", MaxClaimBatchSize)
	}
	return nil
}

// defaultWorkerID is unique per process start: a restarted container keeps its
// hostname and pid but must not inherit the previous incarnation's leases.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "notifyq"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
