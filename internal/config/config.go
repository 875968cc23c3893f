package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"fundage/internal/lock"
)

type Config struct {
	DBUser  string
	DBPass  string
	DBHost  string
	DBPort  string
	DBName  string
	SSLMode string

	RedisHost string
	RedisPort string

	NatsHost string
	NatsPort string

	ApiPort    string
	ApiEnabled string
	GRPCPort   string

	// Background jobs.
	JobWorkers          int
	IntegritySweepEvery time.Duration
	IntegrityTolerance  int64
	IntegrityAutoRepair bool

	// Lock policy overrides; zero keeps the default.
	MutationLockTTL  time.Duration
	RecomputeLockTTL time.Duration
}

// New loads and validates configuration from environment variables.
// Postgres and Redis are required. NATS is optional: without
// FUNDAGE_NATS_HOST the bus and command intake simply don't start. The HTTP
// server is optional the same way via FUNDAGE_API_ENABLED.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:  os.Getenv("FUNDAGE_POSTGRES_USER"),
		DBPass:  os.Getenv("FUNDAGE_POSTGRES_PASSWORD"),
		DBHost:  os.Getenv("FUNDAGE_POSTGRES_HOST"),
		DBPort:  os.Getenv("FUNDAGE_POSTGRES_PORT"),
		DBName:  os.Getenv("FUNDAGE_POSTGRES_DB"),
		SSLMode: os.Getenv("FUNDAGE_POSTGRES_SSLMODE"),

		RedisHost: os.Getenv("FUNDAGE_REDIS_HOST"),
		RedisPort: os.Getenv("FUNDAGE_REDIS_PORT"),

		NatsHost: os.Getenv("FUNDAGE_NATS_HOST"),
		NatsPort: os.Getenv("FUNDAGE_NATS_PORT"),

		ApiPort:    os.Getenv("FUNDAGE_API_PORT"),
		ApiEnabled: os.Getenv("FUNDAGE_API_ENABLED"),
		GRPCPort:   getEnvDefault("FUNDAGE_GRPC_PORT", "50051"),

		JobWorkers:          getEnvInt("FUNDAGE_JOB_WORKERS", 10),
		IntegritySweepEvery: getEnvDuration("FUNDAGE_INTEGRITY_SWEEP_EVERY", time.Hour),
		IntegrityTolerance:  int64(getEnvInt("FUNDAGE_INTEGRITY_TOLERANCE", 0)),
		IntegrityAutoRepair: os.Getenv("FUNDAGE_INTEGRITY_AUTO_REPAIR") == "true",

		MutationLockTTL:  getEnvDuration("FUNDAGE_LOCK_MUTATION_TTL", 0),
		RecomputeLockTTL: getEnvDuration("FUNDAGE_LOCK_RECOMPUTE_TTL", 0),
	}

	if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
		return nil, fmt.Errorf("missing required env for database: FUNDAGE_POSTGRES_USER/HOST/DB/SSLMODE")
	}
	if cfg.RedisHost == "" || cfg.RedisPort == "" {
		return nil, fmt.Errorf("missing required env for redis: FUNDAGE_REDIS_HOST/PORT")
	}
	if cfg.NatsHost != "" && cfg.NatsPort == "" {
		return nil, fmt.Errorf("FUNDAGE_NATS_PORT is required when FUNDAGE_NATS_HOST is set")
	}
	if cfg.JobWorkers < 1 {
		return nil, fmt.Errorf("FUNDAGE_JOB_WORKERS must be at least 1")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// NatsAddr returns "" when NATS is not configured.
func (c *Config) NatsAddr() string {
	if c.NatsHost == "" {
		return ""
	}
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

func (c *Config) GRPCAddr() string {
	return ":" + c.GRPCPort
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error otherwise — callers should skip starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("FUNDAGE_API_PORT is required when FUNDAGE_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (FUNDAGE_API_ENABLED != true)")
}

// LockPolicies returns the default lock scenario table with any configured
// TTL overrides applied.
func (c *Config) LockPolicies() lock.Policies {
	p := lock.DefaultPolicies()
	if c.MutationLockTTL > 0 {
		p.Mutation.TTL = c.MutationLockTTL
	}
	if c.RecomputeLockTTL > 0 {
		p.Recompute.TTL = c.RecomputeLockTTL
	}
	return p
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
