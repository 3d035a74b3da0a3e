// Package config loads substrate configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process configuration. Worker and quota knobs are
// process-wide; per-tenant overrides live in the database.
type Config struct {
	DatabaseURL string
	LogLevel    string

	// ReclaimAfter is the outbox/delivery lease reclaim interval.
	ReclaimAfter time.Duration
	// OutboxMaxAttempts is the DLQ threshold.
	OutboxMaxAttempts int
	// WorkerStatementTimeout bounds each claimed worker statement.
	// Zero disables the timeout.
	WorkerStatementTimeout time.Duration
	// PlatformMaxPendingDeliveries clamps per-tenant delivery quotas.
	// Zero means no platform cap.
	PlatformMaxPendingDeliveries int

	// DestinationsFile is an optional YAML file of delivery destinations.
	DestinationsFile string
	// RedisAddr enables the redis-backed delivery rate limiter when set.
	RedisAddr string
	// OTLPEndpoint enables OpenTelemetry export when set.
	OTLPEndpoint string
}

// Load reads configuration from the environment, applying defaults and
// clamping ranges.
func Load() *Config {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://settled@localhost:5432/settled?sslmode=disable"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	reclaim := envInt("PROXY_RECLAIM_AFTER_SECONDS", 60)
	if reclaim <= 0 {
		reclaim = 60
	}

	maxAttempts := envInt("PROXY_OUTBOX_MAX_ATTEMPTS", 25)
	if maxAttempts <= 0 {
		maxAttempts = 25
	}

	stmtTimeout := envInt("PROXY_PG_WORKER_STATEMENT_TIMEOUT_MS", 0)
	if stmtTimeout < 0 {
		stmtTimeout = 0
	}
	if stmtTimeout > 60000 {
		stmtTimeout = 60000
	}

	maxPending := envInt("PROXY_QUOTA_PLATFORM_MAX_PENDING_DELIVERIES", 0)
	if maxPending < 0 {
		maxPending = 0
	}

	return &Config{
		DatabaseURL:                  dbURL,
		LogLevel:                     logLevel,
		ReclaimAfter:                 time.Duration(reclaim) * time.Second,
		OutboxMaxAttempts:            maxAttempts,
		WorkerStatementTimeout:       time.Duration(stmtTimeout) * time.Millisecond,
		PlatformMaxPendingDeliveries: maxPending,
		DestinationsFile:             os.Getenv("DESTINATIONS_FILE"),
		RedisAddr:                    os.Getenv("REDIS_ADDR"),
		OTLPEndpoint:                 os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
