package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 60*time.Second, cfg.ReclaimAfter)
	assert.Equal(t, 25, cfg.OutboxMaxAttempts)
	assert.Equal(t, time.Duration(0), cfg.WorkerStatementTimeout)
	assert.Equal(t, 0, cfg.PlatformMaxPendingDeliveries)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PROXY_RECLAIM_AFTER_SECONDS", "120")
	t.Setenv("PROXY_OUTBOX_MAX_ATTEMPTS", "5")
	t.Setenv("PROXY_PG_WORKER_STATEMENT_TIMEOUT_MS", "2500")
	t.Setenv("PROXY_QUOTA_PLATFORM_MAX_PENDING_DELIVERIES", "1000")

	cfg := Load()
	assert.Equal(t, 120*time.Second, cfg.ReclaimAfter)
	assert.Equal(t, 5, cfg.OutboxMaxAttempts)
	assert.Equal(t, 2500*time.Millisecond, cfg.WorkerStatementTimeout)
	assert.Equal(t, 1000, cfg.PlatformMaxPendingDeliveries)
}

func TestLoadClampsRanges(t *testing.T) {
	t.Setenv("PROXY_RECLAIM_AFTER_SECONDS", "-1")
	t.Setenv("PROXY_PG_WORKER_STATEMENT_TIMEOUT_MS", "999999")
	t.Setenv("PROXY_QUOTA_PLATFORM_MAX_PENDING_DELIVERIES", "-5")

	cfg := Load()
	assert.Equal(t, 60*time.Second, cfg.ReclaimAfter)
	assert.Equal(t, 60*time.Second, cfg.WorkerStatementTimeout)
	assert.Equal(t, 0, cfg.PlatformMaxPendingDeliveries)
}

func TestLoadIgnoresGarbage(t *testing.T) {
	t.Setenv("PROXY_OUTBOX_MAX_ATTEMPTS", "not-a-number")
	cfg := Load()
	assert.Equal(t, 25, cfg.OutboxMaxAttempts)
}
