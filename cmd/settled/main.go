// Command settled runs the settlement substrate daemon: it opens the
// database, starts the outbox worker pool and the delivery dispatcher,
// and serves Prometheus metrics until SIGTERM.
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianlabs/settled/pkg/config"
	"github.com/meridianlabs/settled/pkg/contracts"
	settledcrypto "github.com/meridianlabs/settled/pkg/crypto"
	"github.com/meridianlabs/settled/pkg/evidence"
	"github.com/meridianlabs/settled/pkg/observability"
	"github.com/meridianlabs/settled/pkg/store"
	"github.com/meridianlabs/settled/pkg/workers"
)

const bootstrapKeyID = "server-bootstrap"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogger(cfg.LogLevel)
	logger := slog.Default().With("component", "settled")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	s := store.New(db, store.Options{
		Dialect:                      store.DialectPostgres,
		ReclaimAfter:                 cfg.ReclaimAfter,
		MaxAttempts:                  cfg.OutboxMaxAttempts,
		StatementTimeout:             cfg.WorkerStatementTimeout,
		PlatformMaxPendingDeliveries: cfg.PlatformMaxPendingDeliveries,
		BootstrapKeyID:               bootstrapKeyID,
	})
	if err := s.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	signer, err := loadSigner()
	if err != nil {
		return fmt.Errorf("load signer: %w", err)
	}

	evidenceStore, err := evidence.NewStoreFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("evidence store: %w", err)
	}

	var destinations []contracts.Destination
	if cfg.DestinationsFile != "" {
		destinations, err = workers.LoadDestinations(cfg.DestinationsFile)
		if err != nil {
			return fmt.Errorf("load destinations: %w", err)
		}
		logger.Info("destinations loaded", "file", cfg.DestinationsFile, "count", len(destinations))
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "settled",
		ServiceVersion: "1.0.0",
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := workers.NewMetrics(registry)

	pool := workers.NewPool(s, workers.PoolOptions{
		Logger:  slog.Default().With("component", "workers"),
		Metrics: metrics,
		Obs:     obs,
	})
	pool.Register(contracts.TopicLedgerEntryApply, &workers.LedgerApplier{Store: s})
	pool.Register(contracts.TopicCorrelationApply, &workers.CorrelationsApplier{Store: s})
	pool.Register(contracts.TopicJobStatusChanged, &workers.NoopDrain{Store: s})
	pool.Register(contracts.TopicJobSettled, &workers.NoopDrain{Store: s})
	pool.Register(contracts.TopicMonthCloseRequested, &workers.MonthCloser{
		Store:        s,
		Signer:       signer,
		Destinations: destinations,
	})
	pool.Register(contracts.TopicFinancePackBundle, &workers.FinancePacker{
		Store:        s,
		Evidence:     evidenceStore,
		Destinations: destinations,
	})
	pool.RegisterPrefix(contracts.TopicNotifyPrefix, &workers.NotificationsDrain{Store: s})
	s.SetOutboxHook(pool.Kick)

	var limiter workers.Limiter
	if cfg.RedisAddr != "" {
		limiter = workers.NewRedisLimiter(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		logger.Info("delivery limiter: redis", "addr", cfg.RedisAddr)
	} else {
		limiter = workers.NewLocalLimiter()
	}
	dispatcher := &workers.DeliveryDispatcher{
		Store:        s,
		Sender:       newHTTPSender(destinations),
		Limiter:      limiter,
		Destinations: destinations,
		Metrics:      metrics,
		Obs:          obs,
	}

	metricsAddr := envOr("METRICS_ADDR", ":9464")
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "err", err)
		}
	}()

	tenants := strings.Split(envOr("TENANTS", contracts.DefaultTenant), ",")
	go dispatchLoop(ctx, dispatcher, tenants, logger)
	go purgeLoop(ctx, s, logger)

	logger.Info("settled daemon started",
		"tenants", tenants, "reclaim_after", cfg.ReclaimAfter, "max_attempts", cfg.OutboxMaxAttempts)
	pool.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("settled daemon stopped")
	return nil
}

// dispatchLoop claims and ships due deliveries for each tenant.
func dispatchLoop(ctx context.Context, d *workers.DeliveryDispatcher, tenants []string, logger *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, tenant := range tenants {
			if _, err := d.RunOnce(ctx, tenant, 50); err != nil {
				logger.Warn("delivery dispatch", "tenant", tenant, "err", err)
			}
		}
	}
}

// purgeLoop expires ingest dedupe records past their retention window.
func purgeLoop(ctx context.Context, s *store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := s.PurgeExpiredIngestRecords(ctx, time.Now().UTC())
		if err != nil {
			logger.Warn("ingest purge", "err", err)
			continue
		}
		if n > 0 {
			logger.Info("ingest records purged", "count", n)
		}
	}
}

// loadSigner builds the server event signer. SIGNER_SEED (hex, 32 bytes)
// keeps the key stable across restarts; without it a fresh key is
// generated, which the bootstrap exemption still accepts.
func loadSigner() (settledcrypto.Signer, error) {
	if seedHex := os.Getenv("SIGNER_SEED"); seedHex != "" {
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return nil, fmt.Errorf("decode SIGNER_SEED: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("SIGNER_SEED must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		return settledcrypto.NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), bootstrapKeyID), nil
	}
	return settledcrypto.NewEd25519Signer(bootstrapKeyID)
}

// newHTTPSender posts artifact bodies to each destination's configured URL.
// Destinations without a URL are accepted as delivered, which keeps
// dry-run setups observable through the delivery tables.
func newHTTPSender(destinations []contracts.Destination) workers.Sender {
	urls := make(map[string]string, len(destinations))
	for _, d := range destinations {
		if d.URL != "" {
			urls[d.ID] = d.URL
		}
	}
	client := &http.Client{Timeout: 30 * time.Second}
	return workers.SenderFunc(func(ctx context.Context, d contracts.Delivery, body json.RawMessage) (int, error) {
		url, ok := urls[d.DestinationID]
		if !ok {
			return 0, nil
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Artifact-Id", d.ArtifactID)
		req.Header.Set("X-Artifact-Hash", d.ArtifactHash)
		req.Header.Set("X-Dedupe-Key", d.DedupeKey)
		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return resp.StatusCode, fmt.Errorf("destination %s returned %d", d.DestinationID, resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
