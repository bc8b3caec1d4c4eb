// Command dalston-orchestrator runs the control-plane daemon: the DAG
// orchestrator, the leader-elected recovery scanner, the retention cleanup
// worker, and the webhook delivery scheduler.
//
// # Configuration
//
// Environment variables (see the config package for the full list):
//
//	DATABASE_URL      - Postgres DSN
//	REDIS_ADDR        - Redis address (default: "localhost:6379")
//	S3_BUCKET         - artifact store bucket (default: "dalston-artifacts")
//	S3_ENDPOINT_URL   - optional S3-compatible endpoint (MinIO etc.)
//	WEBHOOK_SECRET    - HMAC secret for per-job webhooks
//	SCAN_INTERVAL     - recovery scan interval (default: "1m")
//	CLEANUP_INTERVAL  - retention sweep interval (default: "5m")
//	DALSTON_CONFIG    - optional YAML config file applied before env
//
// Multiple instances may run side by side: the scanner elects one leader per
// sweep, the delivery scheduler relies on skip-locked row claims, and the
// orchestrator serializes per job on row locks.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"dalston.dev/dalston/audit"
	"dalston.dev/dalston/blob"
	"dalston.dev/dalston/config"
	"dalston.dev/dalston/delivery"
	"dalston.dev/dalston/events"
	"dalston.dev/dalston/orchestrator"
	"dalston.dev/dalston/queue"
	"dalston.dev/dalston/retention"
	"dalston.dev/dalston/scanner"
	"dalston.dev/dalston/settings"
	"dalston.dev/dalston/store/postgres"
	"dalston.dev/dalston/telemetry"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logOpts := []log.LogOption{log.WithFormat(log.FormatJSON)}
	if cfg.LogDebug {
		logOpts = append(logOpts, log.WithDebug())
	}
	ctx := log.Context(context.Background(), logOpts...)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	if cfg.UsingDefaultWebhookSecret() {
		logger.Warn(ctx, "using default webhook secret; set WEBHOOK_SECRET for production")
	}

	// Backing stores.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.Tenants().EnsureDefault(ctx); err != nil {
		return err
	}

	blobs, err := blob.NewS3Store(ctx, blob.S3Config{
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		return err
	}

	// Shared plumbing.
	q := queue.New(rdb, queue.WithLogger(logger), queue.WithMetrics(metrics))
	bus := events.NewBus(rdb, logger)
	recorder := audit.NewRecorder(db.Audit(), logger, metrics)
	policies := retention.NewService(db)

	settingsSvc, err := settings.NewService(ctx, db, rdb, logger)
	if err != nil {
		return err
	}
	defer settingsSvc.Close()

	sender := delivery.NewHTTPSender()
	scheduler := delivery.NewScheduler(db, sender, cfg.WebhookSecret,
		delivery.WithPollInterval(cfg.DeliveryPollInterval),
		delivery.WithTelemetry(logger, metrics),
		delivery.WithAudit(recorder))

	orch := orchestrator.New(db, q, bus, blobs, cfg.S3Bucket, scheduler, policies,
		orchestrator.WithTelemetry(logger, metrics),
		orchestrator.WithDispatchPolicy(settingsSvc))

	sweep := scanner.New(q, db, bus, settingsSvc,
		scanner.WithScanInterval(cfg.ScanInterval),
		scanner.WithTelemetry(logger, metrics))

	cleanup := retention.NewCleanupWorker(db, blobs, recorder,
		retention.WithCleanupInterval(cfg.CleanupInterval),
		retention.WithCleanupBatchSize(cfg.CleanupBatchSize),
		retention.WithCleanupTelemetry(logger, metrics))

	logger.Info(ctx, "control plane starting",
		"redis", cfg.RedisAddr, "bucket", cfg.S3Bucket,
		"scan_interval", cfg.ScanInterval.String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return sweep.Run(ctx) })
	g.Go(func() error { return cleanup.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	return g.Wait()
}
