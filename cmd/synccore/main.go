package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/clockutil"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/config"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/crm"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/platform/database"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/platform/logger"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/platform/metrics"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/platform/rediscache"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/platform/sentryreport"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/plan"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/queue"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/reconcile"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/scheduler"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/source"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/stage"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/transform"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting synchronization core", zap.String("config", cfg.String()))

	if err := run(cfg, log); err != nil {
		code := 1
		if domain.IsKind(err, domain.KindStorageCorrupt) {
			code = 2
		}
		log.Error("synchronization core exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(code)
	}

	log.Info("synchronization core stopped")
}

func run(cfg *config.Config, log *zap.Logger) error {
	db, err := database.Open(cfg.Source)
	if err != nil {
		return fmt.Errorf("failed to open source database: %w", err)
	}
	defer database.Close(db)

	lookupCache := rediscache.New(cfg.LookupCache)

	sentryReporter, err := sentryreport.New(cfg.SentryDSN)
	if err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	defer sentryReporter.Flush(5 * time.Second)

	reader := source.New(db, cfg.Source, log)
	transformer := transform.New()
	policy := stage.New(cfg.Stages)
	crmClient := crm.New(cfg.Crm, lookupCache, log)
	reconciler := reconcile.New(crmClient, policy, log, sentryReporter)

	if err := os.MkdirAll(filepath.Dir(cfg.Queue.StorePath), 0o755); err != nil {
		return fmt.Errorf("failed to create queue store directory: %w", err)
	}
	retryQueue, err := queue.Open(cfg.Queue.StorePath, cfg.Queue.MaxQueueSize, cfg.Queue.MaxRetryAttempts, cfg.Crm.RetryDelays, clockutil.System{})
	if err != nil {
		return fmt.Errorf("failed to open retry queue: %w", err)
	}
	defer retryQueue.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.Plan.CachePath), 0o755); err != nil {
		return fmt.Errorf("failed to create plan cache directory: %w", err)
	}
	planCache, err := plan.LoadCache(cfg.Plan.CachePath, cfg.Plan.MaxCacheEntries)
	if err != nil {
		return fmt.Errorf("failed to load plan cache: %w", err)
	}
	projector := plan.New(reader, crmClient, planCache, clockutil.System{}, cfg.Plan.ThrottleInterval, log)

	m, reg := metrics.New()
	metricsServer := metrics.Serve(context.Background(), cfg.MetricsAddr, reg)
	_ = metricsServer

	watermarkPath := filepath.Join(filepath.Dir(cfg.Queue.StorePath), "watermark")

	sched := scheduler.New(
		readerAdapter{reader},
		transformer,
		reconciler,
		retryQueue,
		projector,
		m,
		log,
		cfg.Sync,
		watermarkPath,
		crmLivenessCheck(crmClient),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := sched.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	case err := <-errChan:
		log.Error("scheduler exited with error", zap.Error(err))
		cancel()
	}

	if err := planCache.Flush(); err != nil {
		log.Error("failed to flush plan cache on shutdown", zap.Error(err))
	}

	return nil
}

// readerAdapter narrows *source.Reader to scheduler's sourceReader
// interface, converting *source.Cursor into the scheduler's own
// AppointmentStream interface at the return boundary.
type readerAdapter struct {
	r *source.Reader
}

func (a readerAdapter) Ping(ctx context.Context) error {
	return a.r.Ping(ctx)
}

func (a readerAdapter) ReadSince(ctx context.Context, filialID int, since time.Time) (scheduler.AppointmentStream, error) {
	return a.r.ReadSince(ctx, filialID, since)
}

// crmLivenessCheck issues one harmless read-only CRM call at startup.
// A deal id of "0" will not exist; a CrmValidation response still
// proves the webhook and credentials are reachable, so only a
// transport-level failure is treated as "CRM down".
func crmLivenessCheck(c *crm.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := c.GetDeal(ctx, "0")
		if err == nil || domain.IsKind(err, domain.KindCrmValidation) {
			return nil
		}
		return err
	}
}
