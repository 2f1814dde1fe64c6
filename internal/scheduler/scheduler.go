// Package scheduler drives the synchronization core's top-level loop:
// drain the retry queue, stream the source reader, reconcile each
// record into the CRM, advance the watermark, and project treatment
// plans opportunistically. It exposes the familiar Start/Stop lifecycle
// of a long-running service, ticked by a cron `@every` expression
// rather than driven by inbound events.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/config"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/platform/metrics"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/queue"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/reconcile"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/transform"
)

// AppointmentStream is satisfied by *source.Cursor; kept as a narrow
// interface here so a cycle can be exercised in tests without a
// database.
type AppointmentStream interface {
	Next() bool
	Scan() (domain.Appointment, error)
	Err() error
	Close() error
}

// sourceReader is the subset of *source.Reader the scheduler drives.
type sourceReader interface {
	Ping(ctx context.Context) error
	ReadSince(ctx context.Context, filialID int, since time.Time) (AppointmentStream, error)
}

// recordReconciler is the subset of *reconcile.Reconciler the
// scheduler drives.
type recordReconciler interface {
	Process(ctx context.Context, rec domain.CanonicalRecord) (reconcile.Outcome, string, error)
}

// retryQueue is the subset of *queue.Queue the scheduler drives.
type retryQueue interface {
	Enqueue(ctx context.Context, externalID string, snapshot domain.CanonicalRecord) error
	Due(ctx context.Context, now time.Time) ([]queue.Item, error)
	MarkSuccess(ctx context.Context, externalID string) error
	MarkFailure(ctx context.Context, externalID string, cause error) error
	Prune(ctx context.Context) ([]string, error)
	Size(ctx context.Context) (int, error)
}

// planProjector is the subset of *plan.Projector the scheduler drives.
type planProjector interface {
	Apply(ctx context.Context, externalID, dealID string, appointmentRowID int64)
}

// Scheduler owns the cycle loop. It holds no per-record state between
// cycles beyond the watermark, which is reloaded from disk at Start
// and persisted after every cycle that advances it.
type Scheduler struct {
	reader        sourceReader
	transformer   *transform.Transformer
	reconciler    recordReconciler
	queue         retryQueue
	projector     planProjector
	metrics       *metrics.Metrics
	logger        *zap.Logger
	cfg           config.SyncConfig
	watermarkPath string

	// livenessCheck is an optional harmless CRM call run once at
	// startup. A nil value skips the CRM half of the liveness probe.
	livenessCheck func(ctx context.Context) error

	watermark time.Time
	cron      *cron.Cron
}

// New builds a Scheduler. watermarkPath names the single-line
// ISO-8601 state file that tracks sync progress across restarts.
func New(
	reader sourceReader,
	transformer *transform.Transformer,
	reconciler recordReconciler,
	q retryQueue,
	projector planProjector,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg config.SyncConfig,
	watermarkPath string,
	livenessCheck func(ctx context.Context) error,
) *Scheduler {
	return &Scheduler{
		reader:        reader,
		transformer:   transformer,
		reconciler:    reconciler,
		queue:         q,
		projector:     projector,
		metrics:       m,
		logger:        logger,
		cfg:           cfg,
		watermarkPath: watermarkPath,
		livenessCheck: livenessCheck,
	}
}

// Start loads the watermark, probes liveness, runs one cycle
// immediately, then schedules subsequent cycles every
// interval_minutes via a cron `@every` expression until ctx is
// cancelled. It blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	watermark, found, err := loadWatermark(s.watermarkPath)
	if err != nil {
		return fmt.Errorf("failed to load watermark: %w", err)
	}
	if !found {
		watermark = time.Now().Add(-time.Duration(s.cfg.InitialSyncDays) * 24 * time.Hour)
		s.logger.Info("no watermark found, starting from initial sync window",
			zap.Time("watermark", watermark),
			zap.Int("initial_sync_days", s.cfg.InitialSyncDays),
		)
	}
	s.watermark = watermark

	s.probeLiveness(ctx)

	s.RunCycle(ctx)

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %dm", s.cfg.IntervalMinutes)
	if _, err := s.cron.AddFunc(spec, func() { s.RunCycle(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule cycle: %w", err)
	}
	s.cron.Start()

	<-ctx.Done()
	return s.Stop()
}

// Stop halts the cron scheduler and waits for any in-flight cycle to
// finish rather than interrupting a record mid-reconciliation.
func (s *Scheduler) Stop() error {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}
	return nil
}

// probeLiveness pings the source and, if configured, issues one
// harmless CRM call. Either failing is logged, never fatal: the
// failure mode is "transient source/CRM down", handled by the normal
// retry machinery once the cycle loop starts.
func (s *Scheduler) probeLiveness(ctx context.Context) {
	if err := s.reader.Ping(ctx); err != nil {
		s.logger.Warn("source liveness probe failed at startup", zap.Error(err))
	}
	if s.livenessCheck != nil {
		if err := s.livenessCheck(ctx); err != nil {
			s.logger.Warn("crm liveness probe failed at startup", zap.Error(err))
		}
	}
}

// RunCycle executes one full cycle: drain the retry queue, then stream
// fresh records. The watermark advances to the latest marker among rows
// that succeeded, were skipped as ambiguous, or were dropped for data
// quality; a row whose reconciliation failed is enqueued and its marker
// does not move the watermark.
func (s *Scheduler) RunCycle(ctx context.Context) {
	start := time.Now()
	s.drainQueue(ctx)

	candidateWatermark := s.watermark
	attempted, succeeded, enqueued, dataQuality := 0, 0, 0, 0

	stream, err := s.reader.ReadSince(ctx, s.cfg.FilialID, s.watermark)
	if err != nil {
		s.logger.Error("read_since failed; watermark not advanced this cycle", zap.Error(err))
		return
	}
	defer stream.Close()

	for stream.Next() {
		appt, err := stream.Scan()
		if err != nil {
			s.logger.Error("failed to scan appointment row", zap.Error(err))
			continue
		}

		attempted++
		s.metrics.Attempted.Inc()

		rec, err := s.transformer.Transform(appt)
		if err != nil {
			dataQuality++
			s.metrics.DataQuality.Inc()
			s.logger.Warn("dropped appointment for data quality", zap.Error(err))
			if m := appt.MaxMarker(); m.After(candidateWatermark) {
				candidateWatermark = m
			}
			continue
		}

		recordStart := time.Now()
		outcome, dealID, err := s.reconciler.Process(ctx, rec)
		s.metrics.ReconcileLatency.Observe(time.Since(recordStart).Seconds())

		switch {
		case err != nil:
			enqueued++
			s.metrics.Enqueued.Inc()
			if qerr := s.queue.Enqueue(ctx, rec.ExternalID, rec); qerr != nil {
				s.logger.Error("failed to enqueue failed record", zap.String("external_id", rec.ExternalID), zap.Error(qerr))
			}
			s.logger.Warn("record enqueued for retry", zap.String("external_id", rec.ExternalID), zap.Error(err))

		case outcome == reconcile.OutcomeSkippedAmbiguous:
			// Ambiguity will not resolve itself on retry; treat like a
			// handled row for watermark purposes, same reasoning as a
			// data-quality drop.
			if rec.SourceTimestampsMax.After(candidateWatermark) {
				candidateWatermark = rec.SourceTimestampsMax
			}

		default:
			succeeded++
			s.metrics.Succeeded.Inc()
			if rec.SourceTimestampsMax.After(candidateWatermark) {
				candidateWatermark = rec.SourceTimestampsMax
			}
			if dealID != "" {
				s.projector.Apply(ctx, rec.ExternalID, dealID, appt.RowID)
			}
		}
	}
	if err := stream.Err(); err != nil {
		s.logger.Error("stream iteration failed mid-cycle", zap.Error(err))
	}

	if candidateWatermark.After(s.watermark) {
		if err := saveWatermark(s.watermarkPath, candidateWatermark); err != nil {
			s.logger.Error("failed to persist watermark", zap.Error(err))
		} else {
			s.watermark = candidateWatermark
		}
	}

	if size, err := s.queue.Size(ctx); err == nil {
		s.metrics.QueueDepth.Set(float64(size))
	}
	if dead, err := s.queue.Prune(ctx); err == nil && len(dead) > 0 {
		s.logger.Warn("dropped exhausted retry items", zap.Strings("external_ids", dead))
	}

	s.logger.Info("cycle complete",
		zap.Int("attempted", attempted),
		zap.Int("succeeded", succeeded),
		zap.Int("enqueued", enqueued),
		zap.Int("data_quality_dropped", dataQuality),
		zap.Duration("cycle_duration", time.Since(start)),
	)
}

// drainQueue replays every due retry item through the reconciler
// before processing fresh records for this cycle.
func (s *Scheduler) drainQueue(ctx context.Context) {
	items, err := s.queue.Due(ctx, time.Now())
	if err != nil {
		s.logger.Error("failed to load due retry items", zap.Error(err))
		return
	}

	for _, item := range items {
		// A retried snapshot carries no appointment row id, so plan
		// projection for it is left to the record's next fresh-record
		// cycle rather than re-fetched here.
		_, _, err := s.reconciler.Process(ctx, item.Snapshot)
		if err != nil {
			if merr := s.queue.MarkFailure(ctx, item.ExternalID, err); merr != nil {
				s.logger.Error("failed to record retry failure", zap.String("external_id", item.ExternalID), zap.Error(merr))
			}
			continue
		}

		if serr := s.queue.MarkSuccess(ctx, item.ExternalID); serr != nil {
			s.logger.Error("failed to clear retry item after success", zap.String("external_id", item.ExternalID), zap.Error(serr))
		}
	}
}
