package plan

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/clockutil"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
)

// planReader is the subset of internal/source.Reader the projector
// needs, kept narrow so tests can substitute a fake instead of driving
// a database.
type planReader interface {
	ReadPlanLines(ctx context.Context, appointmentRowID int64) ([]domain.TreatmentPlanLine, error)
}

// planCrm is the subset of internal/crm.Client the projector needs.
type planCrm interface {
	UpdateDealPlan(ctx context.Context, dealID, renderedPlan string, hash uint64) error
}

// Projector runs out-of-band per appointment, at most once per
// throttle window. Its errors are always logged and never returned to
// the reconciliation path — a stale plan projection is never worth
// failing a sync cycle over.
type Projector struct {
	reader    planReader
	crm       planCrm
	cache     *Cache
	clock     clockutil.Clock
	throttle  time.Duration
	logger    *zap.Logger
}

// New builds a Projector. throttle is the minimum interval between two
// applied projections for the same external id, regardless of whether
// the underlying plan changed in between.
func New(reader planReader, crm planCrm, cache *Cache, clock clockutil.Clock, throttle time.Duration, logger *zap.Logger) *Projector {
	return &Projector{reader: reader, crm: crm, cache: cache, clock: clock, throttle: throttle, logger: logger}
}

// Apply reads, renders, and — if changed and outside the throttle
// window — pushes the plan for a single appointment. Any failure is
// logged as a warning and swallowed; the caller should not branch on
// this beyond observing it happened.
func (p *Projector) Apply(ctx context.Context, externalID, dealID string, appointmentRowID int64) {
	if err := p.apply(ctx, externalID, dealID, appointmentRowID); err != nil {
		p.logger.Warn("plan projection failed",
			zap.String("external_id", externalID),
			zap.String("deal_id", dealID),
			zap.Error(err),
		)
	}
}

func (p *Projector) apply(ctx context.Context, externalID, dealID string, appointmentRowID int64) error {
	lines, err := p.reader.ReadPlanLines(ctx, appointmentRowID)
	if err != nil {
		return err
	}

	rendered := Render(lines)
	hash := xxhash.Sum64String(rendered)

	now := p.clock.Now()
	if existing, ok := p.cache.Get(externalID); ok {
		if existing.LastHash == hash {
			return nil
		}
		if now.Sub(existing.LastAppliedAt) < p.throttle {
			return nil
		}
	}

	if err := p.crm.UpdateDealPlan(ctx, dealID, rendered, hash); err != nil {
		return err
	}

	return p.cache.Put(Entry{
		ExternalID:    externalID,
		DealID:        dealID,
		LastHash:      hash,
		LastAppliedAt: now,
	})
}
