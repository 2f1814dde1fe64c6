// Package reconcile implements the per-record decision logic that
// locates existing CRM entities, creates what is missing, and updates
// what stage policy permits.
package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/platform/sentryreport"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/stage"
)

// crmClient abstracts the CRM client so unit tests can substitute a
// fake instead of driving an httptest server.
type crmClient interface {
	BatchFindDealsByExternalID(ctx context.Context, externalIDs []string) (map[string]*domain.Deal, error)
	BatchFindContactsByPhone(ctx context.Context, phones []string) (map[string]*domain.Contact, error)
	BatchFindLeadsByPhone(ctx context.Context, phones []string) (map[string]*domain.Lead, error)
	FindUnboundDealsByContact(ctx context.Context, contactID string, isFinal func(domain.Stage) bool) ([]*domain.Deal, error)
	GetDeal(ctx context.Context, dealID string) (*domain.Deal, error)
	CreateDeal(ctx context.Context, contactID string, rec domain.CanonicalRecord, stage domain.Stage) (string, error)
	CreateContact(ctx context.Context, rec domain.CanonicalRecord) (string, error)
	UpdateDeal(ctx context.Context, dealID string, rec domain.CanonicalRecord, stage domain.Stage) error
	SetExternalID(ctx context.Context, dealID, externalID string) error
	ConvertLeadToDeal(ctx context.Context, leadID string) (domain.ConvertResult, error)
}

// Outcome classifies how a record was reflected into the CRM.
type Outcome int

const (
	OutcomeUpdated Outcome = iota
	OutcomeCreated
	OutcomeSkippedAmbiguous
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpdated:
		return "updated"
	case OutcomeCreated:
		return "created"
	case OutcomeSkippedAmbiguous:
		return "skipped_ambiguous"
	default:
		return "unknown"
	}
}

// entityKind is a closed, finite tag for the kind of CRM entity a
// lookup path resolved to, used by logResolution to record which path
// resolved a record.
type entityKind int

const (
	kindContact entityKind = iota
	kindLead
	kindDeal
)

// Reconciler is the heart of the core. It holds no per-record state;
// every call to Process is independent.
type Reconciler struct {
	client crmClient
	policy *stage.Policy
	logger *zap.Logger
	sentry *sentryreport.Reporter
}

// New builds a Reconciler over any crmClient implementation — in
// production, *crm.Client.
func New(client crmClient, policy *stage.Policy, logger *zap.Logger, sentry *sentryreport.Reporter) *Reconciler {
	return &Reconciler{client: client, policy: policy, logger: logger, sentry: sentry}
}

// Process reflects a single canonical record into the CRM, resolving
// it in order: by external_id, then by phone against an unbound deal,
// then by phone against a lead, then falling back to create. Any step
// that fails returns an error typed for the queue.
// The returned deal id is empty when the outcome is
// OutcomeSkippedAmbiguous, since no deal was touched.
func (r *Reconciler) Process(ctx context.Context, rec domain.CanonicalRecord) (Outcome, string, error) {
	deals, err := r.client.BatchFindDealsByExternalID(ctx, []string{rec.ExternalID})
	if err != nil {
		return 0, "", err
	}
	if deal := deals[rec.ExternalID]; deal != nil {
		r.logResolution(rec.ExternalID, kindDeal, deal.ID)
		outcome, err := r.applyUpdate(ctx, deal, rec, true)
		return outcome, deal.ID, err
	}

	if rec.PatientPhone == "" {
		return r.createFresh(ctx, rec)
	}

	if outcome, deal, handled, err := r.lookupByPhoneUnboundDeal(ctx, rec); err != nil {
		return 0, "", err
	} else if handled {
		if deal == nil {
			return outcome, "", nil
		}
		r.logResolution(rec.ExternalID, kindDeal, deal.ID)
		outcome, err := r.applyUpdate(ctx, deal, rec, true)
		return outcome, deal.ID, err
	}

	if dealID, contactID, ok, err := r.lookupByPhoneLead(ctx, rec); err != nil {
		return 0, "", err
	} else if ok {
		r.logResolution(rec.ExternalID, kindLead, dealID)
		deal := &domain.Deal{ID: dealID, ContactID: contactID, ExternalID: "", Stage: ""}
		outcome, err := r.applyUpdate(ctx, deal, rec, false)
		return outcome, dealID, err
	}

	return r.createFresh(ctx, rec)
}

// logResolution records which of the three closed entity kinds a
// lookup path resolved to, purely for traceability across the state
// machine's branches.
func (r *Reconciler) logResolution(externalID string, kind entityKind, id string) {
	var via string
	switch kind {
	case kindDeal:
		via = "deal"
	case kindLead:
		via = "lead_conversion"
	case kindContact:
		via = "contact"
	}
	r.logger.Debug("reconciler resolved target entity",
		zap.String("external_id", externalID),
		zap.String("via", via),
		zap.String("id", id),
	)
}

// lookupByPhoneUnboundDeal implements path 2: find the contact by
// phone, then that contact's oldest deal without an external_id.
// handled reports whether this path definitively resolved the record
// (either to a single deal, or to an explicit ambiguous-skip); a false
// handled means the caller should fall through to the lead path.
func (r *Reconciler) lookupByPhoneUnboundDeal(ctx context.Context, rec domain.CanonicalRecord) (Outcome, *domain.Deal, bool, error) {
	contacts, err := r.client.BatchFindContactsByPhone(ctx, []string{rec.PatientPhone})
	if err != nil {
		return 0, nil, false, err
	}
	contact := contacts[rec.PatientPhone]
	if contact == nil {
		return 0, nil, false, nil
	}

	candidates, err := r.findUnboundDealsForContact(ctx, contact.ID)
	if err != nil {
		return 0, nil, false, err
	}

	switch len(candidates) {
	case 0:
		return 0, nil, false, nil
	case 1:
		return 0, candidates[0], true, nil
	default:
		r.logger.Warn("auto-bind skipped: contact has multiple unbound deals",
			zap.String("external_id", rec.ExternalID),
			zap.String("contact_id", contact.ID),
			zap.Int("candidate_count", len(candidates)),
		)
		if r.sentry != nil {
			r.sentry.Warning(domain.KindAutoBindAmbiguous.String(), rec.ExternalID, "auto-bind ambiguous: multiple unbound deals on contact")
		}
		return OutcomeSkippedAmbiguous, nil, true, nil
	}
}

// findUnboundDealsForContact is a thin façade over a direct CRM list
// call rather than the batch primitive, since this query is keyed by a
// single contact id, unlike the coalesced finders which are keyed by the
// record's own identity. Final-stage deals are dropped by the client
// from the listed result, using the policy's IsFinal.
func (r *Reconciler) findUnboundDealsForContact(ctx context.Context, contactID string) ([]*domain.Deal, error) {
	return r.client.FindUnboundDealsByContact(ctx, contactID, r.policy.IsFinal)
}

// lookupByPhoneLead implements path 3: find a lead by phone and, if it
// is not in a final status, convert it. A freshly-converted deal is
// treated as needing no stage protection, since it was created by this
// very call.
func (r *Reconciler) lookupByPhoneLead(ctx context.Context, rec domain.CanonicalRecord) (dealID, contactID string, ok bool, err error) {
	leads, err := r.client.BatchFindLeadsByPhone(ctx, []string{rec.PatientPhone})
	if err != nil {
		return "", "", false, err
	}
	lead := leads[rec.PatientPhone]
	if lead == nil {
		return "", "", false, nil
	}

	result, err := r.client.ConvertLeadToDeal(ctx, lead.ID)
	if err != nil {
		return "", "", false, err
	}
	r.logger.Info("lead converted to deal",
		zap.String("external_id", rec.ExternalID),
		zap.String("lead_id", lead.ID),
		zap.String("deal_id", result.DealID),
	)
	return result.DealID, result.ContactID, true, nil
}

// createFresh implements path 4: create a contact if none matches the
// phone, then a new deal carrying the external_id.
func (r *Reconciler) createFresh(ctx context.Context, rec domain.CanonicalRecord) (Outcome, string, error) {
	contactID, err := r.resolveOrCreateContact(ctx, rec)
	if err != nil {
		return 0, "", err
	}
	r.logResolution(rec.ExternalID, kindContact, contactID)

	targetStage := r.policy.Decide("", rec.TargetStatus)
	dealID, err := r.client.CreateDeal(ctx, contactID, rec, targetStage)
	if err != nil {
		return 0, "", err
	}
	return OutcomeCreated, dealID, nil
}

func (r *Reconciler) resolveOrCreateContact(ctx context.Context, rec domain.CanonicalRecord) (string, error) {
	if rec.PatientPhone != "" {
		contacts, err := r.client.BatchFindContactsByPhone(ctx, []string{rec.PatientPhone})
		if err != nil {
			return "", err
		}
		if contact := contacts[rec.PatientPhone]; contact != nil {
			return contact.ID, nil
		}
	}
	return r.client.CreateContact(ctx, rec)
}

// applyUpdate applies the stage-protection rules to an existing deal.
// requireStageRead is true on the auto-bind path, where the reconciler
// must re-read the deal's current stage before touching it — a failed
// read there is a critical safety failure and must not proceed with
// any update.
func (r *Reconciler) applyUpdate(ctx context.Context, deal *domain.Deal, rec domain.CanonicalRecord, requireStageRead bool) (Outcome, error) {
	current := deal.Stage
	if requireStageRead {
		fresh, err := r.client.GetDeal(ctx, deal.ID)
		if err != nil {
			if r.sentry != nil {
				r.sentry.Warning(domain.KindStageReadFailed.String(), rec.ExternalID, "stage read failed before auto-bind update")
			}
			return 0, domain.NewError(domain.KindStageReadFailed, fmt.Sprintf("could not verify current stage before auto-bind update on deal %s", deal.ID), err)
		}
		current = fresh.Stage
	}

	switch {
	case r.policy.IsFinal(current):
		if deal.ExternalID == "" {
			if err := r.client.SetExternalID(ctx, deal.ID, rec.ExternalID); err != nil {
				return 0, err
			}
		}
		return OutcomeUpdated, nil

	case r.policy.IsProtected(current):
		if err := r.client.UpdateDeal(ctx, deal.ID, rec, ""); err != nil {
			return 0, err
		}
		return OutcomeUpdated, nil

	default:
		target := r.policy.Decide(current, rec.TargetStatus)
		if target == stage.Preserve {
			target = current
		}
		if err := r.client.UpdateDeal(ctx, deal.ID, rec, target); err != nil {
			return 0, err
		}
		return OutcomeUpdated, nil
	}
}
