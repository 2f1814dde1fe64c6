// Package stage implements the pure stage-decision function and the
// closed final/protected stage classification. Stage identifiers are
// opaque strings supplied by configuration — this package never
// hard-codes a stage name into a comparison, only into the tests that
// document the default enumeration.
package stage

import (
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/config"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
)

// Preserve is returned by Decide when the current stage must be kept
// as-is rather than replaced.
const Preserve domain.Stage = ""

// Policy decides the target stage for an incoming appointment status,
// given the deal's current stage, and classifies stages as final or
// protected. It holds no state beyond the injected configuration.
type Policy struct {
	cfg config.StageConfig
}

// New builds a Policy from the stage section of Config.
func New(cfg config.StageConfig) *Policy {
	return &Policy{cfg: cfg}
}

// Decide maps the deal's current stage and the appointment's incoming
// status to a target stage. It returns Preserve when the incoming
// status is Completed: the deal keeps whatever stage it is already in,
// or falls back to TREATMENT when there is no current stage (a
// brand-new deal). This rule is load-bearing because it stops a deal a
// human has manually advanced to e.g. PREPAYMENT_INVOICE from being
// pulled back to TREATMENT merely because the appointment is marked
// "done but unpaid".
func (p *Policy) Decide(current domain.Stage, incoming domain.Status) domain.Stage {
	if incoming == domain.StatusCompleted {
		if current != "" {
			return Preserve
		}
		return p.treatmentStage()
	}
	if target, ok := p.cfg.StatusToStage[incoming]; ok {
		return target
	}
	return p.treatmentStage()
}

func (p *Policy) treatmentStage() domain.Stage {
	if target, ok := p.cfg.StatusToStage[domain.StatusInProgress]; ok {
		return target
	}
	return "TREATMENT"
}

// IsFinal reports whether stage is a terminal stage (WON or LOSE by
// default configuration).
func (p *Policy) IsFinal(s domain.Stage) bool {
	return p.cfg.Final[s]
}

// IsProtected reports whether stage must never be overwritten by the
// core. Final stages are always protected; the configuration may name
// additional non-terminal protected stages.
func (p *Policy) IsProtected(s domain.Stage) bool {
	return p.cfg.Protected[s] || p.cfg.Final[s]
}
