// Package transform implements the pure Appointment -> CanonicalRecord
// conversion. Every function here is side-effect-free: no I/O, no
// logging (the caller logs rejections), so it can be exercised with
// plain table-driven tests.
package transform

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
)

// servicesSummaryLimit caps the rendered services description at 3000
// characters.
const servicesSummaryLimit = 3000

// minSignificantDigits is the shortest digit string PhoneNormalize will
// accept before giving up and returning empty.
const minSignificantDigits = 10

// phoneRegionHint is the default region used to parse phone numbers
// that arrive without an explicit country code; this clinic's patient
// base is overwhelmingly Russian numbers.
const phoneRegionHint = "RU"

// Transformer converts appointments into canonical records. It holds no
// mutable state; a zero-value Transformer is ready to use.
type Transformer struct{}

// New builds a Transformer.
func New() *Transformer {
	return &Transformer{}
}

// Transform converts one appointment row into a CanonicalRecord. It
// returns a DataQuality SyncError when the row cannot be made into a
// valid CanonicalRecord;
// such errors are counted and dropped by the caller, never enqueued,
// because retrying will not change a malformed input.
func (t *Transformer) Transform(a domain.Appointment) (domain.CanonicalRecord, error) {
	externalID := ExternalID(a.FilialID, a.RowID)
	if externalID == "" {
		return domain.CanonicalRecord{}, domain.NewError(domain.KindDataQuality, "empty external id", nil)
	}

	name := strings.TrimSpace(a.PatientFullName)
	if name == "" {
		return domain.CanonicalRecord{}, domain.NewError(domain.KindDataQuality, fmt.Sprintf("%s: empty patient name", externalID), nil)
	}

	rec := domain.CanonicalRecord{
		ExternalID:          externalID,
		PatientFullName:     name,
		PatientPhone:        NormalizePhone(a.PatientPhone),
		DoctorName:          strings.TrimSpace(a.DoctorName),
		PlannedStart:        a.PlannedStart,
		ServicesSummary:     truncateSummary(a.ServicesSummary),
		TotalAmount:         a.TotalAmount,
		TargetStatus:        a.Status,
		SourceTimestampsMax: a.MaxMarker(),
	}

	return rec, nil
}

// ExternalID renders the join key between a source appointment and its
// CRM deal: "F{filial_id}_{row_id}", stable forever per the glossary.
func ExternalID(filialID int, rowID int64) string {
	if filialID <= 0 || rowID <= 0 {
		return ""
	}
	return fmt.Sprintf("F%d_%d", filialID, rowID)
}

// NormalizePhone renders phone to a leading '+' digits-only form. If it
// cannot produce a number with at least minSignificantDigits digits, it
// returns empty so that phone-based lookup paths are skipped entirely.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	parsed, err := phonenumbers.Parse(raw, phoneRegionHint)
	if err == nil && phonenumbers.IsPossibleNumber(parsed) {
		formatted := phonenumbers.Format(parsed, phonenumbers.E164)
		if len(digitsOnly(formatted)) >= minSignificantDigits {
			return formatted
		}
	}

	// Fall back to a digits-only heuristic for numbers the library
	// can't place a region on (e.g. a fragment with no valid prefix).
	digits := digitsOnly(raw)
	if strings.HasPrefix(digits, "8") && len(digits) == 11 {
		digits = "7" + digits[1:]
	}
	if len(digits) == 10 {
		digits = "7" + digits
	}
	if len(digits) < minSignificantDigits {
		return ""
	}
	return "+" + digits
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// truncateSummary caps the services summary at servicesSummaryLimit
// runes, appending an ellipsis marker when truncated.
func truncateSummary(s string) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= servicesSummaryLimit {
		return string(runes)
	}
	return string(runes[:servicesSummaryLimit]) + "…"
}
