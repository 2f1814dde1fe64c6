// Package plan projects an appointment's treatment plan into the CRM
// deal's plan field, at most once per throttle window per external id.
// Rendering uses a stable per-line format with a grand-total footer;
// the applied-state cache follows a bounded, timestamp-evicted shape.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
)

// Render produces a deterministic multi-line rendering of a treatment
// plan: one line per item sorted by line id, each formatted
// "{count}× {name} — {total}", with a grand-total footer. Two calls
// with the same (possibly reordered) lines always render identically,
// which is what makes hash comparison meaningful.
func Render(lines []domain.TreatmentPlanLine) string {
	sorted := make([]domain.TreatmentPlanLine, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LineID < sorted[j].LineID })

	var b strings.Builder
	var total float64
	for _, line := range sorted {
		lineTotal := line.LineTotal()
		total += lineTotal
		fmt.Fprintf(&b, "%s× %s — %s\n", formatCount(line.Count), line.Name, formatAmount(lineTotal))
	}
	fmt.Fprintf(&b, "Total: %s", formatAmount(total))
	return b.String()
}

func formatCount(count float64) string {
	if count == float64(int64(count)) {
		return fmt.Sprintf("%d", int64(count))
	}
	return fmt.Sprintf("%g", count)
}

func formatAmount(amount float64) string {
	return fmt.Sprintf("%.2f", amount)
}
