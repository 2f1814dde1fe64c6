package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
)

func TestRender_SortsByLineIDRegardlessOfInputOrder(t *testing.T) {
	a := []domain.TreatmentPlanLine{
		{LineID: 2, Name: "Filling", Count: 1, UnitPrice: 3000},
		{LineID: 1, Name: "Exam", Count: 1, UnitPrice: 1500},
	}
	b := []domain.TreatmentPlanLine{
		{LineID: 1, Name: "Exam", Count: 1, UnitPrice: 1500},
		{LineID: 2, Name: "Filling", Count: 1, UnitPrice: 3000},
	}

	assert.Equal(t, Render(a), Render(b))
}

func TestRender_FormatsCountAndTotalPerLineWithFooter(t *testing.T) {
	lines := []domain.TreatmentPlanLine{
		{LineID: 1, Name: "Cleaning", Count: 2, UnitPrice: 1000, Discount: 200},
	}
	out := Render(lines)
	assert.Contains(t, out, "2× Cleaning — 1800.00")
	assert.Contains(t, out, "Total: 1800.00")
}

func TestRender_EmptyPlanRendersJustTheZeroFooter(t *testing.T) {
	out := Render(nil)
	assert.Equal(t, "Total: 0.00", out)
}
