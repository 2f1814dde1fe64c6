package plan

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/clockutil"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
)

type fakePlanReader struct {
	lines []domain.TreatmentPlanLine
	err   error
}

func (f *fakePlanReader) ReadPlanLines(_ context.Context, _ int64) ([]domain.TreatmentPlanLine, error) {
	return f.lines, f.err
}

type fakePlanCrm struct {
	calls int
	err   error
}

func (f *fakePlanCrm) UpdateDealPlan(_ context.Context, _ string, _ string, _ uint64) error {
	f.calls++
	return f.err
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := LoadCache(filepath.Join(t.TempDir(), "plan_cache.store"), 100)
	require.NoError(t, err)
	return c
}

func TestApply_PushesPlanOnFirstSight(t *testing.T) {
	reader := &fakePlanReader{lines: []domain.TreatmentPlanLine{{LineID: 1, Name: "Exam", Count: 1, UnitPrice: 1000}}}
	crm := &fakePlanCrm{}
	clock := clockutil.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := New(reader, crm, newTestCache(t), clock, 30*time.Minute, zap.NewNop())

	p.Apply(context.Background(), "F1_1", "d1", 5)

	assert.Equal(t, 1, crm.calls)
}

func TestApply_SkipsWhenHashUnchanged(t *testing.T) {
	reader := &fakePlanReader{lines: []domain.TreatmentPlanLine{{LineID: 1, Name: "Exam", Count: 1, UnitPrice: 1000}}}
	crm := &fakePlanCrm{}
	clock := clockutil.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := New(reader, crm, newTestCache(t), clock, 30*time.Minute, zap.NewNop())

	p.Apply(context.Background(), "F1_1", "d1", 5)
	clock.Advance(time.Hour)
	p.Apply(context.Background(), "F1_1", "d1", 5)

	assert.Equal(t, 1, crm.calls, "an unchanged plan must never trigger a second CRM call")
}

func TestApply_SkipsWithinThrottleWindowEvenIfHashChanged(t *testing.T) {
	reader := &fakePlanReader{lines: []domain.TreatmentPlanLine{{LineID: 1, Name: "Exam", Count: 1, UnitPrice: 1000}}}
	crm := &fakePlanCrm{}
	clock := clockutil.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := New(reader, crm, newTestCache(t), clock, 30*time.Minute, zap.NewNop())

	p.Apply(context.Background(), "F1_1", "d1", 5)

	reader.lines = []domain.TreatmentPlanLine{{LineID: 1, Name: "Exam", Count: 2, UnitPrice: 1000}}
	clock.Advance(5 * time.Minute)
	p.Apply(context.Background(), "F1_1", "d1", 5)

	assert.Equal(t, 1, crm.calls, "a changed hash inside the throttle window must still be suppressed")
}

func TestApply_AppliesAgainAfterThrottleWindowWhenHashChanged(t *testing.T) {
	reader := &fakePlanReader{lines: []domain.TreatmentPlanLine{{LineID: 1, Name: "Exam", Count: 1, UnitPrice: 1000}}}
	crm := &fakePlanCrm{}
	clock := clockutil.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := New(reader, crm, newTestCache(t), clock, 30*time.Minute, zap.NewNop())

	p.Apply(context.Background(), "F1_1", "d1", 5)

	reader.lines = []domain.TreatmentPlanLine{{LineID: 1, Name: "Exam", Count: 2, UnitPrice: 1000}}
	clock.Advance(31 * time.Minute)
	p.Apply(context.Background(), "F1_1", "d1", 5)

	assert.Equal(t, 2, crm.calls)
}

func TestApply_ReaderErrorIsSwallowedAndNeverPanics(t *testing.T) {
	reader := &fakePlanReader{err: assert.AnError}
	crm := &fakePlanCrm{}
	clock := clockutil.NewFixed(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p := New(reader, crm, newTestCache(t), clock, 30*time.Minute, zap.NewNop())

	p.Apply(context.Background(), "F1_1", "d1", 5)

	assert.Equal(t, 0, crm.calls)
}
