package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/config"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/platform/metrics"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/queue"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/reconcile"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/transform"
)

type fakeStream struct {
	rows []domain.Appointment
	pos  int
}

func (f *fakeStream) Next() bool {
	f.pos++
	return f.pos <= len(f.rows)
}

func (f *fakeStream) Scan() (domain.Appointment, error) {
	return f.rows[f.pos-1], nil
}

func (f *fakeStream) Err() error   { return nil }
func (f *fakeStream) Close() error { return nil }

type fakeReader struct {
	stream  *fakeStream
	pingErr error
}

func (f *fakeReader) Ping(context.Context) error { return f.pingErr }

func (f *fakeReader) ReadSince(context.Context, int, time.Time) (AppointmentStream, error) {
	return f.stream, nil
}

type fakeReconciler struct {
	outcome reconcile.Outcome
	dealID  string
	err     error
	calls   []domain.CanonicalRecord
}

func (f *fakeReconciler) Process(_ context.Context, rec domain.CanonicalRecord) (reconcile.Outcome, string, error) {
	f.calls = append(f.calls, rec)
	return f.outcome, f.dealID, f.err
}

type fakeQueue struct {
	enqueued []string
	due      []queue.Item
}

func (f *fakeQueue) Enqueue(_ context.Context, externalID string, _ domain.CanonicalRecord) error {
	f.enqueued = append(f.enqueued, externalID)
	return nil
}
func (f *fakeQueue) Due(context.Context, time.Time) ([]queue.Item, error) { return f.due, nil }
func (f *fakeQueue) MarkSuccess(context.Context, string) error            { return nil }
func (f *fakeQueue) MarkFailure(context.Context, string, error) error     { return nil }
func (f *fakeQueue) Prune(context.Context) ([]string, error)              { return nil, nil }
func (f *fakeQueue) Size(context.Context) (int, error)                    { return len(f.due), nil }

type fakeProjector struct {
	calls int
}

func (f *fakeProjector) Apply(context.Context, string, string, int64) {
	f.calls++
}

func testAppointment(t time.Time) domain.Appointment {
	return domain.Appointment{
		FilialID:        1,
		RowID:           5,
		PatientFullName: "Ivanov Ivan",
		PatientPhone:    "+79161234567",
		Status:          domain.StatusInProgress,
		ChangedAt:       &t,
	}
}

func newTestScheduler(t *testing.T, reader *fakeReader, rec *fakeReconciler, q *fakeQueue, proj *fakeProjector) (*Scheduler, string) {
	t.Helper()
	m, _ := metrics.New()
	watermarkPath := t.TempDir() + "/watermark"
	sched := New(reader, transform.New(), rec, q, proj, m, zap.NewNop(), config.SyncConfig{
		IntervalMinutes: 2,
		BatchSize:       50,
		InitialSyncDays: 30,
		FilialID:        1,
	}, watermarkPath, nil)
	return sched, watermarkPath
}

func TestRunCycle_SuccessfulRecordAdvancesWatermarkAndTriggersProjection(t *testing.T) {
	changed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{stream: &fakeStream{rows: []domain.Appointment{testAppointment(changed)}}}
	rec := &fakeReconciler{outcome: reconcile.OutcomeUpdated, dealID: "d1"}
	q := &fakeQueue{}
	proj := &fakeProjector{}

	sched, watermarkPath := newTestScheduler(t, reader, rec, q, proj)
	sched.watermark = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	sched.RunCycle(context.Background())

	assert.Len(t, rec.calls, 1)
	assert.Equal(t, 1, proj.calls)
	assert.Empty(t, q.enqueued)

	persisted, found, err := loadWatermark(watermarkPath)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, persisted.Equal(changed))
}

func TestRunCycle_FailedRecordEnqueuesAndDoesNotAdvanceWatermark(t *testing.T) {
	changed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{stream: &fakeStream{rows: []domain.Appointment{testAppointment(changed)}}}
	rec := &fakeReconciler{err: errors.New("crm down")}
	q := &fakeQueue{}
	proj := &fakeProjector{}

	sched, watermarkPath := newTestScheduler(t, reader, rec, q, proj)
	sched.watermark = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	sched.RunCycle(context.Background())

	assert.Equal(t, []string{"F1_5"}, q.enqueued)
	assert.Equal(t, 0, proj.calls)

	persisted, found, err := loadWatermark(watermarkPath)
	require.NoError(t, err)
	require.False(t, found, "an enqueued-but-not-succeeded record must not advance the watermark")
	assert.True(t, persisted.IsZero())
}

func TestRunCycle_AmbiguousSkipNeverEnqueuesButStillAdvancesWatermark(t *testing.T) {
	changed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reader := &fakeReader{stream: &fakeStream{rows: []domain.Appointment{testAppointment(changed)}}}
	rec := &fakeReconciler{outcome: reconcile.OutcomeSkippedAmbiguous}
	q := &fakeQueue{}
	proj := &fakeProjector{}

	sched, watermarkPath := newTestScheduler(t, reader, rec, q, proj)
	sched.watermark = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	sched.RunCycle(context.Background())

	assert.Empty(t, q.enqueued)
	assert.Equal(t, 0, proj.calls)

	persisted, found, err := loadWatermark(watermarkPath)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, persisted.Equal(changed))
}

func TestRunCycle_DataQualityFailureIsDroppedNotEnqueued(t *testing.T) {
	changed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	bad := testAppointment(changed)
	bad.PatientFullName = "   "
	reader := &fakeReader{stream: &fakeStream{rows: []domain.Appointment{bad}}}
	rec := &fakeReconciler{}
	q := &fakeQueue{}
	proj := &fakeProjector{}

	sched, _ := newTestScheduler(t, reader, rec, q, proj)
	sched.watermark = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	sched.RunCycle(context.Background())

	assert.Empty(t, rec.calls, "a data-quality-rejected row must never reach the reconciler")
	assert.Empty(t, q.enqueued)
}

func TestRunCycle_DrainsDueQueueItemsBeforeFreshRecords(t *testing.T) {
	reader := &fakeReader{stream: &fakeStream{}}
	rec := &fakeReconciler{outcome: reconcile.OutcomeUpdated, dealID: "d2"}
	q := &fakeQueue{due: []queue.Item{{ExternalID: "F1_9", Snapshot: domain.CanonicalRecord{ExternalID: "F1_9"}}}}
	proj := &fakeProjector{}

	sched, _ := newTestScheduler(t, reader, rec, q, proj)

	sched.RunCycle(context.Background())

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "F1_9", rec.calls[0].ExternalID)
}
