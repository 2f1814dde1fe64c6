package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
)

func sampleAppointment() domain.Appointment {
	planned := time.Date(2026, 8, 10, 9, 0, 0, 0, time.UTC)
	changedAt := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	return domain.Appointment{
		FilialID:        3,
		RowID:           4821,
		PatientFullName: "  Ivanova Maria Sergeevna  ",
		PatientPhone:    "8 (916) 123-45-67",
		DoctorName:      "Petrov A.A.",
		PlannedStart:    planned,
		Status:          domain.StatusPlanned,
		ServicesSummary: "Consultation",
		ChangedAt:       &changedAt,
	}
}

func TestTransform_ValidRecord(t *testing.T) {
	tr := New()
	rec, err := tr.Transform(sampleAppointment())
	require.NoError(t, err)

	assert.Equal(t, "F3_4821", rec.ExternalID)
	assert.Equal(t, "Ivanova Maria Sergeevna", rec.PatientFullName)
	assert.Equal(t, "+79161234567", rec.PatientPhone)
	assert.Equal(t, domain.StatusPlanned, rec.TargetStatus)
	assert.Equal(t, "Consultation", rec.ServicesSummary)
}

func TestTransform_EmptyPhonePathIsSkippedNotRejected(t *testing.T) {
	tr := New()
	a := sampleAppointment()
	a.PatientPhone = ""
	rec, err := tr.Transform(a)

	require.NoError(t, err, "a missing phone is a degraded record, not a data-quality rejection")
	assert.Empty(t, rec.PatientPhone)
}

func TestTransform_PhoneTooShortFallsBackToEmpty(t *testing.T) {
	assert.Empty(t, NormalizePhone("12"))
	assert.Empty(t, NormalizePhone("not a phone"))
}

func TestTransform_ServicesSummaryTruncatedAtLimit(t *testing.T) {
	long := make([]rune, servicesSummaryLimit+50)
	for i := range long {
		long[i] = 'x'
	}
	a := sampleAppointment()
	a.ServicesSummary = string(long)

	tr := New()
	rec, err := tr.Transform(a)
	require.NoError(t, err)

	runes := []rune(rec.ServicesSummary)
	assert.Len(t, runes, servicesSummaryLimit+1) // +1 for the ellipsis marker
	assert.Equal(t, '…', runes[len(runes)-1])
}

func TestTransform_RejectsEmptyExternalID(t *testing.T) {
	tr := New()
	a := sampleAppointment()
	a.FilialID = 0

	_, err := tr.Transform(a)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindDataQuality))
}

func TestTransform_RejectsBlankPatientName(t *testing.T) {
	tr := New()
	a := sampleAppointment()
	a.PatientFullName = "   "

	_, err := tr.Transform(a)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindDataQuality))
}

func TestNormalizePhone_HandlesLeadingCountryCode(t *testing.T) {
	assert.Equal(t, "+79161234567", NormalizePhone("+7 916 123 45 67"))
	assert.Equal(t, "+79161234567", NormalizePhone("9161234567"))
}

func TestExternalID_RejectsNonPositiveIDs(t *testing.T) {
	assert.Empty(t, ExternalID(0, 5))
	assert.Empty(t, ExternalID(3, 0))
	assert.Equal(t, "F3_5", ExternalID(3, 5))
}
