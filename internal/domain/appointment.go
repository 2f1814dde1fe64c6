// Package domain holds the types shared across the synchronization core:
// the source-side Appointment and TreatmentPlanLine, the Transformer's
// CanonicalRecord output, and the CRM-side entity shapes the Reconciler
// operates on.
package domain

import "time"

// Status is the appointment status enumeration used by the source system.
type Status string

const (
	StatusPlanned               Status = "Planned"
	StatusPatientArrived        Status = "PatientArrived"
	StatusInProgress            Status = "InProgress"
	StatusCompleted             Status = "Completed"
	StatusCompletedWithInvoice  Status = "CompletedWithInvoice"
	StatusCancelled             Status = "Cancelled"
)

// Appointment is a single read-only row from the source database, joined
// with its aggregated service description and total.
type Appointment struct {
	FilialID int
	RowID    int64

	PatientFullName string
	PatientPhone    string
	DoctorName      string
	PlannedStart    time.Time
	Status          Status
	ServicesSummary string
	TotalAmount     *float64

	AddedAt          *time.Time
	ChangedAt        *time.Time
	PatientArrivedAt *time.Time
	StartedAt        *time.Time
	EndedAt          *time.Time
	CancelledAt      *time.Time
}

// MaxMarker returns the maximum of the six temporal markers, ignoring
// nils. It returns the zero Time if every marker is nil.
func (a Appointment) MaxMarker() time.Time {
	var max time.Time
	for _, m := range []*time.Time{a.AddedAt, a.ChangedAt, a.PatientArrivedAt, a.StartedAt, a.EndedAt, a.CancelledAt} {
		if m == nil {
			continue
		}
		if m.After(max) {
			max = *m
		}
	}
	return max
}

// TreatmentPlanLine is a single service or good on an appointment's
// treatment plan. Read-only, used only by the plan projector.
type TreatmentPlanLine struct {
	LineID    int64
	Name      string
	Count     float64
	UnitPrice float64
	Discount  float64
}

// LineTotal is unit_price * count - discount.
func (l TreatmentPlanLine) LineTotal() float64 {
	return l.UnitPrice*l.Count - l.Discount
}

// CanonicalRecord is the Transformer's output: an Appointment reduced to
// exactly what the Reconciler needs to reflect into the CRM.
type CanonicalRecord struct {
	ExternalID         string
	PatientFullName    string
	PatientPhone       string
	DoctorName         string
	PlannedStart       time.Time
	ServicesSummary    string
	TotalAmount        *float64
	TargetStatus       Status
	SourceTimestampsMax time.Time
}
