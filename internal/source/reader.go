// Package source reads appointment rows out of the read-only clinic
// database, using plain database/sql, $N placeholders, sql.Null*
// scanning, and wrapped errors throughout. It exposes a
// watermark-driven streaming cursor rather than a per-row fetch.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sadasdadsadasdw-spec/ident-sync/internal/config"
	"github.com/sadasdadsadasdw-spec/ident-sync/internal/domain"
)

// readSinceQuery selects one row per appointment whose row-level
// GREATEST of the six markers is at or after the watermark, ordered so
// the caller can persist a new watermark as it goes. services_summary
// and total_amount are computed by a joined subquery against order
// lines rather than an N+1 per-appointment fetch, mirroring the
// teacher's single-projection joins.
const readSinceQuery = `
SELECT
	a.filial_id,
	a.row_id,
	a.patient_full_name,
	a.patient_phone,
	a.doctor_name,
	a.planned_start,
	a.status,
	COALESCE(ol.services_summary, '') AS services_summary,
	ol.total_amount,
	a.added_at,
	a.changed_at,
	a.patient_arrived_at,
	a.started_at,
	a.ended_at,
	a.cancelled_at
FROM appointments a
LEFT JOIN (
	SELECT
		appointment_id,
		string_agg(name, ', ' ORDER BY line_id) AS services_summary,
		SUM(unit_price * count - discount) AS total_amount
	FROM order_lines
	GROUP BY appointment_id
) ol ON ol.appointment_id = a.row_id
WHERE a.filial_id = $1
  AND GREATEST(
	COALESCE(a.added_at, 'epoch'),
	COALESCE(a.changed_at, 'epoch'),
	COALESCE(a.patient_arrived_at, 'epoch'),
	COALESCE(a.started_at, 'epoch'),
	COALESCE(a.ended_at, 'epoch'),
	COALESCE(a.cancelled_at, 'epoch')
  ) >= $2
ORDER BY GREATEST(
	COALESCE(a.added_at, 'epoch'),
	COALESCE(a.changed_at, 'epoch'),
	COALESCE(a.patient_arrived_at, 'epoch'),
	COALESCE(a.started_at, 'epoch'),
	COALESCE(a.ended_at, 'epoch'),
	COALESCE(a.cancelled_at, 'epoch')
) ASC
`

const readPlanLinesQuery = `
SELECT line_id, name, count, unit_price, discount
FROM order_lines
WHERE appointment_id = $1
ORDER BY line_id ASC
`

// Reader streams appointment rows from the source database.
type Reader struct {
	db     *sql.DB
	logger *zap.Logger
	cfg    config.SourceConfig
}

// New builds a Reader over an already-open connection.
func New(db *sql.DB, cfg config.SourceConfig, logger *zap.Logger) *Reader {
	return &Reader{db: db, cfg: cfg, logger: logger}
}

// Ping verifies the source database is reachable within the configured
// connection timeout.
func (r *Reader) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectionTimeout)
	defer cancel()
	if err := r.db.PingContext(ctx); err != nil {
		return domain.NewError(domain.KindSourceUnavailable, "ping failed", err)
	}
	return nil
}

// Cursor streams *sql.Rows into domain.Appointment values without
// materializing the whole result set, so memory does not scale with
// row count regardless of how far behind the watermark has fallen.
type Cursor struct {
	rows *sql.Rows
}

// Close releases the underlying rows handle.
func (c *Cursor) Close() error {
	return c.rows.Close()
}

// Next advances the cursor. It returns false at end of stream or on
// error; callers must check Err after a false return.
func (c *Cursor) Next() bool {
	return c.rows.Next()
}

// Err returns the first error encountered by Next.
func (c *Cursor) Err() error {
	return c.rows.Err()
}

// Scan decodes the current row into an Appointment.
func (c *Cursor) Scan() (domain.Appointment, error) {
	var a domain.Appointment
	var totalAmount sql.NullFloat64
	var addedAt, changedAt, arrivedAt, startedAt, endedAt, cancelledAt sql.NullTime

	err := c.rows.Scan(
		&a.FilialID,
		&a.RowID,
		&a.PatientFullName,
		&a.PatientPhone,
		&a.DoctorName,
		&a.PlannedStart,
		&a.Status,
		&a.ServicesSummary,
		&totalAmount,
		&addedAt,
		&changedAt,
		&arrivedAt,
		&startedAt,
		&endedAt,
		&cancelledAt,
	)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("failed to scan appointment row: %w", err)
	}

	if totalAmount.Valid {
		a.TotalAmount = &totalAmount.Float64
	}
	a.AddedAt = nullableTime(addedAt)
	a.ChangedAt = nullableTime(changedAt)
	a.PatientArrivedAt = nullableTime(arrivedAt)
	a.StartedAt = nullableTime(startedAt)
	a.EndedAt = nullableTime(endedAt)
	a.CancelledAt = nullableTime(cancelledAt)

	return a, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

// ReadSince opens a streaming cursor over every appointment for
// filialID whose maximum marker is at or after since, ordered
// ascending so the caller can advance the watermark as it consumes
// rows. The caller must Close the returned Cursor.
func (r *Reader) ReadSince(ctx context.Context, filialID int, since time.Time) (*Cursor, error) {
	// No per-call timeout here: the cursor's lifetime is the caller's
	// cycle, not a single round-trip, so it is bound only by ctx.
	rows, err := r.db.QueryContext(ctx, readSinceQuery, filialID, since)
	if err != nil {
		return nil, domain.NewError(domain.KindSourceUnavailable, "read_since query failed", err)
	}
	return &Cursor{rows: rows}, nil
}

// ReadPlanLines fetches every treatment-plan line for a single
// appointment, used by the plan projector on every Apply (before it
// compares the rendered hash with its cache).
func (r *Reader) ReadPlanLines(ctx context.Context, appointmentRowID int64) ([]domain.TreatmentPlanLine, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.QueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, readPlanLinesQuery, appointmentRowID)
	if err != nil {
		return nil, domain.NewError(domain.KindSourceUnavailable, "read_plan_lines query failed", err)
	}
	defer rows.Close()

	var lines []domain.TreatmentPlanLine
	for rows.Next() {
		var l domain.TreatmentPlanLine
		if err := rows.Scan(&l.LineID, &l.Name, &l.Count, &l.UnitPrice, &l.Discount); err != nil {
			return nil, fmt.Errorf("failed to scan plan line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewError(domain.KindSourceUnavailable, "read_plan_lines iteration failed", err)
	}

	return lines, nil
}
