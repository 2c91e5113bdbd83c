package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.ScheduledAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func scanCatalogService(row pgx.Row) (*CatalogService, error) {
	var s CatalogService

	err := row.Scan(
		&s.ID,
		&s.Code,
		&s.Name,
		&s.Price,
		&s.DurationMinutes,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanServiceLine(row pgx.Row) (*ServiceLine, error) {
	var l ServiceLine

	err := row.Scan(
		&l.AppointmentID,
		&l.ServiceID,
		&l.Quantity,
		&l.PriceAtTime,
		&l.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceLineNotFound
		}
		return nil, err
	}

	return &l, nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var cancelledAt *time.Time

	err := row.Scan(
		&inv.ID,
		&inv.AppointmentID,
		&inv.PatientID,
		&inv.TotalAmount,
		&inv.AmountDue,
		&inv.Status,
		&inv.IssuedAt,
		&inv.UpdatedAt,
		&cancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}

	inv.CancelledAt = cancelledAt
	return &inv, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var reference *string

	err := row.Scan(
		&p.ID,
		&p.InvoiceID,
		&p.PaidAmount,
		&p.PaymentMethod,
		&p.PaymentDate,
		&reference,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	p.Reference = reference
	return &p, nil
}

// mapWriteError translates Postgres error codes into the engine's error
// taxonomy: unique violations are validation errors, serialization
// failures and deadlocks are retryable conflicts.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case "23505":
		if strings.Contains(pgErr.ConstraintName, "appointment_services") {
			return ErrDuplicateServiceLine
		}
		if strings.Contains(pgErr.ConstraintName, "invoices") {
			return ErrDuplicateInvoice
		}
		return err
	case "40001", "40P01":
		return ErrTxConflict
	}

	return err
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, patient_id, doctor_id, scheduled_at, created_at, updated_at
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetServiceByID(ctx context.Context, id uuid.UUID) (*CatalogService, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, code, name, price, duration_minutes, created_at
		FROM services
		WHERE id = $1
	`, id)
	return scanCatalogService(row)
}

func (r *PgRepository) GetServiceByCode(ctx context.Context, code string) (*CatalogService, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, code, name, price, duration_minutes, created_at
		FROM services
		WHERE code = $1
	`, code)
	return scanCatalogService(row)
}

func (r *PgRepository) ListServices(ctx context.Context) ([]CatalogService, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, code, name, price, duration_minutes, created_at
		FROM services
		ORDER BY code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []CatalogService
	for rows.Next() {
		s, err := scanCatalogService(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertServiceLine(ctx context.Context, line ServiceLine) (*ServiceLine, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointment_services (appointment_id, service_id, quantity, price_at_time, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING appointment_id, service_id, quantity, price_at_time, created_at
	`, line.AppointmentID, line.ServiceID, line.Quantity, line.PriceAtTime)

	created, err := scanServiceLine(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) DeleteServiceLine(ctx context.Context, appointmentID, serviceID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM appointment_services
		WHERE appointment_id = $1 AND service_id = $2
	`, appointmentID, serviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrServiceLineNotFound
	}
	return nil
}

func (r *PgRepository) ListServiceLines(ctx context.Context, appointmentID uuid.UUID) ([]ServiceLine, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT appointment_id, service_id, quantity, price_at_time, created_at
		FROM appointment_services
		WHERE appointment_id = $1
		ORDER BY created_at
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ServiceLine
	for rows.Next() {
		l, err := scanServiceLine(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *l)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO invoices (id, appointment_id, patient_id, total_amount, amount_due, status, issued_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING id, appointment_id, patient_id, total_amount, amount_due, status, issued_at, updated_at, cancelled_at
	`, inv.ID, inv.AppointmentID, inv.PatientID, inv.TotalAmount, inv.AmountDue, inv.Status)

	created, err := scanInvoice(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) GetInvoiceByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, appointment_id, patient_id, total_amount, amount_due, status, issued_at, updated_at, cancelled_at
		FROM invoices
		WHERE id = $1
	`, id)
	return scanInvoice(row)
}

func (r *PgRepository) GetInvoiceByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, appointment_id, patient_id, total_amount, amount_due, status, issued_at, updated_at, cancelled_at
		FROM invoices
		WHERE appointment_id = $1
	`, appointmentID)
	return scanInvoice(row)
}

func (r *PgRepository) CancelInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE invoices
		SET status = 'cancelled',
		    cancelled_at = now(),
		    updated_at = now()
		WHERE id = $1
		  AND status <> 'cancelled'
		RETURNING id, appointment_id, patient_id, total_amount, amount_due, status, issued_at, updated_at, cancelled_at
	`, id)

	inv, err := scanInvoice(row)
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, ErrInvoiceNotFound) {
		return nil, err
	}

	// No row updated: either the invoice is missing or already cancelled.
	if _, getErr := r.GetInvoiceByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrInvoiceCancelled
}

func (r *PgRepository) ListInvoicesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, patient_id, total_amount, amount_due, status, issued_at, updated_at, cancelled_at
		FROM invoices
		WHERE patient_id = $1
		ORDER BY issued_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectInvoices(rows)
}

func (r *PgRepository) ListInvoicesUpdatedSince(ctx context.Context, since time.Time, limit int) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, patient_id, total_amount, amount_due, status, issued_at, updated_at, cancelled_at
		FROM invoices
		WHERE updated_at >= $1
		ORDER BY updated_at
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectInvoices(rows)
}

func collectInvoices(rows pgx.Rows) ([]Invoice, error) {
	var result []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *inv)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) GetPaymentByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, invoice_id, paid_amount, payment_method, payment_date, reference, created_at
		FROM payments
		WHERE id = $1
	`, id)
	return scanPayment(row)
}

func (r *PgRepository) ListPaymentsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, invoice_id, paid_amount, payment_method, payment_date, reference, created_at
		FROM payments
		WHERE invoice_id = $1
		ORDER BY created_at
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InLedgerTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgLedgerTx{tx: tx}); err != nil {
		return mapWriteError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(fmt.Errorf("commit ledger tx: %w", err))
	}

	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	var invID *uuid.UUID
	if ev.InvoiceID != nil {
		invID = ev.InvoiceID
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, invoice_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, invID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// pgLedgerTx scopes journal mutations and reconciliation to a single
// transaction. The FOR UPDATE read pins the invoice row so the paid
// total aggregated later cannot be invalidated by a concurrent commit.
type pgLedgerTx struct {
	tx pgx.Tx
}

func (t *pgLedgerTx) InvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, appointment_id, patient_id, total_amount, amount_due, status, issued_at, updated_at, cancelled_at
		FROM invoices
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanInvoice(row)
}

func (t *pgLedgerTx) InsertPayment(ctx context.Context, p Payment) (*Payment, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO payments (id, invoice_id, paid_amount, payment_method, payment_date, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, invoice_id, paid_amount, payment_method, payment_date, reference, created_at
	`, p.ID, p.InvoiceID, p.PaidAmount, p.PaymentMethod, p.PaymentDate, p.Reference)
	return scanPayment(row)
}

func (t *pgLedgerTx) DeletePayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	row := t.tx.QueryRow(ctx, `
		DELETE FROM payments
		WHERE id = $1
		RETURNING id, invoice_id, paid_amount, payment_method, payment_date, reference, created_at
	`, id)
	return scanPayment(row)
}

func (t *pgLedgerTx) PaidTotal(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(paid_amount), 0)
		FROM payments
		WHERE invoice_id = $1
	`, invoiceID).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (t *pgLedgerTx) SaveReconciliation(ctx context.Context, invoiceID uuid.UUID, amountDue decimal.Decimal, status InvoiceStatus) (*Invoice, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE invoices
		SET amount_due = $2,
		    status = $3,
		    updated_at = now()
		WHERE id = $1
		RETURNING id, appointment_id, patient_id, total_amount, amount_due, status, issued_at, updated_at, cancelled_at
	`, invoiceID, amountDue, status)

	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, ErrInvoiceNotFound) {
			// The row was locked earlier in this transaction; losing it
			// now means the ledger itself is broken.
			return nil, fmt.Errorf("%w: invoice %s vanished during reconciliation", ErrLedgerInconsistent, invoiceID)
		}
		return nil, err
	}
	return inv, nil
}
