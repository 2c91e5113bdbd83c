package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Catalog (read-only to the engine)
	GetServiceByID(ctx context.Context, id uuid.UUID) (*CatalogService, error)
	GetServiceByCode(ctx context.Context, code string) (*CatalogService, error)
	ListServices(ctx context.Context) ([]CatalogService, error)

	// Line items
	InsertServiceLine(ctx context.Context, line ServiceLine) (*ServiceLine, error)
	DeleteServiceLine(ctx context.Context, appointmentID, serviceID uuid.UUID) error
	ListServiceLines(ctx context.Context, appointmentID uuid.UUID) ([]ServiceLine, error)

	// Invoices
	InsertInvoice(ctx context.Context, inv Invoice) (*Invoice, error)
	GetInvoiceByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	GetInvoiceByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Invoice, error)
	CancelInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error)
	ListInvoicesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Invoice, error)

	// Audit worker
	ListInvoicesUpdatedSince(ctx context.Context, since time.Time, limit int) ([]Invoice, error)

	// Payment journal
	GetPaymentByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	ListPaymentsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error)

	// InLedgerTx runs fn inside a single storage transaction. Every
	// payment-journal mutation and its reconciliation happen through
	// this: either both commit or neither does.
	InLedgerTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}

// LedgerTx is the transactional view used by apply/reverse. The invoice
// row lock taken by InvoiceForUpdate serializes the read-aggregate-write
// sequence per invoice; transactions on different invoices do not block
// each other.
type LedgerTx interface {
	// InvoiceForUpdate loads the invoice and holds a row lock on it for
	// the remainder of the transaction.
	InvoiceForUpdate(ctx context.Context, id uuid.UUID) (*Invoice, error)

	InsertPayment(ctx context.Context, p Payment) (*Payment, error)

	// DeletePayment removes a journal entry and returns the removed row.
	DeletePayment(ctx context.Context, id uuid.UUID) (*Payment, error)

	// PaidTotal sums paid_amount over the invoice's current payments,
	// including any mutation made earlier in this transaction.
	PaidTotal(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error)

	// SaveReconciliation writes the recomputed balance and status. A
	// missing invoice here is a ledger inconsistency, not a not-found.
	SaveReconciliation(ctx context.Context, invoiceID uuid.UUID, amountDue decimal.Decimal, status InvoiceStatus) (*Invoice, error)
}
