package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	StatusPending   InvoiceStatus = "pending"
	StatusPartial   InvoiceStatus = "partial"
	StatusPaid      InvoiceStatus = "paid"
	StatusCancelled InvoiceStatus = "cancelled"
)

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodInsurance    PaymentMethod = "insurance"
	MethodBankTransfer PaymentMethod = "bank_transfer"
)

// ParsePaymentMethod validates a raw method string against the closed enum.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	switch PaymentMethod(raw) {
	case MethodCash, MethodCard, MethodInsurance, MethodBankTransfer:
		return PaymentMethod(raw), nil
	}
	return "", ErrInvalidPaymentMethod
}

// CatalogService is an immutable price-catalog entry. The engine only
// ever reads it; price changes happen upstream and never propagate into
// existing line items.
type CatalogService struct {
	ID              uuid.UUID
	Code            string
	Name            string
	Price           decimal.Decimal
	DurationMinutes int
	CreatedAt       time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Appointment is the scheduling subsystem's record. Billing only needs
// its identity and patient for invoice denormalization.
type Appointment struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	DoctorID    uuid.UUID
	ScheduledAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ServiceLine attaches a catalog service to an appointment with the
// price captured at attach time. Lines are never updated in place;
// corrections are a delete followed by a fresh insert.
type ServiceLine struct {
	AppointmentID uuid.UUID
	ServiceID     uuid.UUID
	Quantity      int
	PriceAtTime   decimal.Decimal
	CreatedAt     time.Time
}

// Amount returns quantity × price snapshot for this line.
func (l ServiceLine) Amount() decimal.Decimal {
	return l.PriceAtTime.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Invoice aggregates an appointment's charges. TotalAmount is fixed at
// creation; AmountDue and Status are derived from the payment journal
// and must only ever be written by reconciliation, except for the
// terminal cancelled transition.
type Invoice struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	TotalAmount   decimal.Decimal
	AmountDue     decimal.Decimal
	Status        InvoiceStatus
	IssuedAt      time.Time
	UpdatedAt     time.Time
	CancelledAt   *time.Time
}

// Payment is one journal entry against an invoice. Entries are
// immutable; a reversal removes the row rather than adding a
// negative-amount counterpart.
type Payment struct {
	ID            uuid.UUID
	InvoiceID     uuid.UUID
	PaidAmount    decimal.Decimal
	PaymentMethod PaymentMethod
	PaymentDate   time.Time
	Reference     *string
	CreatedAt     time.Time
}

type EventLog struct {
	ID        int64
	EventType string
	InvoiceID *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}

// InvoiceDetail is an invoice hydrated with its payment journal.
type InvoiceDetail struct {
	Invoice
	Payments []Payment
}
